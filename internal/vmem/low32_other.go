//go:build unix && !(linux && amd64)

package vmem

const mapLow32 = 0

// Low32Supported reports whether Alloc can honor a low32 request
const Low32Supported = false
