package vmem

import "golang.org/x/sys/unix"

const mapLow32 = unix.MAP_32BIT

// Low32Supported reports whether Alloc can honor a low32 request
const Low32Supported = true
