package inspect

import (
	"bufio"
)

const hexDigits = "0123456789abcdef"

// hexdump writes 16 bytes per line: address, hex bytes, printable ASCII
func hexdump(w *bufio.Writer, data []byte, addr uint64) {
	for off := 0; off < len(data); off += 16 {
		end := min(off+16, len(data))
		w.WriteString(indent)
		writeHex(w, addr+uint64(off), 8)
		w.WriteString("  ")
		for i := off; i < off+16; i++ {
			if i < end {
				w.WriteByte(hexDigits[data[i]>>4])
				w.WriteByte(hexDigits[data[i]&15])
			} else {
				w.WriteString("  ")
			}
			w.WriteByte(' ')
			if i == off+7 {
				w.WriteByte(' ')
			}
		}
		w.WriteString(" |")
		for _, c := range data[off:end] {
			if 0x20 <= c && c <= 0x7e {
				w.WriteByte(c)
			} else {
				w.WriteByte('.')
			}
		}
		w.WriteString("|\n")
	}
}

func writeHex(w *bufio.Writer, v uint64, digits int) {
	for i := digits; i > 0; i-- {
		w.WriteByte(hexDigits[(v>>((i-1)*4))&15])
	}
}
