package platform

import (
	"fmt"
	"strings"
)

// Args supplies the integer arguments of a printf call in order. Arguments
// past the end read as zero.
type Args struct {
	vals []uint64
	next int
}

// NewArgs wraps raw argument words
func NewArgs(vals ...uint64) *Args {
	return &Args{vals: vals}
}

func (a *Args) pop() uint64 {
	if a.next >= len(a.vals) {
		a.next++
		return 0
	}
	v := a.vals[a.next]
	a.next++
	return v
}

// Sprintf formats a C printf format string. Pointers for %s are read with
// str. Supported: flags "-+ #0", width and precision (also "*"), length
// modifiers hh h l ll z j t, and conversions d i u o x X p s c %.
func Sprintf(format string, args *Args, str func(uintptr) string) string {
	var sb strings.Builder
	for i := 0; i < len(format); i++ {
		c := format[i]
		if c != '%' {
			sb.WriteByte(c)
			continue
		}
		start := i
		i++
		if i >= len(format) {
			sb.WriteByte('%')
			break
		}

		var spec strings.Builder
		spec.WriteByte('%')
		for ; i < len(format) && strings.IndexByte("-+ #0", format[i]) >= 0; i++ {
			spec.WriteByte(format[i])
		}
		if i < len(format) && format[i] == '*' {
			w := int32(args.pop())
			if w < 0 {
				spec.WriteByte('-')
				w = -w
			}
			fmt.Fprintf(&spec, "%d", w)
			i++
		} else {
			for ; i < len(format) && isDigit(format[i]); i++ {
				spec.WriteByte(format[i])
			}
		}
		if i < len(format) && format[i] == '.' {
			i++
			if i < len(format) && format[i] == '*' {
				// a negative precision counts as none
				if p := int32(args.pop()); p >= 0 {
					fmt.Fprintf(&spec, ".%d", p)
				}
				i++
			} else {
				spec.WriteByte('.')
				for ; i < len(format) && isDigit(format[i]); i++ {
					spec.WriteByte(format[i])
				}
			}
		}

		size := 4
	lengths:
		for ; i < len(format); i++ {
			switch format[i] {
			case 'h':
				if size == 2 {
					size = 1
				} else {
					size = 2
				}
			case 'l', 'z', 'j', 't', 'q', 'L':
				size = 8
			default:
				break lengths
			}
		}
		if i >= len(format) {
			sb.WriteString(format[start:])
			break
		}

		verb := format[i]
		switch verb {
		case 'd', 'i':
			fmt.Fprintf(&sb, spec.String()+"d", signed(args.pop(), size))
		case 'u':
			fmt.Fprintf(&sb, spec.String()+"d", unsigned(args.pop(), size))
		case 'o', 'x', 'X':
			fmt.Fprintf(&sb, spec.String()+string(verb), unsigned(args.pop(), size))
		case 'p':
			fmt.Fprintf(&sb, spec.String()+"s", pointer(args.pop()))
		case 's':
			p := args.pop()
			s := "(null)"
			if p != 0 {
				s = str(uintptr(p))
			}
			fmt.Fprintf(&sb, spec.String()+"s", s)
		case 'c':
			fmt.Fprintf(&sb, spec.String()+"s", string([]byte{byte(args.pop())}))
		case '%':
			sb.WriteByte('%')
		default:
			// unknown conversion, copied through
			sb.WriteString(format[start : i+1])
		}
	}
	return sb.String()
}

func pointer(p uint64) string {
	if p == 0 {
		return "(nil)"
	}
	return fmt.Sprintf("0x%x", p)
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func signed(v uint64, size int) int64 {
	switch size {
	case 1:
		return int64(int8(v))
	case 2:
		return int64(int16(v))
	case 4:
		return int64(int32(v))
	default:
		return int64(v)
	}
}

func unsigned(v uint64, size int) uint64 {
	switch size {
	case 1:
		return uint64(uint8(v))
	case 2:
		return uint64(uint16(v))
	case 4:
		return uint64(uint32(v))
	default:
		return v
	}
}
