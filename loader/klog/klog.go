// Package klog provides a minimal, allocation-free Printf for the boot
// loader. Output produced before a console sink is registered accumulates in
// a ring buffer and is replayed to the sink once one becomes available.
package klog

import "io"

var (
	errMissingArg   = []byte("(MISSING)")
	errWrongArgType = []byte("%!(WRONGTYPE)")
	errNoVerb       = []byte("%!(NOVERB)")
	errExtraArg     = []byte("%!(EXTRA)")
	trueValue       = []byte("true")
	falseValue      = []byte("false")

	// numBuf holds the digits of a formatted number. 64 bits of octal
	// output plus padding always fit.
	numBuf [32]byte

	// singleByte is a shared buffer for emitting one character at a time
	// without allocating.
	singleByte = []byte(" ")

	// earlyBuffer captures Printf output before a sink is registered.
	earlyBuffer ringBuffer

	// sink is where Printf sends its output; nil redirects to earlyBuffer.
	sink io.Writer
)

// SetOutputSink sets the target for Printf output to w and drains any
// buffered early output into it. Passing nil reverts to early buffering.
func SetOutputSink(w io.Writer) {
	sink = w
	if w != nil {
		io.Copy(w, &earlyBuffer)
	}
}

// Printf formats its arguments to the registered output sink without
// allocating any memory. It supports a subset of the fmt verbs:
//
//	%s  string or []byte
//	%o  integer, base 8
//	%d  integer, base 10
//	%x  integer, base 16 (lower case)
//	%t  boolean
//
// An optional decimal width before the verb left-pads the value: strings and
// base-10 integers pad with spaces, base-16 integers pad with zeroes. All
// built-in integer types are accepted; no other types are formatted.
func Printf(format string, args ...interface{}) {
	Fprintf(sink, format, args...)
}

// Fprintf behaves like Printf but writes the formatted output to w.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	var (
		nextArg    int
		start, pos int
	)

	for pos < len(format) {
		if format[pos] != '%' {
			pos++
			continue
		}

		// Emit the literal block before the verb one byte at a time;
		// slicing the format string would allocate.
		emitBytes(w, format, start, pos)

		pad := 0
		pos++
	parseVerb:
		for ; pos < len(format); pos++ {
			ch := format[pos]
			switch {
			case ch == '%':
				singleByte[0] = '%'
				write(w, singleByte)
				break parseVerb
			case ch >= '0' && ch <= '9':
				pad = (pad * 10) + int(ch-'0')
				continue
			case ch == 'd' || ch == 'x' || ch == 'o' || ch == 's' || ch == 't':
				if nextArg >= len(args) {
					write(w, errMissingArg)
					break parseVerb
				}

				switch ch {
				case 'o':
					emitInt(w, args[nextArg], 8, pad)
				case 'd':
					emitInt(w, args[nextArg], 10, pad)
				case 'x':
					emitInt(w, args[nextArg], 16, pad)
				case 's':
					emitString(w, args[nextArg], pad)
				case 't':
					emitBool(w, args[nextArg])
				}

				nextArg++
				break parseVerb
			default:
				write(w, errNoVerb)
				break parseVerb
			}
		}
		start, pos = pos+1, pos+1
	}

	emitBytes(w, format, start, pos)

	for ; nextArg < len(args); nextArg++ {
		write(w, errExtraArg)
	}
}

// write sends p to w, falling back to the early ring buffer when no sink has
// been registered yet.
func write(w io.Writer, p []byte) {
	if w == nil {
		w = &earlyBuffer
	}
	w.Write(p)
}

func emitBytes(w io.Writer, s string, from, to int) {
	for i := from; i < to && i < len(s); i++ {
		singleByte[0] = s[i]
		write(w, singleByte)
	}
}

func emitRepeat(w io.Writer, ch byte, count int) {
	singleByte[0] = ch
	for i := 0; i < count; i++ {
		write(w, singleByte)
	}
}

func emitBool(w io.Writer, v interface{}) {
	switch b := v.(type) {
	case bool:
		if b {
			write(w, trueValue)
		} else {
			write(w, falseValue)
		}
	default:
		write(w, errWrongArgType)
	}
}

func emitString(w io.Writer, v interface{}, pad int) {
	switch s := v.(type) {
	case string:
		emitRepeat(w, ' ', pad-len(s))
		emitBytes(w, s, 0, len(s))
	case []byte:
		emitRepeat(w, ' ', pad-len(s))
		write(w, s)
	default:
		write(w, errWrongArgType)
	}
}

// emitInt writes v in the requested base applying the pad width. All signed
// and unsigned built-in integer types are supported.
func emitInt(w io.Writer, v interface{}, base, pad int) {
	var (
		uval     uint64
		negative bool
	)

	switch num := v.(type) {
	case uint8:
		uval = uint64(num)
	case uint16:
		uval = uint64(num)
	case uint32:
		uval = uint64(num)
	case uint64:
		uval = num
	case uint:
		uval = uint64(num)
	case uintptr:
		uval = uint64(num)
	case int8:
		negative = num < 0
		if negative {
			num = -num
		}
		uval = uint64(num)
	case int16:
		negative = num < 0
		if negative {
			num = -num
		}
		uval = uint64(num)
	case int32:
		negative = num < 0
		if negative {
			num = -num
		}
		uval = uint64(num)
	case int64:
		negative = num < 0
		if negative {
			num = -num
		}
		uval = uint64(num)
	case int:
		negative = num < 0
		if negative {
			num = -num
		}
		uval = uint64(num)
	default:
		write(w, errWrongArgType)
		return
	}

	const digits = "0123456789abcdef"

	end := len(numBuf)
	i := end
	for {
		i--
		numBuf[i] = digits[uval%uint64(base)]
		uval /= uint64(base)
		if uval == 0 {
			break
		}
	}

	if negative {
		i--
		numBuf[i] = '-'
	}

	padCh := byte(' ')
	if base == 8 || base == 16 {
		padCh = '0'
	}
	emitRepeat(w, padCh, pad-(end-i))

	write(w, numBuf[i:end])
}
