// Package kfmt implements a minimal, allocation-free Printf family usable
// before the Go runtime's heap and the console device are available. Output
// defaults to an in-memory ring buffer and is replayed into a real sink once
// SetOutputSink is called.
package kfmt

import (
	"io"
	"unsafe"
)

// maxNumWidth bounds the scratch buffer used to format a single integer.
const maxNumWidth = 32

var (
	errMissingArg   = []byte("(MISSING)")
	errWrongArgType = []byte("%!(WRONGTYPE)")
	errNoVerb       = []byte("%!(NOVERB)")
	errExtraArg     = []byte("%!(EXTRA)")
	trueValue       = []byte("true")
	falseValue      = []byte("false")
	hexPrefix       = []byte("0x")

	numScratch = make([]byte, maxNumWidth)

	// oneByte is reused across calls so formatting a single character never
	// allocates a new slice.
	oneByte = []byte{0}

	// earlyPrintBuffer accumulates output emitted before a real device is
	// wired up via SetOutputSink.
	earlyPrintBuffer ringBuffer

	// outputSink receives Printf output once set. A nil sink routes output
	// to earlyPrintBuffer instead.
	outputSink io.Writer
)

// SetOutputSink directs subsequent Printf calls to w and flushes whatever
// output accumulated in earlyPrintBuffer into it.
func SetOutputSink(w io.Writer) {
	outputSink = w
	if w != nil {
		io.Copy(w, &earlyPrintBuffer)
	}
}

// Printf formats according to a format specifier and writes to the current
// output sink (or the early ring buffer if none is set yet). It performs no
// heap allocation, which makes it safe to call before the allocator and the
// scheduler exist.
//
// Supported verbs:
//
//	%s  string or []byte, as-is
//	%d  signed/unsigned integer, base 10
//	%o  signed/unsigned integer, base 8
//	%x  signed/unsigned integer, base 16, lower-case
//	%c  a single byte or rune, printed as a character
//	%p  a uintptr or unsafe.Pointer, printed as 0x-prefixed hex
//	%t  bool
//
// An optional decimal width may precede any verb; %s and %d pad with spaces,
// %x and %o pad with zeroes. kfmt never consults reflect or fmt, so it does
// not honor io.Stringer or struct field introspection — every argument must
// be one of the primitive types listed above.
func Printf(format string, args ...interface{}) {
	Fprintf(outputSink, format, args...)
}

// Fprintf is Printf with an explicit destination writer. Passing a nil
// writer routes output to the early ring buffer, same as Printf before
// SetOutputSink has been called.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	argIndex := 0
	i := 0
	for i < len(format) {
		if format[i] != '%' {
			start := i
			for i < len(format) && format[i] != '%' {
				i++
			}
			writeRange(w, format, start, i)
			continue
		}

		i++ // consume '%'
		if i >= len(format) {
			writeByte(w, '%')
			break
		}

		if format[i] == '%' {
			writeByte(w, '%')
			i++
			continue
		}

		width := 0
		for i < len(format) && format[i] >= '0' && format[i] <= '9' {
			width = width*10 + int(format[i]-'0')
			i++
		}

		if i >= len(format) {
			doWrite(w, errNoVerb)
			break
		}

		verb := format[i]
		i++

		switch verb {
		case 'd', 'o', 'x', 's', 't', 'c', 'p':
			// handled below, once an argument is known to be available
		default:
			doWrite(w, errNoVerb)
			continue
		}

		if argIndex >= len(args) {
			doWrite(w, errMissingArg)
			continue
		}

		switch verb {
		case 'd':
			fmtInt(w, args[argIndex], 10, width)
		case 'o':
			fmtInt(w, args[argIndex], 8, width)
		case 'x':
			fmtInt(w, args[argIndex], 16, width)
		case 's':
			fmtString(w, args[argIndex], width)
		case 't':
			fmtBool(w, args[argIndex])
		case 'c':
			fmtChar(w, args[argIndex])
		case 'p':
			fmtPointer(w, args[argIndex])
		}
		argIndex++
	}

	for ; argIndex < len(args); argIndex++ {
		doWrite(w, errExtraArg)
	}
}

// writeRange writes format[start:end] one byte at a time; slicing a string
// and handing the result to an io.Writer would allocate.
func writeRange(w io.Writer, format string, start, end int) {
	for j := start; j < end; j++ {
		writeByte(w, format[j])
	}
}

func writeByte(w io.Writer, b byte) {
	oneByte[0] = b
	doWrite(w, oneByte)
}

func fmtBool(w io.Writer, v interface{}) {
	b, ok := v.(bool)
	if !ok {
		doWrite(w, errWrongArgType)
		return
	}
	if b {
		doWrite(w, trueValue)
	} else {
		doWrite(w, falseValue)
	}
}

func fmtChar(w io.Writer, v interface{}) {
	switch c := v.(type) {
	case byte:
		writeByte(w, c)
	case rune:
		writeByte(w, byte(c))
	case int:
		writeByte(w, byte(c))
	default:
		doWrite(w, errWrongArgType)
	}
}

func fmtPointer(w io.Writer, v interface{}) {
	var addr uint64
	switch p := v.(type) {
	case uintptr:
		addr = uint64(p)
	case unsafe.Pointer:
		addr = uint64(uintptr(p))
	default:
		doWrite(w, errWrongArgType)
		return
	}
	doWrite(w, hexPrefix)
	fmtInt(w, addr, 16, 0)
}

func fmtString(w io.Writer, v interface{}, width int) {
	switch s := v.(type) {
	case string:
		fmtRepeat(w, ' ', width-len(s))
		for j := 0; j < len(s); j++ {
			writeByte(w, s[j])
		}
	case []byte:
		fmtRepeat(w, ' ', width-len(s))
		doWrite(w, s)
	default:
		doWrite(w, errWrongArgType)
	}
}

func fmtRepeat(w io.Writer, ch byte, count int) {
	for j := 0; j < count; j++ {
		writeByte(w, ch)
	}
}

// fmtInt formats v (any built-in integer type, signed or unsigned) in the
// given base with optional left-padding to width, writing the result to w.
func fmtInt(w io.Writer, v interface{}, base, width int) {
	var uval uint64
	var negative bool

	switch n := v.(type) {
	case uint8:
		uval = uint64(n)
	case uint16:
		uval = uint64(n)
	case uint32:
		uval = uint64(n)
	case uint64:
		uval = n
	case uintptr:
		uval = uint64(n)
	case int8:
		negative, uval = splitSign(int64(n))
	case int16:
		negative, uval = splitSign(int64(n))
	case int32:
		negative, uval = splitSign(int64(n))
	case int64:
		negative, uval = splitSign(n)
	case int:
		negative, uval = splitSign(int64(n))
	default:
		doWrite(w, errWrongArgType)
		return
	}

	if width >= maxNumWidth {
		width = maxNumWidth - 1
	}

	padCh := byte(' ')
	if base != 10 {
		padCh = '0'
	}

	pos := maxNumWidth
	for {
		pos--
		digit := byte(uval % uint64(base))
		if digit < 10 {
			numScratch[pos] = '0' + digit
		} else {
			numScratch[pos] = 'a' + digit - 10
		}
		uval /= uint64(base)
		if uval == 0 {
			break
		}
	}

	digits := maxNumWidth - pos
	pad := width - digits
	if negative {
		pad--
	}

	// Zero-padding fills between the sign and the digits (-000123); space
	// padding fills to the left of the sign (   -123), matching printf.
	if padCh == '0' {
		for ; pad > 0; pad-- {
			pos--
			numScratch[pos] = padCh
		}
		if negative {
			pos--
			numScratch[pos] = '-'
		}
	} else {
		if negative {
			pos--
			numScratch[pos] = '-'
		}
		for ; pad > 0; pad-- {
			pos--
			numScratch[pos] = padCh
		}
	}

	doWrite(w, numScratch[pos:maxNumWidth])
}

func splitSign(v int64) (negative bool, uval uint64) {
	if v < 0 {
		return true, uint64(-v)
	}
	return false, uint64(v)
}

// doWrite hides p from escape analysis via noEscape so that calling Printf
// before the allocator exists does not trigger runtime.convT2E and crash.
func doWrite(w io.Writer, p []byte) {
	doRealWrite(w, noEscape(unsafe.Pointer(&p)))
}

func doRealWrite(w io.Writer, bufPtr unsafe.Pointer) {
	p := *(*[]byte)(bufPtr)
	if w != nil {
		w.Write(p)
	} else {
		earlyPrintBuffer.Write(p)
	}
}

// noEscape hides a pointer from escape analysis, copied from runtime/stubs.go.
//
//go:nosplit
func noEscape(p unsafe.Pointer) unsafe.Pointer {
	x := uintptr(p)
	return unsafe.Pointer(x ^ 0)
}
