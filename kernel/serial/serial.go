// Package serial drives a 16550-compatible UART on the legacy COM ports,
// the kernel's only output device before a framebuffer console exists. It
// implements io.Writer so kfmt.SetOutputSink can point straight at it.
package serial

import "gokernel/kernel/cpu"

const (
	com1 = 0x3f8
	com2 = 0x2f8

	lineEnableDLAB = 0x80
	fifoEnable     = 0xc7 // enable, clear both FIFOs, 14-byte threshold
	lineProtocol   = 0x03 // 8 bits, no parity, one stop bit
	modemControl   = 0x03 // RTS=1, DTR=1

	lineStatusTransmitEmpty = 0x20
)

// outbFn/inbFn are overridden by tests that drive the port protocol without
// real hardware, the same seam kernel/irq uses.
var (
	outbFn = cpu.Outb
	inbFn  = cpu.Inb
)

// SetIOFns overrides the port I/O primitives and returns a function that
// restores the previous ones.
func SetIOFns(out func(uint16, uint8), in func(uint16) uint8) (restore func()) {
	prevOut, prevIn := outbFn, inbFn
	outbFn, inbFn = out, in
	return func() { outbFn, inbFn = prevOut, prevIn }
}

// Port is one UART, addressed by its block of 8 I/O ports.
type Port struct {
	base uint16
}

// COM1 and COM2 name the two legacy serial ports by their conventional I/O
// base address.
var (
	COM1 = Port{base: com1}
	COM2 = Port{base: com2}
)

func (p Port) dataPort() uint16        { return p.base }
func (p Port) fifoCommandPort() uint16 { return p.base + 2 }
func (p Port) lineCommandPort() uint16 { return p.base + 3 }
func (p Port) modemCommandPort() uint16 { return p.base + 4 }
func (p Port) lineStatusPort() uint16  { return p.base + 5 }

// Init programs the UART for a given baud rate divisor (115200/divisor
// baud) and 8N1 framing with FIFOs and flow control enabled.
func (p Port) Init(baudDivisor uint16) {
	outbFn(p.lineCommandPort(), lineEnableDLAB)
	outbFn(p.dataPort(), uint8(baudDivisor))
	outbFn(p.base+1, uint8(baudDivisor>>8))

	outbFn(p.lineCommandPort(), lineProtocol)
	outbFn(p.fifoCommandPort(), fifoEnable)
	outbFn(p.modemCommandPort(), modemControl)
}

func (p Port) transmitFIFOEmpty() bool {
	return inbFn(p.lineStatusPort())&lineStatusTransmitEmpty != 0
}

// WriteByte blocks until the transmit FIFO has room, then writes b.
func (p Port) WriteByte(b byte) error {
	for !p.transmitFIFOEmpty() {
	}
	outbFn(p.dataPort(), b)
	return nil
}

// Write implements io.Writer.
func (p Port) Write(data []byte) (int, error) {
	for _, b := range data {
		p.WriteByte(b)
	}
	return len(data), nil
}
