package link

import (
	"time"

	"github.com/pkg/errors"
	"go.bug.st/serial"
)

// SerialBridge drives the SPI link through a USB bridge adapter that
// exposes the SPI master as a serial device. The peer's request line is
// wired to the adapter's CTS input.
type SerialBridge struct {
	port     serial.Port
	portName string
	baudRate int
}

// OpenSerial opens the bridge device at the given baud rate.
func OpenSerial(portName string, baudRate int) (*SerialBridge, error) {
	port, err := open(portName, baudRate)
	if err != nil {
		return nil, err
	}
	return &SerialBridge{
		port:     port,
		portName: portName,
		baudRate: baudRate,
	}, nil
}

func open(portName string, baudRate int) (serial.Port, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, errors.Wrapf(err, "open port %s", portName)
	}

	if err := port.SetReadTimeout(100 * time.Millisecond); err != nil {
		port.Close()
		return nil, errors.Wrap(err, "set read timeout")
	}
	return port, nil
}

// Send transmits the whole buffer.
func (b *SerialBridge) Send(data []byte) error {
	sent := 0
	for sent < len(data) {
		n, err := b.port.Write(data[sent:])
		if err != nil {
			return errors.Wrap(err, "link write")
		}
		sent += n
	}
	return nil
}

// Receive reads exactly n bytes, accumulating across short reads.
func (b *SerialBridge) Receive(n int) ([]byte, error) {
	buf := make([]byte, n)
	got := 0
	for got < n {
		r, err := b.port.Read(buf[got:])
		if err != nil {
			return nil, errors.Wrap(err, "link read")
		}
		if r == 0 {
			return nil, errors.Errorf("link read: short read, %d of %d bytes", got, n)
		}
		got += r
	}
	return buf, nil
}

// Exchange clocks tx out and reads the same number of bytes back. The
// bridge serialises the two directions; the SPI transaction itself is
// full-duplex on the adapter.
func (b *SerialBridge) Exchange(tx []byte) ([]byte, error) {
	if err := b.Send(tx); err != nil {
		return nil, err
	}
	return b.Receive(len(tx))
}

// Reopen closes and reopens the device with identical parameters.
func (b *SerialBridge) Reopen() error {
	if b.port != nil {
		b.port.Close()
	}
	port, err := open(b.portName, b.baudRate)
	if err != nil {
		return err
	}
	b.port = port
	return nil
}

// Close closes the device.
func (b *SerialBridge) Close() error {
	if b.port != nil {
		return b.port.Close()
	}
	return nil
}

// RequestLine reads the peer's request line level from the adapter's CTS
// input. High means the peer is in OTA-boot and expects the firmware
// transfer; low means the application personality is asking for the
// business dispatcher.
func (b *SerialBridge) RequestLine() (bool, error) {
	bits, err := b.port.GetModemStatusBits()
	if err != nil {
		return false, errors.Wrap(err, "read modem status")
	}
	return bits.CTS, nil
}

// BootLevel reads the peer's boot-personality line from the adapter's DSR
// input.
func (b *SerialBridge) BootLevel() (bool, error) {
	bits, err := b.port.GetModemStatusBits()
	if err != nil {
		return false, errors.Wrap(err, "read modem status")
	}
	return bits.DSR, nil
}

// PortName returns the device path the bridge was opened on.
func (b *SerialBridge) PortName() string { return b.portName }
