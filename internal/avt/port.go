package avt

import (
	"fmt"
	"time"

	"go.bug.st/serial"
)

// Port is the byte transport under a Session. Implementations must make a
// read that saw no data within the transport timeout observable as an error
// wrapping ErrTimeout, never as a silent (0, nil).
type Port interface {
	// DiscardBuffers drops any bytes buffered in either direction.
	DiscardBuffers() error
	// Write blocks until all of p is handed to the transport.
	Write(p []byte) (int, error)
	// Read blocks until at least one byte is available or the transport
	// timeout elapses, returning the bytes actually read.
	Read(p []byte) (int, error)
	Close() error
}

const (
	portBaudRate    = 115200
	portReadTimeout = 200 * time.Millisecond
)

// SerialPort adapts a go.bug.st/serial port to the Port contract.
type SerialPort struct {
	port serial.Port
}

// OpenSerial opens path at the fixed link configuration (115200 8N1) with a
// per-read timeout. baudRate of 0 selects the default 115200.
func OpenSerial(path string, baudRate int) (*SerialPort, error) {
	if baudRate == 0 {
		baudRate = portBaudRate
	}
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("avt: failed to open %s: %w", path, err)
	}
	if err := port.SetReadTimeout(portReadTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("avt: failed to set timeout on %s: %w", path, err)
	}
	return &SerialPort{port: port}, nil
}

func (s *SerialPort) DiscardBuffers() error {
	if err := s.port.ResetInputBuffer(); err != nil {
		return err
	}
	return s.port.ResetOutputBuffer()
}

func (s *SerialPort) Write(p []byte) (int, error) {
	return s.port.Write(p)
}

// Read maps the serial library's timeout convention (0 bytes, nil error)
// onto the Port contract.
func (s *SerialPort) Read(p []byte) (int, error) {
	n, err := s.port.Read(p)
	if err != nil {
		return n, err
	}
	if n == 0 {
		return 0, fmt.Errorf("avt: no data within read timeout: %w", ErrTimeout)
	}
	return n, nil
}

func (s *SerialPort) Close() error {
	return s.port.Close()
}
