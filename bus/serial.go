package bus

import (
	"io"
	"time"

	"github.com/jacobsa/go-serial/serial"
	"github.com/pkg/errors"
)

// Serial is a byte-stream bus. Reads are bounded by the port's
// inter-character timeout plus an overall deadline.
type Serial struct {
	port    io.ReadWriteCloser
	Timeout time.Duration
}

// OpenSerial opens a UART at 8N1. A read returns after 100ms of silence.
func OpenSerial(path string, baud uint, timeout time.Duration) (*Serial, error) {
	options := serial.OpenOptions{
		PortName:              path,
		BaudRate:              baud,
		DataBits:              8,
		StopBits:              1,
		MinimumReadSize:       0,
		InterCharacterTimeout: 100,
	}
	port, err := serial.Open(options)
	if err != nil {
		return nil, errors.Wrapf(err, "open serial port %v", path)
	}
	return NewSerial(port, timeout), nil
}

func NewSerial(port io.ReadWriteCloser, timeout time.Duration) *Serial {
	return &Serial{port: port, Timeout: timeout}
}

func (s *Serial) Write(b []byte) error {
	n, err := s.port.Write(b)
	if err != nil {
		return protocol(err)
	}
	if n != len(b) {
		return errors.Wrapf(ErrProtocol, "short write %d/%d", n, len(b))
	}
	return nil
}

// ReadFull reads exactly n bytes or fails with ErrTimeout once the deadline
// passes without them.
func (s *Serial) ReadFull(n int) ([]byte, error) {
	buf := make([]byte, n)
	deadline := time.Now().Add(s.Timeout)
	got := 0
	for got < n {
		if s.Timeout > 0 && time.Now().After(deadline) {
			return buf[:got], errors.Wrapf(ErrTimeout, "read %d/%d bytes", got, n)
		}
		c, err := s.port.Read(buf[got:])
		got += c
		if err == io.EOF {
			// the port reports silence as EOF
			if s.Timeout <= 0 {
				return buf[:got], errors.Wrapf(ErrTimeout, "read %d/%d bytes", got, n)
			}
			continue
		}
		if err != nil {
			return buf[:got], protocol(err)
		}
	}
	return buf, nil
}

// Drain discards anything already buffered by the port.
func (s *Serial) Drain() {
	scratch := make([]byte, 64)
	for i := 0; i < 16; i++ {
		c, err := s.port.Read(scratch)
		if c == 0 || err != nil {
			return
		}
	}
}

func (s *Serial) Close() error {
	return s.port.Close()
}
