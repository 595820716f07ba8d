package bus

import (
	"time"

	"github.com/pkg/errors"
	"periph.io/x/conn/v3/i2c"
)

var (
	// ErrTimeout means the device did not complete the transaction in time.
	ErrTimeout = errors.New("bus transaction timed out")
	// ErrProtocol means the transaction completed but failed (NAK, bad length).
	ErrProtocol = errors.New("bus protocol error")
)

// Registers reads and writes device registers over an I²C bus, bounding every
// transaction with a timeout.
type Registers struct {
	Bus     i2c.Bus
	Timeout time.Duration
}

func NewRegisters(b i2c.Bus, timeout time.Duration) *Registers {
	return &Registers{Bus: b, Timeout: timeout}
}

// ReadReg reads n bytes starting at reg.
func (r *Registers) ReadReg(addr uint16, reg byte, n int) ([]byte, error) {
	if n <= 0 {
		return nil, errors.Wrapf(ErrProtocol, "read of %d bytes", n)
	}
	out := make([]byte, n)
	if err := r.tx(addr, []byte{reg}, out); err != nil {
		return nil, errors.Wrapf(err, "read 0x%02x reg 0x%02x", addr, reg)
	}
	return out, nil
}

// WriteReg writes data starting at reg.
func (r *Registers) WriteReg(addr uint16, reg byte, data []byte) error {
	w := make([]byte, 0, len(data)+1)
	w = append(w, reg)
	w = append(w, data...)
	if err := r.tx(addr, w, nil); err != nil {
		return errors.Wrapf(err, "write 0x%02x reg 0x%02x", addr, reg)
	}
	return nil
}

func (r *Registers) tx(addr uint16, w, rd []byte) error {
	if r.Bus == nil {
		return errors.Wrap(ErrProtocol, "no bus")
	}
	if r.Timeout <= 0 {
		if err := r.Bus.Tx(addr, w, rd); err != nil {
			return protocol(err)
		}
		return nil
	}

	// the caller's buffer is only filled if the transaction finishes in time
	scratch := make([]byte, len(rd))
	done := make(chan error, 1)
	go func() {
		done <- r.Bus.Tx(addr, w, scratch)
	}()
	timer := time.NewTimer(r.Timeout)
	defer timer.Stop()
	select {
	case err := <-done:
		if err != nil {
			return protocol(err)
		}
		copy(rd, scratch)
		return nil
	case <-timer.C:
		return ErrTimeout
	}
}

func protocol(err error) error {
	return errors.Wrapf(ErrProtocol, "%v", err)
}

// IsTimeout reports whether err came from a transaction timing out.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}
