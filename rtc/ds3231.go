package rtc

import (
	"time"

	"github.com/gr-butler/fieldstation/bus"
	"github.com/pkg/errors"
)

const (
	regSeconds     = 0x00
	regStatus      = 0x0F
	regTemperature = 0x11

	statusOSF = 0x80 // oscillator stopped, time is not valid
)

// DS3231 is the battery-backed clock. It keeps UTC in 24-hour mode.
type DS3231 struct {
	regs *bus.Registers
	addr uint16
}

func NewDS3231(regs *bus.Registers, addr uint16) *DS3231 {
	return &DS3231{regs: regs, addr: addr}
}

// LostPower reports whether the oscillator stopped since the time was last set.
func (d *DS3231) LostPower() (bool, error) {
	b, err := d.regs.ReadReg(d.addr, regStatus, 1)
	if err != nil {
		return true, errors.Wrap(err, "ds3231 status")
	}
	return b[0]&statusOSF != 0, nil
}

func (d *DS3231) Time() (time.Time, error) {
	b, err := d.regs.ReadReg(d.addr, regSeconds, 7)
	if err != nil {
		return time.Time{}, errors.Wrap(err, "ds3231 time")
	}
	sec := fromBCD(b[0] & 0x7f)
	minute := fromBCD(b[1] & 0x7f)
	var hour int
	if b[2]&0x40 != 0 {
		// 12 hour mode, bit 5 is PM
		hour = fromBCD(b[2]&0x1f) % 12
		if b[2]&0x20 != 0 {
			hour += 12
		}
	} else {
		hour = fromBCD(b[2] & 0x3f)
	}
	day := fromBCD(b[4] & 0x3f)
	month := fromBCD(b[5] & 0x1f)
	year := 2000 + fromBCD(b[6])
	if b[5]&0x80 != 0 {
		year += 100
	}
	if sec > 59 || minute > 59 || hour > 23 || day < 1 || day > 31 || month < 1 || month > 12 {
		return time.Time{}, errors.Errorf("ds3231 returned an invalid time % x", b)
	}
	return time.Date(year, time.Month(month), day, hour, minute, sec, 0, time.UTC), nil
}

// SetTime writes t and clears the oscillator stop flag.
func (d *DS3231) SetTime(t time.Time) error {
	t = t.UTC()
	if t.Year() < 2000 || t.Year() > 2199 {
		return errors.Errorf("ds3231 cannot hold year %d", t.Year())
	}
	century := byte(0)
	yy := t.Year() - 2000
	if yy >= 100 {
		century = 0x80
		yy -= 100
	}
	b := []byte{
		toBCD(t.Second()),
		toBCD(t.Minute()),
		toBCD(t.Hour()),
		byte(t.Weekday()) + 1,
		toBCD(t.Day()),
		toBCD(int(t.Month())) | century,
		toBCD(yy),
	}
	if err := d.regs.WriteReg(d.addr, regSeconds, b); err != nil {
		return errors.Wrap(err, "ds3231 set time")
	}
	status, err := d.regs.ReadReg(d.addr, regStatus, 1)
	if err != nil {
		return errors.Wrap(err, "ds3231 status")
	}
	if err := d.regs.WriteReg(d.addr, regStatus, []byte{status[0] &^ statusOSF}); err != nil {
		return errors.Wrap(err, "ds3231 clear oscillator flag")
	}
	return nil
}

// Temperature is the die temperature in °C, 0.25° resolution.
func (d *DS3231) Temperature() (float64, error) {
	b, err := d.regs.ReadReg(d.addr, regTemperature, 2)
	if err != nil {
		return 0, errors.Wrap(err, "ds3231 temperature")
	}
	raw := int16(uint16(b[0])<<8|uint16(b[1])) >> 6
	return float64(raw) * 0.25, nil
}

func fromBCD(b byte) int {
	return int(b>>4)*10 + int(b&0x0f)
}

func toBCD(v int) byte {
	return byte(v/10)<<4 | byte(v%10)
}
