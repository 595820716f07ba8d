package sensors

import (
	"math"

	"github.com/gr-butler/fieldstation/bus"
	"github.com/gr-butler/fieldstation/data"
	"github.com/pkg/errors"
)

const (
	BatteryVoltsKey   = "battery_v"
	BatteryPercentKey = "battery_pct"

	max17043VCell   = 0x02
	max17043SOC     = 0x04
	max17043Mode    = 0x06
	max17043Config  = 0x0C
	max17043Command = 0xFE

	max17043SleepBit = 0x80
)

// FuelGauge is the MAX17043 battery monitor.
type FuelGauge struct {
	regs *bus.Registers
	addr uint16
}

func NewFuelGauge(regs *bus.Registers, addr uint16) *FuelGauge {
	return &FuelGauge{regs: regs, addr: addr}
}

func (f *FuelGauge) Name() string {
	return "max17043"
}

// Setup issues a power-on reset and a quick start so the state of charge is
// estimated from scratch.
func (f *FuelGauge) Setup() error {
	if err := f.regs.WriteReg(f.addr, max17043Command, []byte{0x54, 0x00}); err != nil {
		return errors.Wrap(err, "max17043 reset")
	}
	if err := f.regs.WriteReg(f.addr, max17043Mode, []byte{0x40, 0x00}); err != nil {
		return errors.Wrap(err, "max17043 quick start")
	}
	return nil
}

func (f *FuelGauge) Wakeup() error {
	return f.setSleep(false)
}

func (f *FuelGauge) Sleep() error {
	return f.setSleep(true)
}

func (f *FuelGauge) setSleep(sleep bool) error {
	cfg, err := f.regs.ReadReg(f.addr, max17043Config, 2)
	if err != nil {
		return errors.Wrap(err, "max17043 config")
	}
	lo := cfg[1] &^ max17043SleepBit
	if sleep {
		lo |= max17043SleepBit
	}
	if err := f.regs.WriteReg(f.addr, max17043Config, []byte{cfg[0], lo}); err != nil {
		return errors.Wrap(err, "max17043 config")
	}
	return nil
}

func (f *FuelGauge) GetData(r *data.Reading) error {
	vcell, err := f.regs.ReadReg(f.addr, max17043VCell, 2)
	if err != nil {
		return errors.Wrap(err, "max17043 vcell")
	}
	soc, err := f.regs.ReadReg(f.addr, max17043SOC, 2)
	if err != nil {
		return errors.Wrap(err, "max17043 soc")
	}
	// 1.25mV per count in the top 12 bits
	raw := (uint16(vcell[0])<<8 | uint16(vcell[1])) >> 4
	volts := float64(raw) * 1.25 / 1000
	pct := math.Min(float64(soc[0])+float64(soc[1])/256, 100)

	r.SetFloat(BatteryVoltsKey, round(volts, 3))
	r.SetFloat(BatteryPercentKey, round(pct, 1))
	return nil
}

func (f *FuelGauge) Discovery() []Discovery {
	return []Discovery{
		{Component: "sensor", ObjectID: "battery", Config: DiscoveryConfig{
			Name: "Battery", DeviceClass: "battery", Unit: "%", ValueTemplate: "{{ value_json." + BatteryPercentKey + " | round(0) }}", ForceUpdate: true}},
		{Component: "sensor", ObjectID: "battery_voltage", Config: DiscoveryConfig{
			Name: "Battery Voltage", DeviceClass: "voltage", Unit: "V", ValueTemplate: valueTemplate(BatteryVoltsKey), ForceUpdate: true}},
	}
}
