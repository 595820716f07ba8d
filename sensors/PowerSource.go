package sensors

import (
	"github.com/gr-butler/fieldstation/data"
	"github.com/pkg/errors"
	"periph.io/x/conn/v3/gpio"
)

const USBPowerKey = "usb_power"

type indicator interface {
	On()
	Off()
}

// PowerSource reports whether the station runs from USB or battery. The
// status LED is lit while on battery.
type PowerSource struct {
	Base
	pin gpio.PinIO
	led indicator
}

func NewPowerSource(pin gpio.PinIO, led indicator) *PowerSource {
	return &PowerSource{pin: pin, led: led}
}

func (p *PowerSource) Name() string {
	return "power"
}

func (p *PowerSource) Setup() error {
	if p.pin == nil {
		return errors.New("no power detect pin")
	}
	if err := p.pin.In(gpio.PullDown, gpio.NoEdge); err != nil {
		return errors.Wrapf(err, "configure [%v]", p.pin)
	}
	return nil
}

func (p *PowerSource) GetData(r *data.Reading) error {
	if p.pin == nil {
		return errors.New("no power detect pin")
	}
	usb := p.pin.Read() == gpio.High
	r.SetBool(USBPowerKey, usb)
	if p.led != nil {
		if usb {
			p.led.Off()
		} else {
			p.led.On()
		}
	}
	return nil
}

func (p *PowerSource) Discovery() []Discovery {
	return []Discovery{
		{Component: "binary_sensor", ObjectID: "usb_power", Config: DiscoveryConfig{
			Name: "USB Power", DeviceClass: "power", ValueTemplate: "{{ 'ON' if value_json." + USBPowerKey + " else 'OFF' }}", ForceUpdate: true}},
	}
}
