package sensors

import (
	"github.com/gr-butler/fieldstation/data"
)

const ClockTemperatureKey = "rtc_temperature_c"

type thermometer interface {
	Temperature() (float64, error)
}

// ClockTemperature reads the battery clock's die temperature, a rough
// enclosure temperature.
type ClockTemperature struct {
	Base
	t thermometer
}

func NewClockTemperature(t thermometer) *ClockTemperature {
	return &ClockTemperature{t: t}
}

func (c *ClockTemperature) Name() string {
	return "ds3231"
}

func (c *ClockTemperature) Setup() error {
	return nil
}

func (c *ClockTemperature) GetData(r *data.Reading) error {
	temp, err := c.t.Temperature()
	if err != nil {
		return err
	}
	r.SetFloat(ClockTemperatureKey, temp)
	return nil
}
