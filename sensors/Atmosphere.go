package sensors

import (
	"math"

	"github.com/gr-butler/fieldstation/data"
	"github.com/pkg/errors"
	logger "github.com/sirupsen/logrus"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/devices/v3/bmxx80"
)

const (
	TemperatureKey = "temperature_c"
	PressureKey    = "pressure_hpa"
	HumidityKey    = "humidity_rh"
)

type envSensor interface {
	Sense(e *physic.Env) error
	Halt() error
}

// EnvOpener opens the BME280. Replaced in tests.
type EnvOpener func(bus i2c.Bus, addr uint16) (envSensor, error)

func openBME280(bus i2c.Bus, addr uint16) (envSensor, error) {
	// forced mode, one sample per Sense, the chip sleeps in between
	return bmxx80.NewI2C(bus, addr, &bmxx80.DefaultOpts)
}

// Atmosphere is the BME280 temperature, pressure and humidity sensor.
type Atmosphere struct {
	Base
	bus  i2c.Bus
	addr uint16
	open EnvOpener
	dev  envSensor
}

func NewAtmosphere(bus i2c.Bus, addr uint16) *Atmosphere {
	return &Atmosphere{bus: bus, addr: addr, open: openBME280}
}

func (a *Atmosphere) Name() string {
	return "bme280"
}

func (a *Atmosphere) device() (envSensor, error) {
	if a.dev != nil {
		return a.dev, nil
	}
	logger.Infof("Starting BME280 reader [%x]", a.addr)
	dev, err := a.open(a.bus, a.addr)
	if err != nil {
		return nil, errors.Wrap(err, "failed to initialize bme280")
	}
	a.dev = dev
	return dev, nil
}

// Setup opens the device, which soft resets it and loads the calibration.
func (a *Atmosphere) Setup() error {
	a.dev = nil
	_, err := a.device()
	return err
}

func (a *Atmosphere) GetData(r *data.Reading) error {
	dev, err := a.device()
	if err != nil {
		return err
	}
	em := physic.Env{}
	if err := dev.Sense(&em); err != nil {
		return errors.Wrap(err, "bme280 read failed")
	}
	r.SetFloat(TemperatureKey, round(em.Temperature.Celsius(), 2))
	r.SetFloat(PressureKey, round(float64(em.Pressure)/float64(100*physic.Pascal), 2))
	r.SetFloat(HumidityKey, round(float64(em.Humidity)/float64(physic.PercentRH), 1))
	return nil
}

func (a *Atmosphere) Sleep() error {
	if a.dev == nil {
		return nil
	}
	return a.dev.Halt()
}

func (a *Atmosphere) Discovery() []Discovery {
	return []Discovery{
		{Component: "sensor", ObjectID: "temperature", Config: DiscoveryConfig{
			Name: "Temperature", DeviceClass: "temperature", Unit: "°C", ValueTemplate: valueTemplate(TemperatureKey), ForceUpdate: true}},
		{Component: "sensor", ObjectID: "pressure", Config: DiscoveryConfig{
			Name: "Pressure", DeviceClass: "pressure", Unit: "hPa", ValueTemplate: valueTemplate(PressureKey), ForceUpdate: true}},
		{Component: "sensor", ObjectID: "humidity", Config: DiscoveryConfig{
			Name: "Humidity", DeviceClass: "humidity", Unit: "%", ValueTemplate: valueTemplate(HumidityKey), ForceUpdate: true}},
	}
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
