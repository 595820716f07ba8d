package led

import (
	"sync"
	"time"

	logger "github.com/sirupsen/logrus"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
)

// LED is the station status LED. A nil pin makes every call a no-op so a
// missing LED never stops a cycle.
type LED struct {
	Name    string
	lock    sync.Mutex
	on      bool
	gpioPin gpio.PinIO
	flash   time.Duration
}

func NewLED(name string, pin gpio.PinIO, flash time.Duration) *LED {
	return &LED{Name: name, gpioPin: pin, flash: flash}
}

// ByName looks the pin up in the host GPIO registry.
func ByName(name string, pinName string, flash time.Duration) *LED {
	logger.Infof("Creating new LED on pin [%v] called [%v]", pinName, name)
	pin := gpioreg.ByName(pinName)
	if pin == nil {
		logger.Errorf("Failed to find %v pin", pinName)
		return NewLED(name, nil, flash)
	}
	return NewLED(name, pin, flash)
}

func (l *LED) On() {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.on = true
	if l.gpioPin != nil {
		_ = l.gpioPin.Out(gpio.High)
	}
}

func (l *LED) Off() {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.on = false
	if l.gpioPin != nil {
		_ = l.gpioPin.Out(gpio.Low)
	}
}

// Flash inverts the LED briefly. A flash already in progress swallows the
// request.
func (l *LED) Flash() {
	if l.gpioPin == nil {
		return
	}
	if !l.lock.TryLock() {
		return
	}
	defer l.lock.Unlock()
	if !l.on {
		_ = l.gpioPin.Out(gpio.High)
		time.Sleep(l.flash)
		_ = l.gpioPin.Out(gpio.Low)
	} else {
		_ = l.gpioPin.Out(gpio.Low)
		time.Sleep(l.flash)
		_ = l.gpioPin.Out(gpio.High)
	}
}

// Flicker pulses the LED, used to signal the wake state at boot.
func (l *LED) Flicker(pulses int) {
	if l.gpioPin == nil {
		return
	}
	l.lock.Lock()
	defer l.lock.Unlock()
	if pulses < 1 || pulses > 100 {
		return
	}
	for i := 0; i < pulses; i++ {
		_ = l.gpioPin.Out(gpio.High)
		time.Sleep(l.flash)
		_ = l.gpioPin.Out(gpio.Low)
		time.Sleep(l.flash)
	}
	if l.on {
		_ = l.gpioPin.Out(gpio.High)
	}
}

func (l *LED) IsOn() bool {
	l.lock.Lock()
	defer l.lock.Unlock()
	return l.on
}
