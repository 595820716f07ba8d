package sensors

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gr-butler/fieldstation/data"
	"github.com/gr-butler/fieldstation/schedule"
	"github.com/pkg/errors"
	logger "github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

// ErrAlreadyRan is returned when the coordinator is asked for a second pass
// in the same boot.
var ErrAlreadyRan = errors.New("sensors already driven this boot")

// Coordinator drives the sensor array through the calls for one wake state.
// A failing sensor is logged and skipped; the combined error lists every
// failure.
type Coordinator struct {
	sensors []Sensor
	clock   clock.Clock
	poll    time.Duration
	maxWait time.Duration
	ran     bool
	log     *logger.Entry
}

// NewCoordinator takes the fixed sensor set. The measurement wait polls every
// poll and never lasts longer than maxWait.
func NewCoordinator(sensors []Sensor, clk clock.Clock, poll, maxWait time.Duration) *Coordinator {
	if clk == nil {
		clk = clock.New()
	}
	if poll <= 0 {
		poll = 50 * time.Millisecond
	}
	return &Coordinator{
		sensors: sensors,
		clock:   clk,
		poll:    poll,
		maxWait: maxWait,
		log:     logger.WithField("subsystem", "sensors"),
	}
}

func (c *Coordinator) Sensors() []Sensor {
	return c.sensors
}

// Reset starts a new boot, allowing the next pass. A process that runs
// several cycles calls it once per cycle.
func (c *Coordinator) Reset() {
	c.ran = false
}

func (c *Coordinator) begin() error {
	if c.ran {
		return ErrAlreadyRan
	}
	c.ran = true
	return nil
}

// Run performs the pass for state. The reading is only used for
// TakeMeasurement.
func (c *Coordinator) Run(state schedule.WakeState, r *data.Reading) error {
	switch state {
	case schedule.Unexpected:
		return c.Setup()
	case schedule.ReadySensors:
		return c.Ready()
	case schedule.TakeMeasurement:
		return c.Measure(r)
	default:
		return errors.Errorf("no sensor pass for wake state %v", state)
	}
}

// Setup puts every sensor in its known configuration, then to sleep.
func (c *Coordinator) Setup() error {
	if err := c.begin(); err != nil {
		return err
	}
	var errs error
	for _, s := range c.sensors {
		errs = multierr.Append(errs, c.call(s, "setup", s.Setup))
	}
	errs = multierr.Append(errs, c.sleepAll())
	return errs
}

// Ready wakes every sensor ahead of the measurement.
func (c *Coordinator) Ready() error {
	if err := c.begin(); err != nil {
		return err
	}
	var errs error
	for _, s := range c.sensors {
		errs = multierr.Append(errs, c.call(s, "wakeup", s.Wakeup))
	}
	return errs
}

// Measure waits for the reading's timestamp, collects from every sensor and
// puts them all back to sleep before returning.
func (c *Coordinator) Measure(r *data.Reading) error {
	if err := c.begin(); err != nil {
		return err
	}
	if r == nil {
		return errors.New("no reading to fill")
	}
	c.waitUntil(r.Timestamp)

	var errs error
	for _, s := range c.sensors {
		s := s
		// each sensor fills its own reading so bad values stay with it
		part := data.NewReading(r.Timestamp)
		errs = multierr.Append(errs, c.call(s, "get_data", func() error { return s.GetData(part) }))
		if bad := part.DropNonFinite(); len(bad) > 0 {
			errs = multierr.Append(errs, c.call(s, "get_data", func() error {
				return errors.Errorf("non-finite values for %v", bad)
			}))
		}
		r.Merge(part)
	}
	errs = multierr.Append(errs, c.sleepAll())
	c.log.Infof("Reading for [%v] has [%d] fields", r.Timestamp.Format(time.RFC3339), r.Len())
	return errs
}

func (c *Coordinator) sleepAll() error {
	var errs error
	for _, s := range c.sensors {
		errs = multierr.Append(errs, c.call(s, "sleep", s.Sleep))
	}
	return errs
}

func (c *Coordinator) call(s Sensor, name string, fn func() error) error {
	if err := fn(); err != nil {
		c.log.Errorf("Sensor [%v] %v failed [%v]", s.Name(), name, err)
		return &Error{Sensor: s.Name(), Call: name, Err: err}
	}
	return nil
}

// waitUntil polls until the deadline in short sleeps, bounded by maxWait.
func (c *Coordinator) waitUntil(deadline time.Time) {
	start := c.clock.Now()
	if c.maxWait > 0 && deadline.Sub(start) > c.maxWait {
		c.log.Warnf("Measurement time [%v] is further away than [%v], waiting only that long", deadline.Format(time.RFC3339), c.maxWait)
		deadline = start.Add(c.maxWait)
	}
	for now := start; now.Before(deadline); now = c.clock.Now() {
		step := deadline.Sub(now)
		if step > c.poll {
			step = c.poll
		}
		c.clock.Sleep(step)
	}
}

// Errors splits a combined coordinator error into per-sensor errors.
func Errors(err error) []error {
	return multierr.Errors(err)
}
