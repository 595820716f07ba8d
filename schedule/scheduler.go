package schedule

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	logger "github.com/sirupsen/logrus"
)

// Error is a failure to read or write the persisted schedule. It is fatal for
// the boot: without it the station would miss windows indefinitely.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return "schedule " + e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

type Config struct {
	Window          time.Duration
	SensorReadyLead time.Duration
	BootDelay       time.Duration
	// Commit retries before the boot is abandoned
	CommitAttempts int
	CommitBackoff  time.Duration
}

// Scheduler decides on every boot why the station woke and when it must wake
// next, keeping every measurement on a window boundary.
type Scheduler struct {
	cfg   Config
	clock clock.Clock
	log   *logger.Entry
}

func NewScheduler(cfg Config, clk clock.Clock) *Scheduler {
	if cfg.CommitAttempts < 1 {
		cfg.CommitAttempts = 1
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Scheduler{
		cfg:   cfg,
		clock: clk,
		log:   logger.WithField("subsystem", "schedule"),
	}
}

// OnBoot picks the wake state for this boot. Only a wake from low power with a
// valid record continues the schedule; anything else starts over.
func (s *Scheduler) OnBoot(cause ResetCause, st PersistedState, valid bool) WakeState {
	if cause != ResetDeepSleep {
		s.log.Infof("Boot after [%v], schedule restarts", cause)
		return Unexpected
	}
	if !valid {
		s.log.Warn("Woke from low power but the persisted schedule is not valid")
		return Unexpected
	}
	if !st.Wake.valid() {
		s.log.Warnf("Persisted wake state [%v] is not known", st.Wake)
		return Unexpected
	}
	if st.Wake != Unexpected && !Aligned(st.MeasurementTime, s.cfg.Window) {
		s.log.Warnf("Persisted measurement time [%v] is not on a window boundary", st.MeasurementTime)
		return Unexpected
	}
	return st.Wake
}

// InferCause stands in for a host that cannot report why it booted. A valid
// record whose wake time has come, within one window of its measurement, is
// taken as a wake from low power. The record lives in memory lost on power
// loss, so anything else is reported as unknown.
func (s *Scheduler) InferCause(st PersistedState, valid bool, now time.Time) ResetCause {
	if !valid {
		return ResetUnknown
	}
	var wake time.Time
	switch st.Wake {
	case ReadySensors:
		wake = st.MeasurementTime.Add(-s.lead())
	case TakeMeasurement:
		wake = st.MeasurementTime.Add(-s.cfg.BootDelay)
	default:
		return ResetUnknown
	}
	if now.Before(wake) || !now.Before(st.MeasurementTime.Add(s.cfg.Window)) {
		s.log.Infof("Schedule record [%v] does not match a wake at [%v]", st, now.Format(time.RFC3339))
		return ResetUnknown
	}
	return ResetDeepSleep
}

// lead is the time needed between waking for READY_SENSORS and the measurement.
func (s *Scheduler) lead() time.Duration {
	return s.cfg.SensorReadyLead + s.cfg.BootDelay
}

// nextMeasurement returns the next window boundary after now that still
// leaves time to ready the sensors.
func (s *Scheduler) nextMeasurement(now time.Time) time.Time {
	m := NextBoundary(now, s.cfg.Window)
	if m.Sub(now) < s.lead() {
		s.log.Infof("Too close to [%v] to ready sensors, skipping a window", m.Format(time.RFC3339))
		m = m.Add(s.cfg.Window)
	}
	return m
}

// Next computes the state for the following boot and the time to leave low
// power. st is updated in place.
func (s *Scheduler) Next(current WakeState, now time.Time, st *PersistedState) (WakeState, time.Time) {
	var next WakeState
	var wake time.Time

	switch current {
	case ReadySensors:
		next = TakeMeasurement
		wake = st.MeasurementTime.Add(-s.cfg.BootDelay)
	case Unexpected, TakeMeasurement:
		next = ReadySensors
		st.MeasurementTime = s.nextMeasurement(now)
		wake = st.MeasurementTime.Add(-s.lead())
	default:
		s.log.Errorf("Unknown wake state [%v], treating as unexpected", current)
		return s.Next(Unexpected, now, st)
	}

	st.Wake = next
	s.log.Infof("Next wake [%v] at [%v] for measurement [%v]",
		next, wake.Format(time.RFC3339), st.MeasurementTime.Format(time.RFC3339))
	return next, wake
}

// Commit writes the state, retrying with backoff. Failure must keep the
// station out of low power.
func (s *Scheduler) Commit(store Store, st PersistedState) error {
	var err error
	for attempt := 1; attempt <= s.cfg.CommitAttempts; attempt++ {
		if err = store.Save(st); err == nil {
			return nil
		}
		s.log.Errorf("Failed to persist schedule (attempt %d/%d) [%v]", attempt, s.cfg.CommitAttempts, err)
		if attempt < s.cfg.CommitAttempts {
			s.clock.Sleep(s.cfg.CommitBackoff * time.Duration(attempt))
		}
	}
	return &Error{Op: "commit", Err: errors.Wrap(err, "retries exhausted")}
}
