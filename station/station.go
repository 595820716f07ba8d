package station

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gr-butler/fieldstation/data"
	"github.com/gr-butler/fieldstation/delivery"
	"github.com/gr-butler/fieldstation/schedule"
	"github.com/gr-butler/fieldstation/sensors"
	"github.com/pkg/errors"
	logger "github.com/sirupsen/logrus"
)

// FatalError ends the boot. The persisted schedule has been invalidated, so
// the next boot starts over as UNEXPECTED.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return "fatal: " + e.Err.Error()
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether err must restart the station.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// TimeAuthority is the clock as the orchestrator sees it.
type TimeAuthority interface {
	AdoptRTC() error
	Resume(nextSync time.Time)
	SyncDue() bool
	Synchronize(ctx context.Context) error
	Check() error
	NextSync() time.Time
	Now() time.Time
}

// SensorPass drives the sensors once per boot. Reset marks the start of a
// boot.
type SensorPass interface {
	Reset()
	Run(state schedule.WakeState, r *data.Reading) error
}

type Deliverer interface {
	Deliver(ctx context.Context, payload []byte) (delivery.Result, error)
	Announce(ctx context.Context, msgs []delivery.Message) error
}

type Backlog interface {
	Append(entry string) error
	Count() (int, error)
}

// Result is what one boot did.
type Result struct {
	Wake            schedule.WakeState
	Next            schedule.WakeState
	WakeAt          time.Time
	MeasurementTime time.Time
	Reading         *data.Reading
	SensorErrors    int
	Delivered       bool
	DeliveryError   delivery.Kind
	Backlogged      bool
	Dropped         bool
	Drained         int
}

// Station runs one measurement cycle per boot.
type Station struct {
	store     schedule.Store
	scheduler *schedule.Scheduler
	clock     TimeAuthority
	sensors   SensorPass
	delivery  Deliverer
	backlog   Backlog
	announce  []delivery.Message
	metrics   *Metrics
	log       *logger.Entry
}

func New(store schedule.Store, scheduler *schedule.Scheduler, clock TimeAuthority, sensors SensorPass, d Deliverer, backlog Backlog, metrics *Metrics) *Station {
	return &Station{
		store:     store,
		scheduler: scheduler,
		clock:     clock,
		sensors:   sensors,
		delivery:  d,
		backlog:   backlog,
		metrics:   metrics,
		log:       logger.WithField("subsystem", "station"),
	}
}

// SetAnnouncements sets the retained messages published on UNEXPECTED boots.
func (s *Station) SetAnnouncements(msgs []delivery.Message) {
	s.announce = msgs
}

// NetworkUp is the delivery hook that syncs time whenever the network is
// joined and a sync is due.
func (s *Station) NetworkUp(ctx context.Context) {
	if !s.clock.SyncDue() {
		return
	}
	if err := s.clock.Synchronize(ctx); err != nil {
		s.log.Warnf("Time sync failed [%v]", err)
	}
}

// RunOneCycle is one boot: decide the wake state, repair the clock, drive the
// sensors, deliver or backlog the reading and persist the next wake.
func (s *Station) RunOneCycle(ctx context.Context, cause schedule.ResetCause) (Result, error) {
	start := s.clock.Now()
	res, err := s.cycle(ctx, cause)
	if s.metrics != nil {
		took := s.clock.Now().Sub(start)
		if took < 0 {
			// the clock was set back by a sync
			took = 0
		}
		s.metrics.Observe(res, err, s.clock.Check() == nil, took, s.backlogDepth())
	}
	return res, err
}

func (s *Station) cycle(ctx context.Context, cause schedule.ResetCause) (Result, error) {
	var res Result
	s.sensors.Reset()

	st, valid, err := s.store.Load()
	if err != nil {
		return res, s.fatal(err)
	}
	wake := s.scheduler.OnBoot(cause, st, valid)
	res.Wake = wake
	s.log.Infof("Boot [%v] wake state [%v]", cause, wake)

	if wake == schedule.Unexpected {
		st = schedule.PersistedState{}
		if err := s.clock.AdoptRTC(); err != nil {
			s.log.Warnf("Battery clock not adopted [%v], waiting for network time", err)
		}
	} else {
		s.clock.Resume(st.NextRTCSync)
	}

	var reading *data.Reading
	if wake == schedule.TakeMeasurement {
		reading = data.NewReading(st.MeasurementTime)
		res.MeasurementTime = st.MeasurementTime
		res.Reading = reading
	}
	if err := s.sensors.Run(wake, reading); err != nil {
		res.SensorErrors = len(sensors.Errors(err))
		s.log.Warnf("Sensor pass had [%d] errors", res.SensorErrors)
	}

	switch wake {
	case schedule.TakeMeasurement:
		s.deliver(ctx, reading, &res)
	case schedule.Unexpected:
		if err := s.delivery.Announce(ctx, s.announce); err != nil {
			s.log.Warnf("Announce failed [%v]", err)
		}
	}

	if err := s.clock.Check(); err != nil {
		return res, s.fatal(err)
	}

	next, wakeAt := s.scheduler.Next(wake, s.clock.Now(), &st)
	st.NextRTCSync = s.clock.NextSync()
	if err := s.scheduler.Commit(s.store, st); err != nil {
		return res, s.fatal(err)
	}
	res.Next = next
	res.WakeAt = wakeAt
	if res.MeasurementTime.IsZero() {
		res.MeasurementTime = st.MeasurementTime
	}
	return res, nil
}

func (s *Station) deliver(ctx context.Context, reading *data.Reading, res *Result) {
	payload, err := json.Marshal(reading)
	if err != nil {
		s.log.Warnf("Reading for [%v] dropped, cannot serialise [%v]", reading.Timestamp.Format(time.RFC3339), err)
		res.Dropped = true
		return
	}
	dr, err := s.delivery.Deliver(ctx, payload)
	if err == nil {
		res.Delivered = true
		res.Drained = dr.Drained
		return
	}
	res.DeliveryError = delivery.KindOf(err)
	if err := s.backlog.Append(string(payload)); err != nil {
		s.log.Warnf("Reading for [%v] dropped, backlog unavailable [%v]", reading.Timestamp.Format(time.RFC3339), err)
		res.Dropped = true
		return
	}
	res.Backlogged = true
	s.log.Infof("Reading for [%v] saved to backlog", reading.Timestamp.Format(time.RFC3339))
}

func (s *Station) fatal(err error) error {
	s.log.Errorf("Fatal error, schedule restarts [%v]", err)
	if ierr := s.store.Invalidate(); ierr != nil {
		s.log.Errorf("Failed to invalidate persisted schedule [%v]", ierr)
	}
	return &FatalError{Err: err}
}

func (s *Station) backlogDepth() int {
	if s.backlog == nil {
		return 0
	}
	n, err := s.backlog.Count()
	if err != nil {
		s.log.Errorf("Failed to count backlog [%v]", err)
	}
	return n
}
