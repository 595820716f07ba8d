package rtc

import (
	"context"
	"time"

	"github.com/pkg/errors"
	logger "github.com/sirupsen/logrus"
)

// ErrUntrusted means neither the battery-backed clock nor the network could
// vouch for the system time.
var ErrUntrusted = errors.New("system time is not trusted")

// BatteryClock is the battery-backed clock peripheral.
type BatteryClock interface {
	Time() (time.Time, error)
	SetTime(time.Time) error
	LostPower() (bool, error)
}

// NetworkTime returns the current time from the network.
type NetworkTime interface {
	Query(ctx context.Context) (time.Time, error)
}

type Config struct {
	SyncTimeout    time.Duration
	ResyncInterval time.Duration
}

// Authority decides when system time may be trusted.
type Authority struct {
	cfg      Config
	battery  BatteryClock
	network  NetworkTime
	system   SystemClock
	trusted  bool
	nextSync time.Time
	log      *logger.Entry
}

func NewAuthority(cfg Config, battery BatteryClock, network NetworkTime, system SystemClock) *Authority {
	return &Authority{
		cfg:     cfg,
		battery: battery,
		network: network,
		system:  system,
		log:     logger.WithField("subsystem", "rtc"),
	}
}

// AdoptRTC trusts the battery-backed clock provisionally if it kept power.
func (a *Authority) AdoptRTC() error {
	if a.battery == nil {
		return errors.New("no battery clock")
	}
	lost, err := a.battery.LostPower()
	if err != nil {
		a.log.Errorf("Failed to read clock power flag [%v]", err)
		return err
	}
	if lost {
		a.log.Warn("Battery clock lost power, its time is not usable")
		return errors.New("battery clock lost power")
	}
	t, err := a.battery.Time()
	if err != nil {
		a.log.Errorf("Failed to read battery clock [%v]", err)
		return err
	}
	if err := a.system.Set(t); err != nil {
		a.log.Errorf("Failed to set system time from battery clock [%v]", err)
		return err
	}
	a.trusted = true
	a.log.Infof("System time set from battery clock [%v]", t.Format(time.RFC3339))
	return nil
}

// Resume continues from a wake out of low power, where system time was kept.
func (a *Authority) Resume(nextSync time.Time) {
	a.trusted = true
	a.nextSync = nextSync
}

// SyncDue reports whether a network sync should be attempted this boot.
func (a *Authority) SyncDue() bool {
	return !a.trusted || a.nextSync.IsZero() || !a.system.Now().Before(a.nextSync)
}

// Synchronize sets system time and the battery clock from the network. It
// gives up after the sync timeout.
func (a *Authority) Synchronize(ctx context.Context) error {
	if a.network == nil {
		return errors.New("no network time source")
	}
	if a.cfg.SyncTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.SyncTimeout)
		defer cancel()
	}
	t, err := a.network.Query(ctx)
	if err != nil {
		a.log.Warnf("Network time sync failed [%v]", err)
		return err
	}
	if err := a.system.Set(t); err != nil {
		a.log.Errorf("Failed to set system time [%v]", err)
		return err
	}
	a.trusted = true
	if a.battery != nil {
		if err := a.battery.SetTime(t); err != nil {
			a.log.Errorf("Failed to write battery clock [%v]", err)
		}
	}
	if next := t.Add(a.cfg.ResyncInterval); next.After(a.nextSync) {
		a.nextSync = next
	}
	a.log.Infof("Time synchronised [%v], next sync after [%v]", t.Format(time.RFC3339), a.nextSync.Format(time.RFC3339))
	return nil
}

func (a *Authority) Trusted() bool {
	return a.trusted
}

// Check returns ErrUntrusted unless the time has been vouched for.
func (a *Authority) Check() error {
	if !a.trusted {
		return ErrUntrusted
	}
	return nil
}

func (a *Authority) NextSync() time.Time {
	return a.nextSync
}

func (a *Authority) Now() time.Time {
	return a.system.Now()
}
