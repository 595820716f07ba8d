package station

import (
	"context"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	logger "github.com/sirupsen/logrus"
)

// Sleeper enters low power until wake.
type Sleeper interface {
	SleepUntil(ctx context.Context, wake time.Time) error
}

type runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// RTCWake suspends the host with rtcwake, which arms the RTC alarm and
// returns once the host has resumed.
type RTCWake struct {
	Mode  string
	Clock clock.Clock
	run   runner
}

func NewRTCWake(clk clock.Clock) *RTCWake {
	return &RTCWake{Mode: "mem", Clock: clk, run: execRunner}
}

func (r *RTCWake) SleepUntil(ctx context.Context, wake time.Time) error {
	secs := int64(wake.Sub(r.Clock.Now()) / time.Second)
	if secs < 2 {
		// too close to suspend, the alarm could fire before we are down
		return Loop{Clock: r.Clock}.SleepUntil(ctx, wake)
	}
	logger.WithField("subsystem", "station").Infof("Suspending for [%ds] until [%v]", secs, wake.Format(time.RFC3339))
	out, err := r.run(ctx, "rtcwake", "-m", r.Mode, "-s", strconv.FormatInt(secs, 10))
	if err != nil {
		return errors.Wrapf(err, "rtcwake: %v", strings.TrimSpace(string(out)))
	}
	return nil
}

// Loop waits in process, for development without suspend.
type Loop struct {
	Clock clock.Clock
}

func (l Loop) SleepUntil(ctx context.Context, wake time.Time) error {
	d := wake.Sub(l.Clock.Now())
	if d <= 0 {
		return nil
	}
	t := l.Clock.Timer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
