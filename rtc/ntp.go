package rtc

import (
	"context"
	"time"

	"github.com/beevik/ntp"
	"github.com/pkg/errors"
)

// NTP queries a network time server. The query is abandoned when ctx ends.
type NTP struct {
	Server string
}

type ntpResult struct {
	t   time.Time
	err error
}

func (n *NTP) Query(ctx context.Context) (time.Time, error) {
	opts := ntp.QueryOptions{}
	if deadline, ok := ctx.Deadline(); ok {
		opts.Timeout = time.Until(deadline)
	}
	done := make(chan ntpResult, 1)
	go func() {
		resp, err := ntp.QueryWithOptions(n.Server, opts)
		if err == nil {
			err = resp.Validate()
		}
		if err != nil {
			done <- ntpResult{err: err}
			return
		}
		done <- ntpResult{t: time.Now().Add(resp.ClockOffset)}
	}()
	select {
	case r := <-done:
		if r.err != nil {
			return time.Time{}, errors.Wrapf(r.err, "ntp query [%v]", n.Server)
		}
		return r.t.UTC(), nil
	case <-ctx.Done():
		return time.Time{}, errors.Wrapf(ctx.Err(), "ntp query [%v]", n.Server)
	}
}
