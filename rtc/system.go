package rtc

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// SystemClock is the volatile system time, which the authority may set.
type SystemClock interface {
	clock.Clock
	Set(time.Time) error
}

// HostClock sets the kernel clock. Needs CAP_SYS_TIME.
type HostClock struct {
	clock.Clock
}

func NewHostClock() *HostClock {
	return &HostClock{Clock: clock.New()}
}

func (h *HostClock) Set(t time.Time) error {
	tv := unix.NsecToTimeval(t.UnixNano())
	if err := unix.Settimeofday(&tv); err != nil {
		return errors.Wrap(err, "settimeofday")
	}
	return nil
}

// MockClock is a SystemClock over a mock, for tests and dry runs.
type MockClock struct {
	*clock.Mock
}

func NewMockClock(t time.Time) *MockClock {
	m := clock.NewMock()
	m.Set(t)
	return &MockClock{Mock: m}
}

func (m *MockClock) Set(t time.Time) error {
	m.Mock.Set(t)
	return nil
}
