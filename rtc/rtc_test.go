package rtc

import (
	"context"
	"testing"
	"time"

	"github.com/gr-butler/fieldstation/bus"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/i2c/i2ctest"
)

const addr = 0x68

func playback(ops ...i2ctest.IO) (*i2ctest.Playback, *DS3231) {
	pb := &i2ctest.Playback{Ops: ops, DontPanic: true}
	return pb, NewDS3231(bus.NewRegisters(pb, 100*time.Millisecond), addr)
}

func TestDS3231_Time(t *testing.T) {
	pb, d := playback(
		i2ctest.IO{Addr: addr, W: []byte{regSeconds}, R: []byte{0x30, 0x59, 0x23, 0x07, 0x31, 0x12, 0x26}},
		i2ctest.IO{Addr: addr, W: []byte{regSeconds}, R: []byte{0x00, 0x15, 0x71, 0x01, 0x01, 0x01, 0x25}},
	)
	got, err := d.Time()
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 12, 31, 23, 59, 30, 0, time.UTC), got)

	// 12 hour mode, 11 PM
	got, err = d.Time()
	require.NoError(t, err)
	assert.Equal(t, 23, got.Hour())
	require.NoError(t, pb.Close())
}

func TestDS3231_SetTimeClearsFlag(t *testing.T) {
	when := time.Date(2026, 10, 17, 9, 5, 0, 0, time.UTC) // a Saturday
	pb, d := playback(
		i2ctest.IO{Addr: addr, W: []byte{regSeconds, 0x00, 0x05, 0x09, 0x07, 0x17, 0x10, 0x26}},
		i2ctest.IO{Addr: addr, W: []byte{regStatus}, R: []byte{0x88}},
		i2ctest.IO{Addr: addr, W: []byte{regStatus, 0x08}},
	)
	require.NoError(t, d.SetTime(when))
	require.NoError(t, pb.Close())
}

func TestDS3231_LostPowerAndTemperature(t *testing.T) {
	pb, d := playback(
		i2ctest.IO{Addr: addr, W: []byte{regStatus}, R: []byte{0x80}},
		i2ctest.IO{Addr: addr, W: []byte{regStatus}, R: []byte{0x08}},
		i2ctest.IO{Addr: addr, W: []byte{regTemperature}, R: []byte{0x19, 0x40}},
		i2ctest.IO{Addr: addr, W: []byte{regTemperature}, R: []byte{0xff, 0xc0}},
	)
	lost, err := d.LostPower()
	require.NoError(t, err)
	assert.True(t, lost)
	lost, err = d.LostPower()
	require.NoError(t, err)
	assert.False(t, lost)

	temp, err := d.Temperature()
	require.NoError(t, err)
	assert.Equal(t, 25.25, temp)
	temp, err = d.Temperature()
	require.NoError(t, err)
	assert.Equal(t, -0.25, temp)
	require.NoError(t, pb.Close())
}

func TestDS3231_BusFailureMeansLostPower(t *testing.T) {
	_, d := playback()
	lost, err := d.LostPower()
	assert.Error(t, err)
	assert.True(t, lost)
}

type fakeBattery struct {
	lost    bool
	now     time.Time
	err     error
	written []time.Time
}

func (f *fakeBattery) Time() (time.Time, error) { return f.now, f.err }
func (f *fakeBattery) LostPower() (bool, error) { return f.lost, f.err }

func (f *fakeBattery) SetTime(t time.Time) error {
	f.written = append(f.written, t)
	return nil
}

type fakeNetwork struct {
	t     time.Time
	err   error
	block bool
}

func (f *fakeNetwork) Query(ctx context.Context) (time.Time, error) {
	if f.block {
		<-ctx.Done()
		return time.Time{}, ctx.Err()
	}
	return f.t, f.err
}

var epoch = time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)

func testConfig() Config {
	return Config{SyncTimeout: 20 * time.Millisecond, ResyncInterval: 7 * 24 * time.Hour}
}

func Test_Authority_AdoptRTC(t *testing.T) {
	sys := NewMockClock(time.Unix(0, 0))
	a := NewAuthority(testConfig(), &fakeBattery{now: epoch}, nil, sys)
	require.NoError(t, a.AdoptRTC())
	assert.True(t, a.Trusted())
	assert.Equal(t, epoch, sys.Now().UTC())
	assert.True(t, a.SyncDue(), "never synced")
}

func Test_Authority_LostPowerNeedsNetwork(t *testing.T) {
	sys := NewMockClock(time.Unix(0, 0))
	a := NewAuthority(testConfig(), &fakeBattery{lost: true, now: epoch}, &fakeNetwork{err: errors.New("no route")}, sys)
	assert.Error(t, a.AdoptRTC())
	assert.False(t, a.Trusted())

	assert.Error(t, a.Synchronize(context.Background()))
	assert.Equal(t, ErrUntrusted, a.Check())
}

func Test_Authority_SynchronizeTimesOut(t *testing.T) {
	a := NewAuthority(testConfig(), &fakeBattery{lost: true}, &fakeNetwork{block: true}, NewMockClock(epoch))
	start := time.Now()
	err := a.Synchronize(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Less(t, int64(time.Since(start)), int64(time.Second))
	assert.False(t, a.Trusted())
}

func Test_Authority_NetworkTakesPrecedence(t *testing.T) {
	battery := &fakeBattery{now: epoch.Add(-time.Hour)}
	netTime := epoch.Add(time.Minute)
	sys := NewMockClock(time.Unix(0, 0))
	a := NewAuthority(testConfig(), battery, &fakeNetwork{t: netTime}, sys)

	require.NoError(t, a.AdoptRTC())
	require.NoError(t, a.Synchronize(context.Background()))
	assert.Equal(t, netTime, sys.Now().UTC())
	assert.Equal(t, []time.Time{netTime}, battery.written)
	assert.Equal(t, netTime.Add(7*24*time.Hour), a.NextSync())
	assert.False(t, a.SyncDue())
	assert.NoError(t, a.Check())
}

func Test_Authority_NextSyncNeverGoesBack(t *testing.T) {
	sys := NewMockClock(epoch)
	network := &fakeNetwork{t: epoch}
	a := NewAuthority(testConfig(), nil, network, sys)
	later := epoch.Add(30 * 24 * time.Hour)
	a.Resume(later)
	assert.False(t, a.SyncDue())

	require.NoError(t, a.Synchronize(context.Background()))
	assert.Equal(t, later, a.NextSync())

	sys.Add(31 * 24 * time.Hour)
	assert.True(t, a.SyncDue())
}
