package station

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gr-butler/fieldstation/backlog"
	"github.com/gr-butler/fieldstation/data"
	"github.com/gr-butler/fieldstation/delivery"
	"github.com/gr-butler/fieldstation/rtc"
	"github.com/gr-butler/fieldstation/schedule"
	"github.com/gr-butler/fieldstation/sensors"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	window    = 300 * time.Second
	lead      = 30 * time.Second
	bootDelay = 5 * time.Second
	topic     = "fieldstation/station-1/reading"
)

var base = time.Date(2026, 10, 17, 12, 1, 40, 0, time.UTC)

type fakeBattery struct {
	lost bool
	now  func() time.Time
	set  []time.Time
}

func (f *fakeBattery) Time() (time.Time, error) { return f.now(), nil }
func (f *fakeBattery) LostPower() (bool, error) { return f.lost, nil }

func (f *fakeBattery) SetTime(t time.Time) error {
	f.set = append(f.set, t)
	return nil
}

type fakeNetwork struct {
	clock   clock.Clock
	err     error
	queries int
}

func (f *fakeNetwork) Query(context.Context) (time.Time, error) {
	f.queries++
	if f.err != nil {
		return time.Time{}, f.err
	}
	return f.clock.Now(), nil
}

type thermo struct {
	calls []string
}

func (s *thermo) Name() string { return "thermo" }

func (s *thermo) call(name string) error {
	s.calls = append(s.calls, name)
	return nil
}

func (s *thermo) Setup() error  { return s.call("setup") }
func (s *thermo) Wakeup() error { return s.call("wakeup") }
func (s *thermo) Sleep() error  { return s.call("sleep") }

func (s *thermo) GetData(r *data.Reading) error {
	s.calls = append(s.calls, "get_data")
	r.SetFloat("temperature_c", 21.5)
	return nil
}

type link struct {
	fail        error
	disconnects int
}

func (l *link) Connect(context.Context, string, string) error { return l.fail }

func (l *link) Disconnect() error {
	l.disconnects++
	return nil
}

type broker struct {
	fail      error
	published []delivery.Message
}

func (b *broker) Connect(context.Context) (delivery.Session, error) {
	if b.fail != nil {
		return nil, b.fail
	}
	return b, nil
}

func (b *broker) Publish(_ context.Context, m delivery.Message) error {
	b.published = append(b.published, m)
	return nil
}

func (b *broker) Disconnect() {}

func (b *broker) payloads() []string {
	var out []string
	for _, m := range b.published {
		if m.Topic == topic {
			out = append(out, string(m.Payload))
		}
	}
	return out
}

type creds struct{}

func (creds) Credentials() (string, string, error) { return "station-net", "hunter2", nil }

// harness builds a fresh station for every boot, as a new process would,
// sharing only storage and the hardware fakes.
type harness struct {
	fs      afero.Fs
	store   schedule.Store
	backlog *backlog.Backlog
	sys     *rtc.MockClock
	battery *fakeBattery
	network *fakeNetwork
	link    *link
	broker  *broker
	sensor  *thermo
	extra   []sensors.Sensor
	metrics *Metrics
}

func newHarness(t *testing.T) *harness {
	fs := afero.NewMemMapFs()
	sys := rtc.NewMockClock(time.Unix(0, 0))
	h := &harness{
		fs:      fs,
		store:   schedule.NewFileStore(fs, "/run/fieldstation/state.bin"),
		backlog: backlog.New(fs, "/sdcard/backlog.txt"),
		sys:     sys,
		battery: &fakeBattery{now: func() time.Time { return base }},
		network: &fakeNetwork{clock: sys},
		link:    &link{},
		broker:  &broker{},
		sensor:  &thermo{},
		metrics: NewMetrics(filepath.Join(t.TempDir(), "fieldstation.prom")),
	}
	return h
}

func (h *harness) build() *Station {
	scheduler := schedule.NewScheduler(schedule.Config{
		Window:          window,
		SensorReadyLead: lead,
		BootDelay:       bootDelay,
		CommitAttempts:  2,
		CommitBackoff:   time.Millisecond,
	}, clock.New())
	authority := rtc.NewAuthority(rtc.Config{SyncTimeout: time.Second, ResyncInterval: 7 * 24 * time.Hour}, h.battery, h.network, h.sys)
	coordinator := sensors.NewCoordinator(append([]sensors.Sensor{h.sensor}, h.extra...), h.sys, time.Millisecond, window)
	pipeline := delivery.NewPipeline(delivery.Config{Topic: topic, QoS: 1}, creds{}, h.link, h.broker, h.backlog)
	st := New(h.store, scheduler, authority, coordinator, pipeline, h.backlog, h.metrics)
	pipeline.OnNetworkUp = st.NetworkUp
	st.SetAnnouncements([]delivery.Message{{Topic: "homeassistant/sensor/station-1_temperature/config", Payload: []byte("{}"), Retained: true}})
	return st
}

func (h *harness) boot(cause schedule.ResetCause) (Result, error) {
	return h.build().RunOneCycle(context.Background(), cause)
}

// wakeAt moves the clock to when the host is back up after a wake alarm.
func (h *harness) wakeAt(res Result) {
	h.sys.Set(res.WakeAt.Add(bootDelay))
}

func Test_Station_Cycles(t *testing.T) {
	h := newHarness(t)

	res, err := h.boot(schedule.ResetPowerOn)
	require.NoError(t, err)
	assert.Equal(t, schedule.Unexpected, res.Wake)
	assert.Equal(t, schedule.ReadySensors, res.Next)
	assert.Equal(t, base.Add(3*time.Minute+20*time.Second), res.MeasurementTime)
	assert.Equal(t, res.MeasurementTime.Add(-lead-bootDelay), res.WakeAt)
	assert.Equal(t, []string{"setup", "sleep"}, h.sensor.calls)
	assert.Equal(t, 1, h.network.queries, "first boot syncs time")
	require.Len(t, h.broker.published, 1)
	assert.True(t, h.broker.published[0].Retained)

	var wakes []schedule.WakeState
	var readings []string
	for i := 0; i < 6; i++ {
		h.wakeAt(res)
		h.sensor.calls = nil
		res, err = h.boot(schedule.ResetDeepSleep)
		require.NoError(t, err)
		wakes = append(wakes, res.Wake)
		if res.Wake == schedule.TakeMeasurement {
			assert.Equal(t, []string{"get_data", "sleep"}, h.sensor.calls)
			assert.True(t, res.Delivered)
			readings = append(readings, res.Reading.Timestamp.Format("15:04:05"))
		} else {
			assert.Equal(t, []string{"wakeup"}, h.sensor.calls)
		}
		assert.Zero(t, res.MeasurementTime.Unix()%300)
	}
	assert.Equal(t, []schedule.WakeState{
		schedule.ReadySensors, schedule.TakeMeasurement,
		schedule.ReadySensors, schedule.TakeMeasurement,
		schedule.ReadySensors, schedule.TakeMeasurement,
	}, wakes)
	assert.Equal(t, []string{"12:05:00", "12:10:00", "12:15:00"}, readings)
	assert.Equal(t, []string{
		`{"timestamp":1792238700,"temperature_c":21.5}`,
		`{"timestamp":1792239000,"temperature_c":21.5}`,
		`{"timestamp":1792239300,"temperature_c":21.5}`,
	}, h.broker.payloads())
	assert.Equal(t, 1, h.network.queries, "no resync before the interval")
	assert.Equal(t, 4, h.link.disconnects, "every network session is torn down")

	// a full power loss starts the schedule again
	h.sys.Add(time.Minute)
	res, err = h.boot(schedule.ResetPowerOn)
	require.NoError(t, err)
	assert.Equal(t, schedule.Unexpected, res.Wake)
}

func Test_Station_BacklogAndReplay(t *testing.T) {
	h := newHarness(t)
	res, err := h.boot(schedule.ResetPowerOn)
	require.NoError(t, err)

	h.broker.fail = errors.New("connection refused")
	for i := 0; i < 4; i++ {
		h.wakeAt(res)
		res, err = h.boot(schedule.ResetDeepSleep)
		require.NoError(t, err)
	}
	assert.Equal(t, schedule.TakeMeasurement, res.Wake)
	assert.True(t, res.Backlogged)
	assert.Equal(t, delivery.NoBroker, res.DeliveryError)
	count, err := h.backlog.Count()
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.Empty(t, h.broker.payloads())

	h.broker.fail = nil
	for i := 0; i < 2; i++ {
		h.wakeAt(res)
		res, err = h.boot(schedule.ResetDeepSleep)
		require.NoError(t, err)
	}
	assert.True(t, res.Delivered)
	assert.Equal(t, 2, res.Drained)
	payloads := h.broker.payloads()
	require.Len(t, payloads, 3)
	assert.Contains(t, payloads[0], `"timestamp":1792239300`, "current reading first")
	assert.Contains(t, payloads[1], `"timestamp":1792238700`)
	assert.Contains(t, payloads[2], `"timestamp":1792239000`)
	assert.False(t, h.backlog.HasEntries())
	assert.Equal(t, float64(0), testutil.ToFloat64(h.metrics.backlog))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.delivery.WithLabelValues("delivered")))
}

func Test_Station_UntrustedClockIsFatal(t *testing.T) {
	h := newHarness(t)
	h.battery.lost = true
	h.network.err = errors.New("i/o timeout")

	res, err := h.boot(schedule.ResetPowerOn)
	require.Error(t, err)
	assert.True(t, IsFatal(err))
	assert.True(t, errors.Is(err, rtc.ErrUntrusted))
	assert.True(t, res.WakeAt.IsZero(), "no next wake is scheduled")

	_, valid, lerr := h.store.Load()
	require.NoError(t, lerr)
	assert.False(t, valid)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.fatal))
	assert.Equal(t, float64(0), testutil.ToFloat64(h.metrics.clockTrusted))

	// even a deep sleep wake cannot continue from an invalidated schedule
	res, err = h.boot(schedule.ResetDeepSleep)
	require.Error(t, err)
	assert.Equal(t, schedule.Unexpected, res.Wake)
}

func Test_Station_LostPowerRecoveredByNetwork(t *testing.T) {
	h := newHarness(t)
	h.battery.lost = true
	h.sys.Set(base)

	res, err := h.boot(schedule.ResetPowerOn)
	require.NoError(t, err)
	assert.Equal(t, schedule.ReadySensors, res.Next)
	require.Len(t, h.battery.set, 1, "battery clock rewritten from network time")
}

func Test_Station_CommitFailureIsFatal(t *testing.T) {
	h := newHarness(t)
	h.store = schedule.NewFileStore(afero.NewReadOnlyFs(afero.NewMemMapFs()), "/run/fieldstation/state.bin")

	_, err := h.boot(schedule.ResetPowerOn)
	require.Error(t, err)
	assert.True(t, IsFatal(err))
	var se *schedule.Error
	assert.True(t, errors.As(err, &se))
}

func Test_Station_ReadingDroppedWithoutBacklog(t *testing.T) {
	h := newHarness(t)
	res, err := h.boot(schedule.ResetPowerOn)
	require.NoError(t, err)

	h.backlog = backlog.New(afero.NewReadOnlyFs(afero.NewMemMapFs()), "/sdcard/backlog.txt")
	h.link.fail = errors.New("no such network")
	for i := 0; i < 2; i++ {
		h.wakeAt(res)
		res, err = h.boot(schedule.ResetDeepSleep)
		require.NoError(t, err)
	}
	assert.Equal(t, schedule.TakeMeasurement, res.Wake)
	assert.Equal(t, delivery.NoNetwork, res.DeliveryError)
	assert.True(t, res.Dropped)
	assert.False(t, res.Backlogged)
}

func Test_Station_ReusedAcrossCycles(t *testing.T) {
	h := newHarness(t)
	st := h.build()

	res, err := st.RunOneCycle(context.Background(), schedule.ResetPowerOn)
	require.NoError(t, err)
	assert.Equal(t, []string{"setup", "sleep"}, h.sensor.calls)

	for i := 0; i < 4; i++ {
		h.wakeAt(res)
		h.sensor.calls = nil
		res, err = st.RunOneCycle(context.Background(), schedule.ResetDeepSleep)
		require.NoError(t, err)
		assert.Zero(t, res.SensorErrors)
		if res.Wake == schedule.TakeMeasurement {
			assert.Equal(t, []string{"get_data", "sleep"}, h.sensor.calls)
		} else {
			assert.Equal(t, []string{"wakeup"}, h.sensor.calls)
		}
	}
	assert.Equal(t, []string{
		`{"timestamp":1792238700,"temperature_c":21.5}`,
		`{"timestamp":1792239000,"temperature_c":21.5}`,
	}, h.broker.payloads())
}

type hygrometer struct {
	sensors.Base
	clock *rtc.MockClock
}

func (hygrometer) Name() string { return "hygrometer" }
func (hygrometer) Setup() error { return nil }

func (s hygrometer) GetData(r *data.Reading) error {
	s.clock.Add(3 * time.Second)
	r.SetFloat("humidity_rh", math.NaN())
	return nil
}

func Test_Station_NonFiniteValueKeepsReading(t *testing.T) {
	h := newHarness(t)
	h.extra = []sensors.Sensor{hygrometer{clock: h.sys}}
	res, err := h.boot(schedule.ResetPowerOn)
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		h.wakeAt(res)
		res, err = h.boot(schedule.ResetDeepSleep)
		require.NoError(t, err)
	}
	assert.Equal(t, schedule.TakeMeasurement, res.Wake)
	assert.Equal(t, 1, res.SensorErrors)
	assert.True(t, res.Delivered)
	assert.False(t, res.Dropped)
	assert.Equal(t, []string{`{"timestamp":1792238700,"temperature_c":21.5}`}, h.broker.payloads())
	assert.Equal(t, float64(3), testutil.ToFloat64(h.metrics.duration), "cycle time follows the station clock")
}

func TestMetrics_WritesTextfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fieldstation.prom")
	m := NewMetrics(path)
	m.Observe(Result{Wake: schedule.TakeMeasurement, Delivered: true, SensorErrors: 1}, nil, true, 2*time.Second, 3)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "fieldstation_wake_state 2")
	assert.Contains(t, string(raw), "fieldstation_backlog_entries 3")
	assert.Contains(t, string(raw), `fieldstation_delivery{outcome="delivered"} 1`)
}

func TestRTCWake_SleepUntil(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(base)
	var args []string
	r := NewRTCWake(mock)
	r.run = func(ctx context.Context, name string, a ...string) ([]byte, error) {
		args = append([]string{name}, a...)
		return nil, nil
	}
	require.NoError(t, r.SleepUntil(context.Background(), base.Add(265*time.Second)))
	assert.Equal(t, []string{"rtcwake", "-m", "mem", "-s", "265"}, args)

	args = nil
	require.NoError(t, r.SleepUntil(context.Background(), base.Add(-time.Second)))
	assert.Nil(t, args, "wake time already passed")
}

func TestLoop_SleepUntil(t *testing.T) {
	l := Loop{Clock: clock.New()}
	start := time.Now()
	require.NoError(t, l.SleepUntil(context.Background(), start.Add(20*time.Millisecond)))
	assert.GreaterOrEqual(t, int64(time.Since(start)), int64(15*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, l.SleepUntil(ctx, time.Now().Add(time.Hour)))
}
