package sensors

import (
	"math"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gr-butler/fieldstation/data"
	"github.com/gr-butler/fieldstation/schedule"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSensor struct {
	name  string
	fail  string
	calls []string
}

func (f *fakeSensor) Name() string { return f.name }

func (f *fakeSensor) do(call string) error {
	f.calls = append(f.calls, call)
	if call == f.fail {
		return errors.New("bus stuck")
	}
	return nil
}

func (f *fakeSensor) Setup() error  { return f.do("setup") }
func (f *fakeSensor) Wakeup() error { return f.do("wakeup") }
func (f *fakeSensor) Sleep() error  { return f.do("sleep") }

func (f *fakeSensor) GetData(r *data.Reading) error {
	if err := f.do("get_data"); err != nil {
		return err
	}
	r.SetFloat(f.name, 1)
	return nil
}

func fakes(n int) ([]*fakeSensor, []Sensor) {
	var fs []*fakeSensor
	var ss []Sensor
	for i := 0; i < n; i++ {
		f := &fakeSensor{name: string(rune('a' + i))}
		fs = append(fs, f)
		ss = append(ss, f)
	}
	return fs, ss
}

func mockAt(t time.Time) *clock.Mock {
	m := clock.NewMock()
	m.Set(t)
	return m
}

var measureAt = time.Unix(900, 0).UTC()

func Test_Coordinator_Unexpected(t *testing.T) {
	fs, ss := fakes(3)
	fs[1].fail = "setup"
	c := NewCoordinator(ss, mockAt(measureAt), time.Millisecond, 300*time.Second)

	err := c.Run(schedule.Unexpected, nil)
	require.Error(t, err)
	for _, f := range fs {
		assert.Equal(t, []string{"setup", "sleep"}, f.calls, f.name)
	}
	errs := Errors(err)
	require.Len(t, errs, 1)
	var se *Error
	require.True(t, errors.As(errs[0], &se))
	assert.Equal(t, "b", se.Sensor)
	assert.Equal(t, "setup", se.Call)
}

func Test_Coordinator_Ready(t *testing.T) {
	fs, ss := fakes(2)
	c := NewCoordinator(ss, mockAt(measureAt), time.Millisecond, 300*time.Second)
	require.NoError(t, c.Run(schedule.ReadySensors, nil))
	for _, f := range fs {
		assert.Equal(t, []string{"wakeup"}, f.calls)
	}
}

func Test_Coordinator_MeasureIsolatesFailures(t *testing.T) {
	fs, ss := fakes(4)
	fs[2].fail = "get_data"
	c := NewCoordinator(ss, mockAt(measureAt.Add(time.Second)), time.Millisecond, 300*time.Second)

	r := data.NewReading(measureAt)
	err := c.Run(schedule.TakeMeasurement, r)
	require.Error(t, err)
	assert.Len(t, Errors(err), 1)

	for _, f := range fs {
		assert.Equal(t, []string{"get_data", "sleep"}, f.calls, f.name)
	}
	assert.Equal(t, 3, r.Len())
	assert.True(t, r.Has("a"))
	assert.False(t, r.Has("c"))
	assert.True(t, r.Has("d"))
}

func Test_Coordinator_OnlyOncePerBoot(t *testing.T) {
	fs, ss := fakes(1)
	c := NewCoordinator(ss, mockAt(measureAt), time.Millisecond, 300*time.Second)
	require.NoError(t, c.Ready())
	assert.Equal(t, ErrAlreadyRan, c.Setup())
	assert.Equal(t, ErrAlreadyRan, c.Measure(data.NewReading(measureAt)))
	assert.Equal(t, []string{"wakeup"}, fs[0].calls)
}

func Test_Coordinator_ResetStartsNewBoot(t *testing.T) {
	fs, ss := fakes(1)
	c := NewCoordinator(ss, mockAt(measureAt), time.Millisecond, 300*time.Second)
	require.NoError(t, c.Ready())
	c.Reset()
	r := data.NewReading(measureAt)
	require.NoError(t, c.Measure(r))
	assert.Equal(t, []string{"wakeup", "get_data", "sleep"}, fs[0].calls)
	assert.True(t, r.Has("a"))
}

type brokenHygrometer struct {
	Base
}

func (brokenHygrometer) Name() string { return "hygrometer" }
func (brokenHygrometer) Setup() error { return nil }

func (brokenHygrometer) GetData(r *data.Reading) error {
	r.SetFloat("dew_point_c", 9.5)
	r.SetFloat(HumidityKey, math.NaN())
	return nil
}

func Test_Coordinator_NonFiniteValueIsSensorError(t *testing.T) {
	fs, ss := fakes(2)
	ss = append(ss[:1], brokenHygrometer{}, ss[1])
	c := NewCoordinator(ss, mockAt(measureAt), time.Millisecond, 300*time.Second)
	r := data.NewReading(measureAt)

	err := c.Measure(r)
	require.Error(t, err)
	errs := Errors(err)
	require.Len(t, errs, 1)
	var se *Error
	require.True(t, errors.As(errs[0], &se))
	assert.Equal(t, "hygrometer", se.Sensor)

	assert.True(t, r.Has("a"))
	assert.True(t, r.Has("b"))
	assert.True(t, r.Has("dew_point_c"))
	assert.False(t, r.Has(HumidityKey))
	_, merr := r.MarshalJSON()
	assert.NoError(t, merr)
	for _, f := range fs {
		assert.Equal(t, []string{"get_data", "sleep"}, f.calls, f.name)
	}
}

func Test_Coordinator_WaitsForMeasurementTime(t *testing.T) {
	_, ss := fakes(1)
	clk := clock.New()
	at := clk.Now().Add(40 * time.Millisecond)
	c := NewCoordinator(ss, clk, 5*time.Millisecond, time.Minute)

	require.NoError(t, c.Measure(data.NewReading(at)))
	assert.False(t, clk.Now().Before(at))
}

func Test_Coordinator_WaitIsBounded(t *testing.T) {
	_, ss := fakes(1)
	clk := clock.New()
	start := clk.Now()
	c := NewCoordinator(ss, clk, 5*time.Millisecond, 20*time.Millisecond)

	require.NoError(t, c.Measure(data.NewReading(start.Add(time.Hour))))
	assert.Less(t, int64(clk.Since(start)), int64(time.Second))
}
