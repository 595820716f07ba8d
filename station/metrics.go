package station

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	logger "github.com/sirupsen/logrus"
)

// Metrics keeps per-boot gauges in a private registry and writes them to a
// textfile for node_exporter. Nothing is served: the network is down by the
// time they are written.
type Metrics struct {
	registry *prometheus.Registry
	path     string

	wakeState    prometheus.Gauge
	duration     prometheus.Gauge
	sensorErrors prometheus.Gauge
	backlog      prometheus.Gauge
	delivery     *prometheus.GaugeVec
	clockTrusted prometheus.Gauge
	lastCycle    prometheus.Gauge
	fatal        prometheus.Counter
}

var deliveryOutcomes = []string{"delivered", "backlogged", "dropped", "none"}

func NewMetrics(path string) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		path:     path,
		wakeState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fieldstation_wake_state",
			Help: "Wake state of the last boot (0 unexpected, 1 ready sensors, 2 take measurement)",
		}),
		duration: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fieldstation_cycle_duration_seconds",
			Help: "Time spent awake in the last boot",
		}),
		sensorErrors: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fieldstation_sensor_errors",
			Help: "Sensor lifecycle calls that failed in the last boot",
		}),
		backlog: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fieldstation_backlog_entries",
			Help: "Readings waiting in the backlog",
		}),
		delivery: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fieldstation_delivery",
			Help: "Outcome of the last reading, 1 for the outcome that happened",
		}, []string{"outcome"}),
		clockTrusted: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fieldstation_clock_trusted",
			Help: "1 if system time was trusted at the end of the boot",
		}),
		lastCycle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fieldstation_last_cycle_timestamp_seconds",
			Help: "When the last boot finished",
		}),
		fatal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fieldstation_fatal_errors_total",
			Help: "Boots ended by a fatal error since the process started",
		}),
	}
	m.registry.MustRegister(m.wakeState, m.duration, m.sensorErrors, m.backlog, m.delivery, m.clockTrusted, m.lastCycle, m.fatal)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Observe records a finished boot and writes the textfile if one is set.
func (m *Metrics) Observe(res Result, err error, trusted bool, took time.Duration, backlog int) {
	m.wakeState.Set(float64(res.Wake))
	m.duration.Set(took.Seconds())
	m.sensorErrors.Set(float64(res.SensorErrors))
	m.backlog.Set(float64(backlog))
	outcome := "none"
	switch {
	case res.Delivered:
		outcome = "delivered"
	case res.Backlogged:
		outcome = "backlogged"
	case res.Dropped:
		outcome = "dropped"
	}
	for _, o := range deliveryOutcomes {
		v := 0.0
		if o == outcome {
			v = 1
		}
		m.delivery.WithLabelValues(o).Set(v)
	}
	if trusted {
		m.clockTrusted.Set(1)
	} else {
		m.clockTrusted.Set(0)
	}
	if IsFatal(err) {
		m.fatal.Inc()
	}
	m.lastCycle.SetToCurrentTime()

	if m.path == "" {
		return
	}
	if werr := prometheus.WriteToTextfile(m.path, m.registry); werr != nil {
		logger.WithField("subsystem", "metrics").Errorf("Failed to write metrics [%v] [%v]", m.path, werr)
	}
}
