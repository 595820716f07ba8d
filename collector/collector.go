package collector

import (
	"context"
	"crypto/subtle"
	"io"
	"net/http"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/gr-butler/fieldstation/data"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	logger "github.com/sirupsen/logrus"
)

// ErrRejected marks a payload that is not a reading.
var ErrRejected = errors.New("reading rejected")

// Collector receives readings from stations, over MQTT or HTTP, and stores
// them.
type Collector struct {
	// AuthKey, when set, must match the siteAuthenticationKey of every HTTP
	// upload.
	AuthKey string

	store    Store
	timeout  time.Duration
	stored   *prometheus.CounterVec
	rejected *prometheus.CounterVec
	log      *logger.Entry
}

func New(store Store, reg prometheus.Registerer) *Collector {
	c := &Collector{
		store:   store,
		timeout: 10 * time.Second,
		stored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldstation_collector_readings_stored_total",
			Help: "Readings written to the database",
		}, []string{"station"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldstation_collector_readings_rejected_total",
			Help: "Readings that could not be parsed or stored",
		}, []string{"reason"}),
		log: logger.WithField("subsystem", "collector"),
	}
	if reg != nil {
		reg.MustRegister(c.stored, c.rejected)
	}
	return c
}

// StationFromTopic takes the station id from topics shaped
// <prefix>/<station>/<leaf>. Other topics are used whole.
func StationFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) >= 3 && parts[1] != "" {
		return parts[1]
	}
	return topic
}

// Handle parses and stores one reading.
func (c *Collector) Handle(ctx context.Context, stationID string, payload []byte) error {
	r, err := data.Parse(payload)
	if err != nil {
		c.rejected.WithLabelValues("parse").Inc()
		c.log.Warnf("Rejected reading from [%v] [%v]", stationID, err)
		return errors.Wrapf(ErrRejected, "%v", err)
	}
	if err := c.store.Insert(ctx, stationID, r, payload); err != nil {
		c.rejected.WithLabelValues("store").Inc()
		c.log.Errorf("Failed to store reading from [%v] [%v]", stationID, err)
		return err
	}
	c.stored.WithLabelValues(stationID).Inc()
	c.log.Debugf("Stored reading from [%v] at [%v]", stationID, r.Timestamp.Format(time.RFC3339))
	return nil
}

// Subscribe feeds every message on topic through Handle.
func (c *Collector) Subscribe(client mqtt.Client, topic string, qos byte) error {
	tok := client.Subscribe(topic, qos, func(_ mqtt.Client, m mqtt.Message) {
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()
		_ = c.Handle(ctx, StationFromTopic(m.Topic()), m.Payload())
	})
	if !tok.WaitTimeout(c.timeout) {
		return errors.Errorf("subscribe [%v] timed out", topic)
	}
	return tok.Error()
}

// ServeHTTP accepts readings posted by stations using the HTTP transport.
func (c *Collector) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodHead:
		return
	case http.MethodPost:
	default:
		http.Error(rw, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	station := r.URL.Query().Get("siteid")
	if station == "" {
		http.Error(rw, "siteid is required", http.StatusBadRequest)
		return
	}
	if !c.authorized(r.URL.Query().Get("siteAuthenticationKey")) {
		c.rejected.WithLabelValues("auth").Inc()
		c.log.Warnf("Rejected upload for [%v] from [%v], bad auth key", station, r.RemoteAddr)
		http.Error(rw, "bad siteAuthenticationKey", http.StatusUnauthorized)
		return
	}
	if r.URL.Query().Get("retain") != "" {
		// discovery configs are for MQTT consumers
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 64*1024))
	if err != nil {
		http.Error(rw, err.Error(), http.StatusBadRequest)
		return
	}
	if err := c.Handle(r.Context(), station, body); err != nil {
		if errors.Is(err, ErrRejected) {
			http.Error(rw, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(rw, err.Error(), http.StatusInternalServerError)
		return
	}
	rw.WriteHeader(http.StatusNoContent)
}

func (c *Collector) authorized(key string) bool {
	if c.AuthKey == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(key), []byte(c.AuthKey)) == 1
}
