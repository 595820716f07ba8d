package sensors

import (
	"fmt"

	"github.com/gr-butler/fieldstation/data"
)

/*
 * A Sensor is driven through one of three call patterns per boot, chosen by
 * the wake state: Setup then Sleep, Wakeup, or GetData then Sleep.
 */
type Sensor interface {
	Name() string
	// Setup resets the sensor to a known configuration.
	Setup() error
	// Wakeup gives the sensor its warm-up time before a measurement.
	Wakeup() error
	// GetData adds this sensor's fields to the reading.
	GetData(r *data.Reading) error
	Sleep() error
}

// Base supplies no-op Wakeup and Sleep.
type Base struct{}

func (Base) Wakeup() error { return nil }
func (Base) Sleep() error  { return nil }

// Discoverer is a sensor that can describe its fields for Home Assistant MQTT
// discovery.
type Discoverer interface {
	Discovery() []Discovery
}

// Discovery is one Home Assistant entity. Component is "sensor" or
// "binary_sensor".
type Discovery struct {
	Component string
	ObjectID  string
	Config    DiscoveryConfig
}

type DiscoveryConfig struct {
	Name          string `json:"name"`
	DeviceClass   string `json:"device_class,omitempty"`
	Icon          string `json:"icon,omitempty"`
	Unit          string `json:"unit_of_measurement,omitempty"`
	ValueTemplate string `json:"value_template"`
	ForceUpdate   bool   `json:"force_update"`
	StateTopic    string `json:"state_topic,omitempty"`
	UniqueID      string `json:"unique_id,omitempty"`
	ExpireAfter   int    `json:"expire_after,omitempty"`
	QoS           int    `json:"qos"`
}

func valueTemplate(field string) string {
	return fmt.Sprintf("{{ value_json.%s }}", field)
}

// Error is a failure of one lifecycle call on one sensor. It never stops the
// other sensors.
type Error struct {
	Sensor string
	Call   string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("sensor %s %s: %v", e.Sensor, e.Call, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
