package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/gr-butler/fieldstation/env"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/sirupsen/logrus"
)

// Config is the station configuration, read from YAML with environment overrides.
type Config struct {
	Station  StationConfig  `yaml:"station"`
	WiFi     WiFiConfig     `yaml:"wifi"`
	Broker   BrokerConfig   `yaml:"broker"`
	Time     TimeConfig     `yaml:"time"`
	Hardware HardwareConfig `yaml:"hardware"`
	Database DatabaseConfig `yaml:"database"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type StationConfig struct {
	ID                 string `yaml:"id" env:"STATION_ID" env-default:"fieldstation"`
	WindowSeconds      int    `yaml:"windowSeconds" env:"WINDOW_SECONDS" env-default:"300"`
	SensorReadySeconds int    `yaml:"sensorReadySeconds" env:"SENSOR_READY_SECONDS" env-default:"30"`
	BootDelaySeconds   int    `yaml:"bootDelaySeconds" env:"BOOT_DELAY_SECONDS" env-default:"5"`
	StatePath          string `yaml:"statePath" env:"STATE_PATH" env-default:"/run/fieldstation/state.bin"`
	BacklogPath        string `yaml:"backlogPath" env:"BACKLOG_PATH" env-default:"/media/sdcard/data.txt"`
	EventLogPath       string `yaml:"eventLogPath" env:"EVENT_LOG_PATH" env-default:"/media/sdcard/events.log"`
	MetricsPath        string `yaml:"metricsPath" env:"METRICS_PATH"`
	DeadlinePollMillis int    `yaml:"deadlinePollMillis" env:"DEADLINE_POLL_MILLIS" env-default:"50"`
	SuspendWithRTCWake bool   `yaml:"suspendWithRtcWake" env:"SUSPEND_WITH_RTCWAKE" env-default:"false"`
}

// WiFiConfig holds the link credentials. An empty SSID means the station is
// on a wired link and no association is made.
type WiFiConfig struct {
	SSID                  string `yaml:"ssid" env:"WIFI_SSID"`
	Password              string `yaml:"password" env:"WIFI_PASSWORD"`
	Interface             string `yaml:"interface" env:"WIFI_INTERFACE" env-default:"wlan0"`
	ConnectTimeoutSeconds int    `yaml:"connectTimeoutSeconds" env:"WIFI_CONNECT_TIMEOUT_SECONDS" env-default:"15"`
}

type BrokerConfig struct {
	Transport             string `yaml:"transport" env:"BROKER_TRANSPORT" env-default:"mqtt"`
	URI                   string `yaml:"uri" env:"BROKER_URI" env-default:"tcp://localhost:1883"`
	Topic                 string `yaml:"topic" env:"BROKER_TOPIC" env-default:"fieldstation/readings"`
	DiscoveryPrefix       string `yaml:"discoveryPrefix" env:"BROKER_DISCOVERY_PREFIX" env-default:"homeassistant"`
	ClientID              string `yaml:"clientId" env:"BROKER_CLIENT_ID"`
	Username              string `yaml:"username" env:"BROKER_USERNAME"`
	Password              string `yaml:"password" env:"BROKER_PASSWORD"`
	AuthKey               string `yaml:"authKey" env:"BROKER_AUTH_KEY"`
	QoS                   int    `yaml:"qos" env:"BROKER_QOS" env-default:"2"`
	ConnectTimeoutSeconds int    `yaml:"connectTimeoutSeconds" env:"BROKER_CONNECT_TIMEOUT_SECONDS" env-default:"10"`
	PublishTimeoutSeconds int    `yaml:"publishTimeoutSeconds" env:"BROKER_PUBLISH_TIMEOUT_SECONDS" env-default:"10"`
}

type TimeConfig struct {
	NTPServer           string `yaml:"ntpServer" env:"NTP_SERVER" env-default:"pool.ntp.org"`
	SyncTimeoutSeconds  int    `yaml:"syncTimeoutSeconds" env:"NTP_SYNC_TIMEOUT_SECONDS" env-default:"10"`
	ResyncIntervalHours int    `yaml:"resyncIntervalHours" env:"RTC_RESYNC_INTERVAL_HOURS" env-default:"168"`
}

type HardwareConfig struct {
	I2CBus          string   `yaml:"i2cBus" env:"I2C_BUS"`
	SerialPort      string   `yaml:"serialPort" env:"SERIAL_PORT" env-default:"/dev/serial0"`
	PowerPin        string   `yaml:"powerPin" env:"POWER_PIN" env-default:"GPIO26"`
	StatusLedPin    string   `yaml:"statusLedPin" env:"STATUS_LED_PIN" env-default:"GPIO20"`
	DS3231Address   uint16   `yaml:"ds3231Address" env:"DS3231_ADDRESS" env-default:"104"`
	BME280Address   uint16   `yaml:"bme280Address" env:"BME280_ADDRESS" env-default:"118"`
	MAX17043Address uint16   `yaml:"max17043Address" env:"MAX17043_ADDRESS" env-default:"54"`
	Sensors         []string `yaml:"sensors" env:"SENSORS" env-default:"atmosphere,battery,particulate,power,rtc"`
}

// DatabaseConfig is only used by the collector.
type DatabaseConfig struct {
	DSN        string `yaml:"dsn" env:"DATABASE_DSN"`
	ListenAddr string `yaml:"listenAddr" env:"COLLECTOR_LISTEN_ADDR" env-default:":2112"`

	// AuthKey checked on HTTP uploads. Empty falls back to broker.authKey.
	AuthKey string `yaml:"authKey" env:"COLLECTOR_AUTH_KEY"`
}

type LoggingConfig struct {
	Level string `yaml:"logLevel" env:"LOG_LEVEL" env-default:"info"`
}

// Load loads configuration from a YAML file with environment variable overrides.
// An empty path reads the environment only.
func Load(configPath string) (*Config, error) {
	var cfg Config

	var err error
	if configPath == "" {
		err = cleanenv.ReadEnv(&cfg)
	} else {
		err = cleanenv.ReadConfig(configPath, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate checks the values the scheduler and pipeline rely on.
func (c *Config) Validate() error {
	if c.Station.WindowSeconds <= 0 {
		return fmt.Errorf("windowSeconds must be positive, got %d", c.Station.WindowSeconds)
	}
	if c.Station.SensorReadySeconds < 0 || c.Station.BootDelaySeconds < 0 {
		return fmt.Errorf("sensorReadySeconds and bootDelaySeconds must not be negative")
	}
	if c.Station.SensorReadySeconds+c.Station.BootDelaySeconds >= c.Station.WindowSeconds {
		return fmt.Errorf("sensorReadySeconds + bootDelaySeconds (%d) must be shorter than the window (%d)",
			c.Station.SensorReadySeconds+c.Station.BootDelaySeconds, c.Station.WindowSeconds)
	}

	c.Broker.Transport = strings.ToLower(c.Broker.Transport)
	if c.Broker.Transport != "mqtt" && c.Broker.Transport != "http" {
		return fmt.Errorf("broker transport must be 'mqtt' or 'http', got '%s'", c.Broker.Transport)
	}
	if c.Broker.URI == "" {
		return fmt.Errorf("broker uri must be set")
	}
	if c.Broker.Topic == "" {
		return fmt.Errorf("broker topic must be set")
	}
	if c.Broker.QoS < 1 || c.Broker.QoS > 2 {
		// readings must be acknowledged
		return fmt.Errorf("broker qos must be 1 or 2, got %d", c.Broker.QoS)
	}

	c.Logging.Level = strings.ToLower(c.Logging.Level)
	if _, err := logrus.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logLevel: %w", err)
	}

	if c.Broker.ClientID == "" {
		c.Broker.ClientID = c.Station.ID
	}
	return nil
}

// Credentials implements the delivery pipeline's credential source.
func (w WiFiConfig) Credentials() (string, string, error) {
	if strings.TrimSpace(w.SSID) != w.SSID {
		return "", "", fmt.Errorf("wifi ssid [%q] has surrounding whitespace", w.SSID)
	}
	return w.SSID, w.Password, nil
}

func (s StationConfig) Window() time.Duration {
	return time.Duration(s.WindowSeconds) * time.Second
}

func (s StationConfig) SensorReadyLead() time.Duration {
	return time.Duration(s.SensorReadySeconds) * time.Second
}

func (s StationConfig) BootDelay() time.Duration {
	return time.Duration(s.BootDelaySeconds) * time.Second
}

func (s StationConfig) DeadlinePoll() time.Duration {
	if s.DeadlinePollMillis <= 0 {
		return env.DeadlinePoll
	}
	return time.Duration(s.DeadlinePollMillis) * time.Millisecond
}

func (w WiFiConfig) ConnectTimeout() time.Duration {
	return seconds(w.ConnectTimeoutSeconds, env.WiFiConnectTimeout)
}

func (b BrokerConfig) ConnectTimeout() time.Duration {
	return seconds(b.ConnectTimeoutSeconds, env.BrokerConnectTimeout)
}

func (b BrokerConfig) PublishTimeout() time.Duration {
	return seconds(b.PublishTimeoutSeconds, env.PublishTimeout)
}

func (t TimeConfig) SyncTimeout() time.Duration {
	return seconds(t.SyncTimeoutSeconds, env.NTPTimeout)
}

func (t TimeConfig) ResyncInterval() time.Duration {
	if t.ResyncIntervalHours <= 0 {
		return env.RTCResyncInterval
	}
	return time.Duration(t.ResyncIntervalHours) * time.Hour
}

// Enabled reports whether the named sensor is in the configured set.
func (h HardwareConfig) Enabled(name string) bool {
	for _, s := range h.Sensors {
		if strings.EqualFold(strings.TrimSpace(s), name) {
			return true
		}
	}
	return false
}

func seconds(v int, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return time.Duration(v) * time.Second
}
