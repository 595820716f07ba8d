package env

import "time"

const (
	GPIO05 = "GPIO5"
	GPIO06 = "GPIO6"
	GPIO13 = "GPIO13"
	GPIO19 = "GPIO19"
	GPIO20 = "GPIO20" // status LED
	GPIO21 = "GPIO21"
	GPIO26 = "GPIO26" // USB power detect (high when on USB)

	PowerDetectIn = GPIO26
	StatusLed     = GPIO20

	I2CBus     = "" // first bus found
	SerialPort = "/dev/serial0"

	// I2C addresses
	DS3231Addr   uint16 = 0x68
	BME280Addr   uint16 = 0x76
	MAX17043Addr uint16 = 0x36

	// Measurement window. All readings are aligned to multiples of this.
	WindowSize = time.Minute * 5
	// Longest time the sensors need to warm up (PMS5003 fan spin-up).
	SensorReadyLead = time.Second * 30
	// Time from leaving low power to the cycle starting.
	BootDelay = time.Second * 5

	// RTC resync against network time once a week
	RTCResyncInterval = time.Hour * 24 * 7
	NTPServer         = "pool.ntp.org"
	NTPTimeout        = time.Second * 10

	BusTimeout    = time.Millisecond * 100
	SerialTimeout = time.Second * 2

	WiFiConnectTimeout   = time.Second * 15
	BrokerConnectTimeout = time.Second * 10
	PublishTimeout       = time.Second * 10

	// Bounded poll step used while waiting for the measurement deadline
	DeadlinePoll = time.Millisecond * 50

	EventLogMaxBytes = 100 * 1024

	StateFile    = "/run/fieldstation/state.bin"
	BacklogFile  = "/media/sdcard/data.txt"
	EventLogFile = "/media/sdcard/events.log"
	MetricsFile  = "/var/lib/node_exporter/textfile/fieldstation.prom"

	LEDFlashDuration = time.Millisecond * 100

	// PMS5003 frames averaged per measurement
	ParticulateFrames = 3

	// Attempts at writing schedule state before giving up on this boot
	CommitAttempts = 5
	CommitBackoff  = time.Millisecond * 200
)
