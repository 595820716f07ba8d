package schedule

import (
	"fmt"
	"strings"
	"time"
)

// WakeState is why the station left low power this boot.
type WakeState uint8

const (
	Unexpected WakeState = iota
	ReadySensors
	TakeMeasurement
)

func (w WakeState) String() string {
	switch w {
	case Unexpected:
		return "UNEXPECTED"
	case ReadySensors:
		return "READY_SENSORS"
	case TakeMeasurement:
		return "TAKE_MEASUREMENT"
	default:
		return fmt.Sprintf("WakeState(%d)", uint8(w))
	}
}

func (w WakeState) valid() bool {
	return w <= TakeMeasurement
}

// ResetCause is what the host reported as the reason for this boot.
type ResetCause int

const (
	ResetUnknown ResetCause = iota
	ResetPowerOn
	ResetExternal
	ResetSoftware
	ResetPanic
	ResetWatchdog
	ResetDeepSleep
	ResetBrownout
)

var resetNames = map[ResetCause]string{
	ResetUnknown:   "unknown reset",
	ResetPowerOn:   "power-on event",
	ResetExternal:  "external pin reset",
	ResetSoftware:  "software API reset",
	ResetPanic:     "exception/panic reset",
	ResetWatchdog:  "watchdog reset",
	ResetDeepSleep: "exiting deep sleep reset",
	ResetBrownout:  "brownout reset",
}

func (r ResetCause) String() string {
	if n, ok := resetNames[r]; ok {
		return n
	}
	return resetNames[ResetUnknown]
}

// ParseResetCause accepts the short names used on the command line.
func ParseResetCause(s string) (ResetCause, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "poweron", "power-on", "cold":
		return ResetPowerOn, nil
	case "external", "ext":
		return ResetExternal, nil
	case "software", "sw", "restart":
		return ResetSoftware, nil
	case "panic":
		return ResetPanic, nil
	case "watchdog", "wdt":
		return ResetWatchdog, nil
	case "deepsleep", "deep-sleep", "sleep", "timer":
		return ResetDeepSleep, nil
	case "brownout":
		return ResetBrownout, nil
	case "unknown", "":
		return ResetUnknown, nil
	}
	return ResetUnknown, fmt.Errorf("unknown reset cause [%v]", s)
}

// PersistedState is everything carried from one boot to the next. It lives in
// memory that survives low power but not a full power loss.
type PersistedState struct {
	Wake            WakeState
	MeasurementTime time.Time
	NextRTCSync     time.Time
}

func (p PersistedState) String() string {
	return fmt.Sprintf("wake=%v measurement=%v next_rtc_sync=%v",
		p.Wake, unixOrZero(p.MeasurementTime), unixOrZero(p.NextRTCSync))
}

func unixOrZero(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
