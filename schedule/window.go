package schedule

import "time"

// NextBoundary returns the first multiple of window strictly after now.
func NextBoundary(now time.Time, window time.Duration) time.Time {
	w := int64(window / time.Second)
	if w <= 0 {
		return now
	}
	secs := now.Unix()
	next := (secs/w + 1) * w
	if secs < 0 && secs%w != 0 {
		next -= w
	}
	return time.Unix(next, 0).UTC()
}

// Aligned reports whether t sits exactly on a window boundary.
func Aligned(t time.Time, window time.Duration) bool {
	w := int64(window / time.Second)
	if w <= 0 || t.Nanosecond() != 0 {
		return false
	}
	return t.Unix()%w == 0
}

// UntilWake is how long to stay in low power. A wake time already passed
// means wake immediately.
func UntilWake(now, wake time.Time) time.Duration {
	d := wake.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}
