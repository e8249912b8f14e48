package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

var intervalUnits = map[string]time.Duration{
	"s": time.Second, "sec": time.Second, "secs": time.Second, "second": time.Second, "seconds": time.Second,
	"m": time.Minute, "min": time.Minute, "mins": time.Minute, "minute": time.Minute, "minutes": time.Minute,
	"h": time.Hour, "hr": time.Hour, "hrs": time.Hour, "hour": time.Hour, "hours": time.Hour,
	"d": 24 * time.Hour, "day": 24 * time.Hour, "days": 24 * time.Hour,
}

// ParseInterval accepts human intervals such as "5 minutes" or "1 hour"
// as well as Go durations such as "90s".
func ParseInterval(s string) (time.Duration, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty interval")
	}
	if d, err := time.ParseDuration(s); err == nil {
		if d <= 0 {
			return 0, fmt.Errorf("interval must be positive: %q", s)
		}
		return d, nil
	}

	fields := strings.Fields(s)
	if len(fields) != 2 {
		return 0, fmt.Errorf("invalid interval %q", s)
	}
	n, err := strconv.ParseFloat(fields[0], 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid interval amount %q", fields[0])
	}
	unit, ok := intervalUnits[fields[1]]
	if !ok {
		return 0, fmt.Errorf("invalid interval unit %q", fields[1])
	}
	return time.Duration(n * float64(unit)), nil
}
