package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses a duration string from the config, treating
// an empty value as zero (meaning: use the component default).
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseHHMM parses a daily "HH:MM" time as an offset from midnight.
func ParseHHMM(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	var hh, mm int
	if _, err := fmt.Sscanf(s, "%d:%d", &hh, &mm); err != nil {
		return 0, fmt.Errorf("%s: want HH:MM, got %q", path, raw)
	}
	if hh < 0 || hh > 23 || mm < 0 || mm > 59 {
		return 0, fmt.Errorf("%s: out of range: %q", path, raw)
	}
	return time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute, nil
}
