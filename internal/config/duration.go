package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// parseDuration reads a duration setting such as "1s" or "90m". A bare integer
// counts seconds. Empty and "0" yield def.
func parseDuration(key, raw string, def time.Duration) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" || s == "0" {
		return def, nil
	}

	var d time.Duration
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		d = time.Duration(n) * time.Second
	} else {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return 0, fmt.Errorf("%s: invalid duration %q", key, raw)
		}
		d = parsed
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: must not be negative, got %q", key, raw)
	}
	return d, nil
}
