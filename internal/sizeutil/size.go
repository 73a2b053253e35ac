// Package sizeutil parses the human-friendly byte-size strings used in
// forwarder configuration (e.g. "2MB") into a concrete byte count.
package sizeutil

import (
	"strconv"
	"strings"
)

// Default is the connection buffer size used when a config omits
// conn_bufsize.
const Default = 2 * 1024 * 1024

var units = [...]string{"B", "KB", "MB", "GB", "TB"}

// Parse converts a string like "2MB", "512KB" or "128" (bytes, no unit)
// into a byte count. ok is false if s does not start with a non-negative
// integer or carries an unrecognized unit.
func Parse(s string) (n int, ok bool) {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i == 0 {
		return 0, false
	}
	v, err := strconv.Atoi(s[:i])
	if err != nil || v < 0 {
		return 0, false
	}
	unit := strings.ToUpper(strings.TrimSpace(s[i:]))
	if unit == "" {
		unit = "B"
	}
	mult := 1
	for _, u := range units {
		if u == unit {
			return v * mult, true
		}
		mult *= 1024
	}
	return 0, false
}
