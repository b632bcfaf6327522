package config

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// degMinPattern matches a degrees-minutes coordinate of the form
// N37°33.81' or W122°13.13'.
var degMinPattern = regexp.MustCompile(`(?i)^([NSEW])(\d+)°\s*(\d+(?:\.\d+)?)'?`)

// ParseCoordinate parses a coordinate string in either decimal degrees
// ("37.5637125", "-122.2189855") or degrees-minutes ("N37°33.81'",
// "W122°13.13'") notation.
func ParseCoordinate(raw string) (float64, error) {
	s := strings.TrimSpace(raw)

	if v, err := strconv.ParseFloat(s, 64); err == nil {
		return v, nil
	}

	m := degMinPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid coordinate format %q: expected decimal (37.5637125) or degrees-minutes (N37°33.81')", raw)
	}

	direction := strings.ToUpper(m[1])
	degrees, err := strconv.ParseFloat(m[2], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid coordinate %q: %w", raw, err)
	}
	minutes, err := strconv.ParseFloat(m[3], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid coordinate %q: %w", raw, err)
	}
	if degrees < 0 || degrees > 180 {
		return 0, fmt.Errorf("invalid coordinate %q: degrees out of range (0-180): %v", raw, degrees)
	}
	if minutes < 0 || minutes >= 60 {
		return 0, fmt.Errorf("invalid coordinate %q: minutes out of range (0-60): %v", raw, minutes)
	}

	decimal := degrees + minutes/60.0
	if direction == "S" || direction == "W" {
		decimal = -decimal
	}
	return decimal, nil
}
