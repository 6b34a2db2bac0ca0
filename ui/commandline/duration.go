package commandline

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// FormatDuration trims a duration to two decimals, so step timings render as
// "1.23s" instead of "1.234567s". Durations spanning several units, like
// "1h30m0s", come back the way Go formats them.
func FormatDuration(d time.Duration) string {
	s := d.String()
	unitAt := strings.IndexFunc(s, func(r rune) bool {
		return r != '.' && (r < '0' || r > '9')
	})
	if unitAt <= 0 {
		return s
	}
	value, err := strconv.ParseFloat(s[:unitAt], 64)
	if err != nil {
		return s
	}
	switch unit := s[unitAt:]; unit {
	case "ns", "µs", "ms", "s":
		return fmt.Sprintf("%.2f%s", value, unit)
	default:
		return s
	}
}
