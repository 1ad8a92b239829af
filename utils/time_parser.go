package utils

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var durationPattern = regexp.MustCompile(`^(\d+)([smhdwMy])$`)

// Units accepted by ParseDuration. Months are 30 days and years 365 days.
var durationUnits = []struct {
	suffix string
	name   string
	d      time.Duration
}{
	{"y", "year", 365 * 24 * time.Hour},
	{"M", "month", 30 * 24 * time.Hour},
	{"w", "week", 7 * 24 * time.Hour},
	{"d", "day", 24 * time.Hour},
	{"h", "hour", time.Hour},
	{"m", "minute", time.Minute},
	{"s", "second", time.Second},
}

// ParseDuration reads moderation durations such as 30s, 45m, 2h, 7d, 2w, 3M or 1y.
// Case matters: "m" is minutes and "M" is months.
func ParseDuration(s string) (time.Duration, error) {
	match := durationPattern.FindStringSubmatch(strings.TrimSpace(s))
	if match == nil {
		return 0, fmt.Errorf("invalid duration %q, expected e.g. 30m, 2h, 7d", s)
	}
	n, err := strconv.Atoi(match[1])
	if err != nil {
		return 0, fmt.Errorf("invalid duration value: %s", match[1])
	}
	if n <= 0 {
		return 0, fmt.Errorf("duration must be positive: %s", s)
	}
	for _, u := range durationUnits {
		if u.suffix == match[2] {
			if int64(n) > math.MaxInt64/int64(u.d) {
				return 0, fmt.Errorf("duration too long: %s", s)
			}
			return time.Duration(n) * u.d, nil
		}
	}
	return 0, fmt.Errorf("unknown duration unit %q", match[2])
}

// FormatDuration renders a duration by its largest whole unit, e.g. "2 hours" or "1 month".
func FormatDuration(d time.Duration) string {
	for _, u := range durationUnits {
		if n := d / u.d; n > 0 {
			return plural(int64(n), u.name)
		}
	}
	return plural(0, "second")
}

func plural(n int64, unit string) string {
	if n == 1 {
		return fmt.Sprintf("%d %s", n, unit)
	}
	return fmt.Sprintf("%d %ss", n, unit)
}
