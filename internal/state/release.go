package state

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var releaseIDPattern = regexp.MustCompile(`^[0-9]{4}_[0-9]{3}$`)

// ValidateReleaseID checks that id is formatted as YYYY_NNN.
func ValidateReleaseID(id string) error {
	if !releaseIDPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidReleaseID, id)
	}
	return nil
}

// SplitReleaseID returns the year and the sequence number of a release id,
// e.g. "2024" and "012" for "2024_012".
func SplitReleaseID(id string) (year, number string, err error) {
	if err := ValidateReleaseID(id); err != nil {
		return "", "", err
	}
	year, number, _ = strings.Cut(id, "_")
	return year, number, nil
}

// NextReleaseID returns the id following the highest existing release of the
// given year, or YYYY_001 when there is none.
func NextReleaseID(existing []string, year int) string {
	prefix := fmt.Sprintf("%04d_", year)
	highest := 0
	for _, id := range existing {
		if !strings.HasPrefix(id, prefix) || ValidateReleaseID(id) != nil {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(id, prefix))
		if err == nil && n > highest {
			highest = n
		}
	}
	return fmt.Sprintf("%s%03d", prefix, highest+1)
}

// NextMonday returns the first Monday strictly after day, the default
// roll-out date of a new release.
func NextMonday(day time.Time) time.Time {
	offset := 8 - isoWeekday(day)
	y, m, d := day.Date()
	return time.Date(y, m, d+offset, 0, 0, 0, 0, day.Location())
}

func isoWeekday(t time.Time) int {
	wd := int(t.Weekday())
	if wd == 0 {
		return 7
	}
	return wd
}

// ParseReleaseDate parses a YYYY-MM-DD roll-out date.
func ParseReleaseDate(s string) (time.Time, error) {
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("release date must be formatted as YYYY-MM-DD: %w", err)
	}
	return t, nil
}
