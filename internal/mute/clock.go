package mute

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/bark-labs/bark-notify-hub/internal/model"
)

var (
	ErrInvalidClock = errors.New("invalid time of day")
	ErrInvalidDay   = errors.New("invalid weekday")
)

// ParseClock converts "HH:MM" into minutes since midnight (0..1439).
func ParseClock(s string) (int, error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("%w: %q, expected HH:MM", ErrInvalidClock, s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("%w: %q, invalid hour", ErrInvalidClock, s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("%w: %q, invalid minute", ErrInvalidClock, s)
	}
	return h*60 + m, nil
}

// FormatClock renders minutes since midnight as HH:MM.
func FormatClock(mins int) string {
	if mins < 0 {
		mins = 0
	}
	return fmt.Sprintf("%02d:%02d", (mins/60)%24, mins%60)
}

// ValidateSchedules rejects schedules that could never be evaluated.
// Stored schedules are not re-validated; a malformed one simply never matches.
func ValidateSchedules(schedules []model.SnoozeSchedule) error {
	for i, s := range schedules {
		if _, err := ParseClock(s.TimeFrom); err != nil {
			return fmt.Errorf("schedule %d timeFrom: %w", i, err)
		}
		if _, err := ParseClock(s.TimeTill); err != nil {
			return fmt.Errorf("schedule %d timeTill: %w", i, err)
		}
		for _, d := range s.Days {
			if d < time.Sunday || d > time.Saturday {
				return fmt.Errorf("schedule %d: %w: %d", i, ErrInvalidDay, d)
			}
		}
	}
	return nil
}

// NormalizeSchedules validates schedules and returns copies whose clock
// times are zero-padded HH:MM.
func NormalizeSchedules(schedules []model.SnoozeSchedule) ([]model.SnoozeSchedule, error) {
	if err := ValidateSchedules(schedules); err != nil {
		return nil, err
	}
	out := make([]model.SnoozeSchedule, len(schedules))
	for i, s := range schedules {
		from, _ := ParseClock(s.TimeFrom)
		till, _ := ParseClock(s.TimeTill)
		s.TimeFrom, s.TimeTill = FormatClock(from), FormatClock(till)
		s.Days = slices.Clone(s.Days)
		out[i] = s
	}
	return out, nil
}

// ValidateTZ checks that tz is a loadable IANA location.
func ValidateTZ(tz string) (string, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return "", err
	}
	return loc.String(), nil
}
