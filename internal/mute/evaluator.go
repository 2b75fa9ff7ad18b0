// Package mute answers whether an instant falls inside a recipient's mute
// window for a bucket. Everything here is pure.
package mute

import (
	"slices"
	"time"

	"github.com/bark-labs/bark-notify-hub/internal/model"
)

// State is the snooze configuration of one user-bucket subscription.
type State struct {
	SnoozeUntil *time.Time
	Schedules   []model.SnoozeSchedule
	Location    *time.Location
}

// StateOf builds a State from a stored subscription. fallback is used when
// the subscription has no timezone or an unknown one.
func StateOf(ub *model.UserBucket, fallback *time.Location) State {
	if fallback == nil {
		fallback = time.UTC
	}
	if ub == nil {
		return State{Location: fallback}
	}
	loc := fallback
	if ub.Timezone != "" {
		if l, err := time.LoadLocation(ub.Timezone); err == nil {
			loc = l
		}
	}
	return State{SnoozeUntil: ub.SnoozeUntil, Schedules: ub.Snoozes, Location: loc}
}

// Source is one reason an instant may be muted.
type Source interface {
	Mutes(instant time.Time, loc *time.Location) bool
}

// Absolute mutes everything strictly before Until.
type Absolute struct {
	Until time.Time
}

func (a Absolute) Mutes(instant time.Time, _ *time.Location) bool {
	return instant.Before(a.Until)
}

// Recurring mutes inside a weekly wall-clock window.
type Recurring struct {
	Schedule model.SnoozeSchedule
}

func (r Recurring) Mutes(instant time.Time, loc *time.Location) bool {
	s := r.Schedule
	if !s.IsEnabled || len(s.Days) == 0 {
		return false
	}
	from, err := ParseClock(s.TimeFrom)
	if err != nil {
		return false
	}
	till, err := ParseClock(s.TimeTill)
	if err != nil {
		return false
	}
	if loc == nil {
		loc = time.UTC
	}
	local := instant.In(loc)
	m := local.Hour()*60 + local.Minute()
	day := local.Weekday()

	switch {
	case from == till:
		return false
	case from < till:
		return m >= from && m < till && slices.Contains(s.Days, day)
	case m >= from:
		// evening part belongs to the listed day
		return slices.Contains(s.Days, day)
	case m < till:
		// morning part belongs to the day after a listed day
		return slices.Contains(s.Days, (day+6)%7)
	default:
		return false
	}
}

// Sources lists the mute sources of a state, absolute snooze first.
func Sources(state State) []Source {
	out := make([]Source, 0, len(state.Schedules)+1)
	if state.SnoozeUntil != nil {
		out = append(out, Absolute{Until: *state.SnoozeUntil})
	}
	for _, s := range state.Schedules {
		out = append(out, Recurring{Schedule: s})
	}
	return out
}

// IsMuted reports whether any source mutes instant.
func IsMuted(state State, instant time.Time) bool {
	for _, src := range Sources(state) {
		if src.Mutes(instant, state.Location) {
			return true
		}
	}
	return false
}

// NextChange finds the first instant after from, within horizon, at which
// IsMuted flips. Schedules have minute resolution, so minute boundaries plus
// the absolute snooze instant are the only candidates.
func NextChange(state State, from time.Time, horizon time.Duration) (time.Time, bool) {
	initial := IsMuted(state, from)
	end := from.Add(horizon)
	prev := from
	for t := from.Truncate(time.Minute).Add(time.Minute); !t.After(end); t = t.Add(time.Minute) {
		if su := state.SnoozeUntil; su != nil && su.After(prev) && su.Before(t) && IsMuted(state, *su) != initial {
			return *su, true
		}
		if IsMuted(state, t) != initial {
			return t, true
		}
		prev = t
	}
	return time.Time{}, false
}
