// Package accounting turns per-user JOIN/LEAVE streams into billable days.
//
// The stream may be lossy. A user is assumed present from the start of the
// period until an event says otherwise, a LEAVE with no open interval is
// ignored, and time not covered by an open interval is counted as unused.
package accounting

import (
	"math"
	"sort"
	"time"
)

const secondsPerDay = 24 * 60 * 60

type Kind int

const (
	Join Kind = iota + 1
	Leave
)

type Event struct {
	Kind Kind
	At   time.Time
}

// Period is the half-open interval [Start, End).
type Period struct {
	Start time.Time
	End   time.Time
}

func (p Period) Valid() bool {
	return p.End.After(p.Start)
}

func (p Period) contains(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.End)
}

type UserUsage struct {
	Username      string `json:"username"`
	ActiveSeconds int64  `json:"active_seconds"`
	UnusedSeconds int64  `json:"unused_seconds"`
	ActiveDays    int64  `json:"active_days"`
	UnusedDays    int64  `json:"unused_days"`
}

type Result struct {
	Period        Period
	Users         []UserUsage
	BillableUnits int64
}

// Compute accounts every user in events. Users are listed by name and the
// billable quantity is the sum of each user's already rounded active days.
func Compute(period Period, events map[string][]Event) Result {
	names := make([]string, 0, len(events))
	for name := range events {
		names = append(names, name)
	}
	sort.Strings(names)

	res := Result{Period: period, Users: make([]UserUsage, 0, len(names))}
	for _, name := range names {
		u := ComputeUser(period, events[name])
		u.Username = name
		res.Users = append(res.Users, u)
		res.BillableUnits += u.ActiveDays
	}
	return res
}

// ComputeUser walks one user's events. Events outside the period are dropped.
func ComputeUser(period Period, events []Event) UserUsage {
	sorted := make([]Event, 0, len(events))
	for _, ev := range events {
		if period.contains(ev.At) {
			sorted = append(sorted, ev)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].At.Before(sorted[j].At) })

	var (
		active, unused time.Duration
		openSince      = period.Start
		open           = true
		last           = period.Start
	)

	for _, ev := range sorted {
		switch ev.Kind {
		case Join:
			// the user was absent until now
			if open {
				unused += ev.At.Sub(openSince)
			} else {
				unused += ev.At.Sub(last)
			}
			openSince = ev.At
			open = true
		case Leave:
			if open {
				active += ev.At.Sub(openSince)
				open = false
			}
		}
		last = ev.At
	}

	if open {
		active += period.End.Sub(openSince)
	} else {
		unused += period.End.Sub(last)
	}

	activeSec := int64(active / time.Second)
	unusedSec := int64(unused / time.Second)
	return UserUsage{
		ActiveSeconds: activeSec,
		UnusedSeconds: unusedSec,
		ActiveDays:    toDays(activeSec),
		UnusedDays:    toDays(unusedSec),
	}
}

func toDays(seconds int64) int64 {
	return int64(math.Round(float64(seconds) / secondsPerDay))
}
