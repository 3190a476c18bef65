package calendar

import (
	"time"

	"transit-departures/internal/gtfs"
)

// Window is a span around a query instant.
type Window struct {
	Back    time.Duration
	Forward time.Duration
}

var (
	// SearchWindow selects which trips a departures query considers.
	SearchWindow = Window{Back: 5400 * time.Second, Forward: 12 * time.Hour}
	// RecheckWindow bounds merged (realtime or static) departure times.
	RecheckWindow = Window{Back: 2 * time.Hour, Forward: 12 * time.Hour}
)

func (w Window) Bounds(at time.Time) (lo, hi time.Time) {
	return at.Add(-w.Back), at.Add(w.Forward)
}

func (w Window) Contains(at, t time.Time) bool {
	lo, hi := w.Bounds(at)
	return !t.Before(lo) && !t.After(hi)
}

// Trip is what the resolver needs to know about one scheduled trip at one stop.
type Trip struct {
	TimeSinceStart time.Duration
	Location       *time.Location
	Frequencies    []gtfs.Frequency
}

func (t Trip) maxOffset() time.Duration {
	longest := t.TimeSinceStart
	for _, f := range t.Frequencies {
		if d := time.Duration(f.EndTime)*time.Second + t.TimeSinceStart; d > longest {
			longest = d
		}
	}
	return longest
}

// ServiceDay is one date the trip operates on inside a window, with the
// local-midnight instant its offsets are measured from.
type ServiceDay struct {
	Date      Date
	Reference time.Time
}

// FindServiceDays returns every active service day on which the trip reaches
// the stop within w around at. For frequency trips a day matches when any
// headway repetition lands in the window.
func FindServiceDays(u *Unified, trip Trip, at time.Time, w Window) []ServiceDay {
	if u == nil {
		return nil
	}
	loc := trip.Location
	if loc == nil {
		loc = time.UTC
	}
	lo, hi := w.Bounds(at)

	// One extra day either side absorbs DST shifts around midnight.
	first := DateOf(lo.Add(-trip.maxOffset()).In(loc)).AddDays(-1)
	last := DateOf(hi.In(loc)).AddDays(1)

	var days []ServiceDay
	for d := first; !d.After(last); d = d.AddDays(1) {
		if !u.Active(d) {
			continue
		}
		ref := d.Midnight(loc)
		if len(Instances(ref, trip, lo, hi, 1)) == 0 {
			continue
		}
		days = append(days, ServiceDay{Date: d, Reference: ref})
	}
	return days
}

// Instances lists the times the trip reaches the stop between lo and hi
// (inclusive) on the service day starting at ref, in ascending order per
// frequency entry. limit <= 0 means no limit.
func Instances(ref time.Time, trip Trip, lo, hi time.Time, limit int) []time.Time {
	if len(trip.Frequencies) == 0 {
		t := ref.Add(trip.TimeSinceStart)
		if t.Before(lo) || t.After(hi) {
			return nil
		}
		return []time.Time{t}
	}

	var out []time.Time
	for _, f := range trip.Frequencies {
		firstAt := ref.Add(time.Duration(f.StartTime)*time.Second + trip.TimeSinceStart)
		lastAt := ref.Add(time.Duration(f.EndTime)*time.Second + trip.TimeSinceStart)
		if f.EndTime < f.StartTime {
			continue
		}
		headway := time.Duration(f.HeadwaySecs) * time.Second
		if headway <= 0 {
			if !firstAt.Before(lo) && !firstAt.After(hi) {
				out = append(out, firstAt)
			}
			if limit > 0 && len(out) >= limit {
				return out
			}
			continue
		}

		// skip straight to the first repetition at or after lo
		t := firstAt
		if t.Before(lo) {
			k := (lo.Sub(firstAt) + headway - 1) / headway
			t = firstAt.Add(k * headway)
		}
		for ; !t.After(lastAt) && !t.After(hi); t = t.Add(headway) {
			out = append(out, t)
			if limit > 0 && len(out) >= limit {
				return out
			}
		}
	}
	return out
}
