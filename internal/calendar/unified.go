package calendar

import (
	"errors"
	"fmt"
	"time"

	"transit-departures/internal/gtfs"
)

type Exception int8

const (
	Added   Exception = 1
	Removed Exception = 2
)

var ErrUnknownException = errors.New("unknown calendar exception type")

// ExceptionFromCode maps a calendar_dates.exception_type value.
func ExceptionFromCode(code int16) (Exception, error) {
	switch code {
	case 1:
		return Added, nil
	case 2:
		return Removed, nil
	}
	return 0, fmt.Errorf("%w: %d", ErrUnknownException, code)
}

// Weekly is the calendar.txt part of a service.
type Weekly struct {
	Days      [7]bool // indexed by time.Weekday
	StartDate Date
	EndDate   Date
}

// Unified merges a weekly calendar with its date exceptions. Either part may
// be absent.
type Unified struct {
	ServiceID  string
	Weekly     *Weekly
	Exceptions map[Date]Exception
}

// Active reports whether the service runs on d. Dates outside the weekly
// calendar's range are never active; inside it an exception overrides the
// weekday bit. A service made only of exceptions runs on its Added dates.
func (u *Unified) Active(d Date) bool {
	if u.Weekly != nil {
		if d.Before(u.Weekly.StartDate) || d.After(u.Weekly.EndDate) {
			return false
		}
	}
	if ex, ok := u.Exceptions[d]; ok {
		return ex == Added
	}
	if u.Weekly == nil {
		return false
	}
	return u.Weekly.Days[d.Weekday()]
}

// ByChateau is chateau -> service id -> calendar.
type ByChateau map[string]map[string]*Unified

func (b ByChateau) Lookup(chateau, serviceID string) (*Unified, bool) {
	u, ok := b[chateau][serviceID]
	return u, ok
}

// Build assembles unified calendars from calendar and calendar_dates rows.
// An unrecognised exception type is a data contract violation and fails the
// whole build.
func Build(cals []gtfs.Calendar, dates []gtfs.CalendarDate) (ByChateau, error) {
	out := make(ByChateau)
	bucket := func(chateau string) map[string]*Unified {
		m, ok := out[chateau]
		if !ok {
			m = make(map[string]*Unified)
			out[chateau] = m
		}
		return m
	}

	for _, c := range cals {
		var days [7]bool
		days[time.Monday] = c.Monday
		days[time.Tuesday] = c.Tuesday
		days[time.Wednesday] = c.Wednesday
		days[time.Thursday] = c.Thursday
		days[time.Friday] = c.Friday
		days[time.Saturday] = c.Saturday
		days[time.Sunday] = c.Sunday
		bucket(c.Chateau)[c.ServiceID] = &Unified{
			ServiceID: c.ServiceID,
			Weekly: &Weekly{
				Days:      days,
				StartDate: DateOf(c.StartDate),
				EndDate:   DateOf(c.EndDate),
			},
		}
	}

	for _, cd := range dates {
		ex, err := ExceptionFromCode(cd.ExceptionType)
		if err != nil {
			return nil, fmt.Errorf("service %s/%s on %s: %w", cd.Chateau, cd.ServiceID, DateOf(cd.Date), err)
		}
		services := bucket(cd.Chateau)
		u, ok := services[cd.ServiceID]
		if !ok {
			u = &Unified{ServiceID: cd.ServiceID}
			services[cd.ServiceID] = u
		}
		if u.Exceptions == nil {
			u.Exceptions = make(map[Date]Exception)
		}
		u.Exceptions[DateOf(cd.Date)] = ex
	}
	return out, nil
}
