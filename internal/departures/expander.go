package departures

import (
	"time"

	"transit-departures/internal/calendar"
	"transit-departures/internal/gtfs"
)

// Reasons a candidate trip is dropped during expansion.
const (
	dropNoCalendar   = "no_calendar"
	dropNoItinerary  = "no_itinerary"
	dropBadFrequency = "bad_frequency"
	dropBadTimezone  = "bad_timezone"
)

// zones caches time zone lookups for one request.
type zones map[string]*time.Location

func (z zones) load(name string) (*time.Location, error) {
	if loc, ok := z[name]; ok {
		return loc, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, err
	}
	z[name] = loc
	return loc, nil
}

// expansion is the output of expand: the trip sets plus the valid trip ids
// per chateau.
type expansion struct {
	sets    []gtfs.ValidTripSet
	tripIDs map[string][]string
}

// expand resolves every candidate trip onto the service days on which it
// reaches its anchor stop inside the search window around at.
func (s *Service) expand(trips []gtfs.CompressedTrip, it itineraries, cals calendar.ByChateau, at time.Time) expansion {
	ex := expansion{
		tripIDs: make(map[string][]string),
	}
	tz := make(zones)
	drop := func(reason string) {
		if s.metrics != nil {
			s.metrics.TripDropped(reason)
		}
	}

	for _, trip := range trips {
		u, ok := cals.Lookup(trip.Chateau, trip.ServiceID)
		if !ok {
			drop(dropNoCalendar)
			continue
		}
		rows := it.rows[ref{Chateau: trip.Chateau, ID: trip.ItineraryPatternID}]
		if len(rows) == 0 {
			drop(dropNoItinerary)
			continue
		}
		freqs, _, err := gtfs.DecodeFrequencies(trip.Frequencies)
		if err != nil {
			s.log.Warn("dropping trip with unreadable frequencies",
				"chateau", trip.Chateau, "trip_id", trip.TripID, "error", err)
			drop(dropBadFrequency)
			continue
		}
		template := rows[0]
		loc, err := tz.load(template.Timezone)
		if err != nil {
			s.log.Warn("dropping trip with unknown timezone",
				"chateau", trip.Chateau, "trip_id", trip.TripID, "timezone", template.Timezone, "error", err)
			drop(dropBadTimezone)
			continue
		}

		days := calendar.FindServiceDays(u, calendar.Trip{
			TimeSinceStart: template.TimeSinceStart(),
			Location:       loc,
			Frequencies:    freqs,
		}, at, calendar.SearchWindow)
		if len(days) == 0 {
			continue
		}

		for _, d := range days {
			ex.sets = append(ex.sets, gtfs.ValidTripSet{
				Chateau:                     trip.Chateau,
				TripID:                      trip.TripID,
				TripShortName:               trip.TripShortName,
				ServiceDate:                 time.Date(d.Date.Year, d.Date.Month, d.Date.Day, 0, 0, 0, 0, time.UTC),
				ReferenceStartOfServiceDate: d.Reference,
				ItineraryRows:               rows,
				Frequencies:                 freqs,
				ItineraryPatternID:          trip.ItineraryPatternID,
				DirectionPatternID:          template.DirectionPatternID,
			})
		}
		ex.tripIDs[trip.Chateau] = append(ex.tripIDs[trip.Chateau], trip.TripID)
	}
	return ex
}
