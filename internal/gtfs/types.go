package gtfs

import "time"

// Stop is a row of gtfs.stops as seen by the spatial locator.
type Stop struct {
	Chateau             string
	StopID              string
	Name                string
	DisplayName         string
	Code                string
	Lat                 float64
	Lon                 float64
	HasPoint            bool
	AllowedSpatialQuery bool
	Timezone            string
}

// StopDistance is a stop paired with its haversine distance to the query point.
type StopDistance struct {
	Stop
	DistanceM float64
}

type DirectionPatternRow struct {
	Chateau            string
	DirectionPatternID string
	StopID             string
	StopSequence       int
	RouteID            string
	RouteType          int16
}

// AnchorKey selects the itinerary rows of one direction pattern at its nearest stop.
type AnchorKey struct {
	Chateau            string
	DirectionPatternID string
	StopSequence       int
}

type ItineraryPatternRow struct {
	Chateau                    string
	ItineraryPatternID         string
	StopSequence               int
	StopID                     string
	ArrivalTimeSinceStart      *int32
	DepartureTimeSinceStart    *int32
	InterpolatedTimeSinceStart *int32
	GTFSStopSequence           int
	DirectionPatternID         string
	RouteID                    string
	TripHeadsign               string
	Timezone                   string
}

// TimeSinceStart returns the authoritative offset of the row, preferring
// departure, then arrival, then interpolated, and zero when none is set.
func (r ItineraryPatternRow) TimeSinceStart() time.Duration {
	switch {
	case r.DepartureTimeSinceStart != nil:
		return time.Duration(*r.DepartureTimeSinceStart) * time.Second
	case r.ArrivalTimeSinceStart != nil:
		return time.Duration(*r.ArrivalTimeSinceStart) * time.Second
	case r.InterpolatedTimeSinceStart != nil:
		return time.Duration(*r.InterpolatedTimeSinceStart) * time.Second
	}
	return 0
}

type CompressedTrip struct {
	Chateau            string
	TripID             string
	ItineraryPatternID string
	ServiceID          string
	TripShortName      string
	Frequencies        []byte // encoded, see DecodeFrequencies
}

type Calendar struct {
	Chateau   string
	ServiceID string
	Monday    bool
	Tuesday   bool
	Wednesday bool
	Thursday  bool
	Friday    bool
	Saturday  bool
	Sunday    bool
	StartDate time.Time // date only, UTC midnight
	EndDate   time.Time
}

type CalendarDate struct {
	Chateau       string
	ServiceID     string
	Date          time.Time
	ExceptionType int16 // 1 added, 2 removed
}

type Route struct {
	Chateau   string
	RouteID   string
	ShortName string
	LongName  string
	Color     string
	TextColor string
	RouteType int16
}

// IsBus reports whether a GTFS route_type is bus-class, including the
// extended 700-series bus types.
func IsBus(routeType int16) bool {
	return routeType == 3 || (routeType >= 700 && routeType < 800)
}

// ValidTripSet is one trip resolved onto one concrete service date.
type ValidTripSet struct {
	Chateau                     string
	TripID                      string
	TripShortName               string
	ServiceDate                 time.Time
	ReferenceStartOfServiceDate time.Time
	ItineraryRows               []ItineraryPatternRow
	Frequencies                 []Frequency
	ItineraryPatternID          string
	DirectionPatternID          string
}
