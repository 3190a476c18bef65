// Package departures answers "what leaves near this point soon": it finds
// nearby stops, resolves the scheduled trips serving them, and merges in
// live predictions from each chateau's authority node.
package departures

import (
	"context"
	"fmt"
	"sort"
	"time"

	gtfsrt "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"

	"transit-departures/internal/calendar"
	"transit-departures/internal/directory"
	"transit-departures/internal/gtfs"
	"transit-departures/internal/logger"
)

// Store is the static schedule in the spatial database.
type Store interface {
	NearbyStops(ctx context.Context, lat, lon, radiusDeg float64) ([]gtfs.Stop, error)
	DirectionPatternsNear(ctx context.Context, lat, lon, radiusDeg float64) ([]gtfs.DirectionPatternRow, error)
	ItineraryRows(ctx context.Context, keys []gtfs.AnchorKey) ([]gtfs.ItineraryPatternRow, error)
	TripsForItineraries(ctx context.Context, chateau string, itineraryIDs []string) ([]gtfs.CompressedTrip, error)
	Calendars(ctx context.Context, chateau string, serviceIDs []string) ([]gtfs.Calendar, error)
	CalendarDates(ctx context.Context, chateau string, serviceIDs []string) ([]gtfs.CalendarDate, error)
	Routes(ctx context.Context, chateau string, routeIDs []string) ([]gtfs.Route, error)
}

// Directory finds the authority node of a chateau. It is passed per request
// and must not cache between requests.
type Directory interface {
	Lookup(ctx context.Context, chateau string) (directory.Node, error)
}

// LiveClient fetches live trip updates from an authority node.
type LiveClient interface {
	FetchTripUpdates(ctx context.Context, node directory.Node, chateau string, tripIDs []string) ([]*gtfsrt.TripUpdate, error)
}

type Metrics interface {
	PartitionDegraded(reason string)
	TripDropped(reason string)
}

type Service struct {
	store   Store
	live    LiveClient
	metrics Metrics
	log     logger.Logger
	now     func() time.Time
}

func New(store Store, live LiveClient, m Metrics, log logger.Logger) *Service {
	if log == nil {
		log = logger.Nop()
	}
	return &Service{store: store, live: live, metrics: m, log: log, now: time.Now}
}

type Query struct {
	Lat float64
	Lon float64
	At  time.Time // zero means now
}

type Response struct {
	StopsSearched          int                           `json:"number_of_stops_searched_through"`
	BusLimitedMetres       float64                       `json:"bus_limited_metres"`
	RailOtherLimitedMetres float64                       `json:"rail_and_other_limited_metres"`
	Departures             []RouteGroup                  `json:"departures"`
	StopReference          map[string]map[string]StopRef `json:"stop_reference"`
	Debug                  Debug                         `json:"debug_info"`
}

type Debug struct {
	DirectionsCount  int `json:"directions_count"`
	ItinerariesCount int `json:"itineraries_count"`
}

type StopRef struct {
	Name        string  `json:"name"`
	DisplayName string  `json:"display_name,omitempty"`
	Code        string  `json:"code,omitempty"`
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
	Timezone    string  `json:"timezone,omitempty"`
	DistanceM   float64 `json:"distance_m"`
}

type RouteGroup struct {
	ChateauID      string           `json:"chateau_id"`
	RouteID        string           `json:"route_id"`
	RouteColor     string           `json:"route_color"`
	RouteTextColor string           `json:"route_text_color"`
	RouteShortName string           `json:"route_short_name,omitempty"`
	RouteLongName  string           `json:"route_long_name,omitempty"`
	RouteType      int16            `json:"route_type"`
	Directions     []DirectionGroup `json:"directions"`
}

type DirectionGroup struct {
	DirectionID string          `json:"direction_id"`
	Headsigns   []HeadsignGroup `json:"headsigns"`
}

type HeadsignGroup struct {
	Headsign string          `json:"headsign"`
	Trips    []DepartingTrip `json:"trips"`
}

// DepartingTrip is one departure of one trip from its anchor stop. Times
// are unix seconds; realtime fields are absent when no live data matched.
type DepartingTrip struct {
	ChateauID          string `json:"chateau_id"`
	TripID             string `json:"trip_id"`
	TripShortName      string `json:"trip_short_name,omitempty"`
	StopID             string `json:"stop_id"`
	ServiceDate        string `json:"gtfs_schedule_start_day"`
	IsFrequency        bool   `json:"is_frequency"`
	FrequencyStartTime string `json:"gtfs_frequency_start_time,omitempty"`
	DepartureSchedule  *int64 `json:"departure_schedule,omitempty"`
	DepartureRealtime  *int64 `json:"departure_realtime,omitempty"`
	ArrivalSchedule    *int64 `json:"arrival_schedule,omitempty"`
	ArrivalRealtime    *int64 `json:"arrival_realtime,omitempty"`
	Canceled           bool   `json:"canceled,omitempty"`
}

// Nearby resolves the departures near q. Store failures and malformed
// calendars fail the request; a chateau whose node cannot be found or
// reached is served from the static schedule alone.
func (s *Service) Nearby(ctx context.Context, dir Directory, q Query) (*Response, error) {
	at := q.At
	if at.IsZero() {
		at = s.now()
	}

	sorted, limits, err := s.locate(ctx, q.Lat, q.Lon)
	if err != nil {
		return nil, err
	}
	resp := &Response{
		StopsSearched:          len(sorted),
		BusLimitedMetres:       limits.BusM,
		RailOtherLimitedMetres: limits.OtherM,
		Departures:             []RouteGroup{},
		StopReference:          map[string]map[string]StopRef{},
	}
	if len(sorted) == 0 {
		return resp, nil
	}

	anchors, it, err := s.walk(ctx, q.Lat, q.Lon, sorted, limits)
	if err != nil {
		return nil, err
	}
	resp.Debug = Debug{DirectionsCount: len(anchors), ItinerariesCount: len(it.rows)}
	if len(it.rows) == 0 {
		return resp, nil
	}

	sch, err := s.fetchSchedule(ctx, it, routeIDs(it))
	if err != nil {
		return nil, err
	}
	cals, err := calendar.Build(sch.calendars, sch.dates)
	if err != nil {
		return nil, fmt.Errorf("calendars: %w", err)
	}

	ex := s.expand(sch.trips, it, cals, at)
	live := s.fetchLive(ctx, dir, ex.tripIDs)
	deps := merge(ex.sets, live, at)

	resp.Departures = group(deps, sch.routes)
	resp.StopReference = stopReference(deps, sorted)
	return resp, nil
}

func routeIDs(it itineraries) map[string][]string {
	out := make(map[string][]string)
	seen := make(map[ref]bool)
	for _, rows := range it.rows {
		for _, r := range rows {
			k := ref{Chateau: r.Chateau, ID: r.RouteID}
			if r.RouteID == "" || seen[k] {
				continue
			}
			seen[k] = true
			out[r.Chateau] = append(out[r.Chateau], r.RouteID)
		}
	}
	for _, ids := range out {
		sort.Strings(ids)
	}
	return out
}

func stopReference(deps []departure, sorted []gtfs.StopDistance) map[string]map[string]StopRef {
	used := make(map[ref]bool)
	for _, d := range deps {
		used[ref{Chateau: d.trip.ChateauID, ID: d.trip.StopID}] = true
	}
	out := make(map[string]map[string]StopRef)
	for _, st := range sorted {
		if !used[ref{Chateau: st.Chateau, ID: st.StopID}] {
			continue
		}
		if out[st.Chateau] == nil {
			out[st.Chateau] = make(map[string]StopRef)
		}
		out[st.Chateau][st.StopID] = StopRef{
			Name:        st.Name,
			DisplayName: st.DisplayName,
			Code:        st.Code,
			Lat:         st.Lat,
			Lon:         st.Lon,
			Timezone:    st.Timezone,
			DistanceM:   st.DistanceM,
		}
	}
	return out
}
