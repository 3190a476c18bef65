package departures

import (
	"context"
	"errors"
	"sync"
	"time"

	gtfsrt "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"google.golang.org/protobuf/proto"

	"transit-departures/internal/directory"
	"transit-departures/internal/gtfs"
)

// fakeStore answers the schedule queries from in-memory rows, filtering
// them the way the SQL does.
type fakeStore struct {
	stops      []gtfs.Stop
	directions []gtfs.DirectionPatternRow
	itins      []gtfs.ItineraryPatternRow
	trips      []gtfs.CompressedTrip
	calendars  []gtfs.Calendar
	dates      []gtfs.CalendarDate
	routes     []gtfs.Route

	failOn string

	mu    sync.Mutex
	calls map[string]int
}

func (f *fakeStore) hit(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[name]++
	if f.failOn == name {
		return errors.New("connection reset by peer")
	}
	return nil
}

func (f *fakeStore) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func (f *fakeStore) NearbyStops(_ context.Context, _, _, _ float64) ([]gtfs.Stop, error) {
	if err := f.hit("stops"); err != nil {
		return nil, err
	}
	return f.stops, nil
}

func (f *fakeStore) DirectionPatternsNear(_ context.Context, _, _, _ float64) ([]gtfs.DirectionPatternRow, error) {
	if err := f.hit("directions"); err != nil {
		return nil, err
	}
	return f.directions, nil
}

func (f *fakeStore) ItineraryRows(_ context.Context, keys []gtfs.AnchorKey) ([]gtfs.ItineraryPatternRow, error) {
	if err := f.hit("itineraries"); err != nil {
		return nil, err
	}
	want := make(map[gtfs.AnchorKey]bool, len(keys))
	for _, k := range keys {
		want[k] = true
	}
	var out []gtfs.ItineraryPatternRow
	for _, r := range f.itins {
		if want[gtfs.AnchorKey{Chateau: r.Chateau, DirectionPatternID: r.DirectionPatternID, StopSequence: r.StopSequence}] {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeStore) TripsForItineraries(_ context.Context, chateau string, ids []string) ([]gtfs.CompressedTrip, error) {
	if err := f.hit("trips"); err != nil {
		return nil, err
	}
	var out []gtfs.CompressedTrip
	for _, t := range f.trips {
		if t.Chateau == chateau && contains(ids, t.ItineraryPatternID) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeStore) Calendars(_ context.Context, chateau string, ids []string) ([]gtfs.Calendar, error) {
	if err := f.hit("calendars"); err != nil {
		return nil, err
	}
	var out []gtfs.Calendar
	for _, c := range f.calendars {
		if c.Chateau == chateau && contains(ids, c.ServiceID) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeStore) CalendarDates(_ context.Context, chateau string, ids []string) ([]gtfs.CalendarDate, error) {
	if err := f.hit("calendar_dates"); err != nil {
		return nil, err
	}
	var out []gtfs.CalendarDate
	for _, d := range f.dates {
		if d.Chateau == chateau && contains(ids, d.ServiceID) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f *fakeStore) Routes(_ context.Context, chateau string, ids []string) ([]gtfs.Route, error) {
	if err := f.hit("routes"); err != nil {
		return nil, err
	}
	var out []gtfs.Route
	for _, r := range f.routes {
		if r.Chateau == chateau && contains(ids, r.RouteID) {
			out = append(out, r)
		}
	}
	return out, nil
}

// fakeDirectory maps chateaus to nodes; anything else has no assignment.
type fakeDirectory map[string]directory.Node

func (d fakeDirectory) Lookup(_ context.Context, chateau string) (directory.Node, error) {
	n, ok := d[chateau]
	if !ok {
		return directory.Node{}, directory.ErrNoAssignment
	}
	return n, nil
}

// fakeLive serves canned updates per node id; a node listed in down fails.
type fakeLive struct {
	updates map[string][]*gtfsrt.TripUpdate
	down    map[string]bool

	mu   sync.Mutex
	asks map[string][]string
}

func (l *fakeLive) FetchTripUpdates(_ context.Context, node directory.Node, chateau string, tripIDs []string) ([]*gtfsrt.TripUpdate, error) {
	l.mu.Lock()
	if l.asks == nil {
		l.asks = make(map[string][]string)
	}
	l.asks[chateau] = tripIDs
	l.mu.Unlock()

	if l.down[node.NodeID] {
		return nil, errors.New("nats: timeout")
	}
	return l.updates[node.NodeID], nil
}

type countingMetrics struct {
	mu       sync.Mutex
	degraded map[string]int
	dropped  map[string]int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{degraded: map[string]int{}, dropped: map[string]int{}}
}

func (m *countingMetrics) PartitionDegraded(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.degraded[reason]++
}

func (m *countingMetrics) TripDropped(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropped[reason]++
}

func secs(v int32) *int32 { return &v }

func day(y int, m time.Month, d int) time.Time { return time.Date(y, m, d, 0, 0, 0, 0, time.UTC) }

func allWeek(chateau, serviceID string) gtfs.Calendar {
	return gtfs.Calendar{
		Chateau: chateau, ServiceID: serviceID,
		Monday: true, Tuesday: true, Wednesday: true, Thursday: true, Friday: true, Saturday: true, Sunday: true,
		StartDate: day(2026, 1, 1), EndDate: day(2026, 12, 31),
	}
}

func delayAtStop(tripID, stopID string, delay int32) *gtfsrt.TripUpdate {
	return &gtfsrt.TripUpdate{
		Trip: &gtfsrt.TripDescriptor{TripId: proto.String(tripID)},
		StopTimeUpdate: []*gtfsrt.TripUpdate_StopTimeUpdate{{
			StopId:    proto.String(stopID),
			Departure: &gtfsrt.TripUpdate_StopTimeEvent{Delay: proto.Int32(delay)},
		}},
	}
}

// oneTripStore is a single chateau with one rail trip leaving stop s1
// departureOffset seconds after midnight UTC, every day of 2026.
func oneTripStore(chateau string, departureOffset int32) *fakeStore {
	return &fakeStore{
		stops: []gtfs.Stop{{Chateau: chateau, StopID: "s1", Name: "Central", Lat: 0.001, Lon: 0.001, HasPoint: true, AllowedSpatialQuery: true}},
		directions: []gtfs.DirectionPatternRow{
			{Chateau: chateau, DirectionPatternID: "d1", StopID: "s1", StopSequence: 3, RouteID: "r1", RouteType: 2},
		},
		itins: []gtfs.ItineraryPatternRow{{
			Chateau: chateau, ItineraryPatternID: "i1", StopSequence: 3, StopID: "s1",
			ArrivalTimeSinceStart: secs(departureOffset - 30), DepartureTimeSinceStart: secs(departureOffset),
			GTFSStopSequence: 30, DirectionPatternID: "d1", RouteID: "r1", TripHeadsign: "Harbour", Timezone: "UTC",
		}},
		trips:     []gtfs.CompressedTrip{{Chateau: chateau, TripID: "t1", ItineraryPatternID: "i1", ServiceID: "wk", TripShortName: "101"}},
		calendars: []gtfs.Calendar{allWeek(chateau, "wk")},
		routes:    []gtfs.Route{{Chateau: chateau, RouteID: "r1", ShortName: "R1", Color: "ff0000", TextColor: "ffffff", RouteType: 2}},
	}
}
