package departures

import (
	"context"
	"errors"
	"testing"
	"time"

	gtfsrt "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"

	"transit-departures/internal/calendar"
	"transit-departures/internal/directory"
	"transit-departures/internal/gtfs"
	"transit-departures/internal/logger"
)

// 2026-06-10 is a Wednesday.
var noon = time.Date(2026, 6, 10, 12, 0, 0, 0, time.UTC)

const inThousandSeconds = 12*3600 + 1000

func onlyTrip(t *testing.T, resp *Response) DepartingTrip {
	t.Helper()
	require.Len(t, resp.Departures, 1)
	require.Len(t, resp.Departures[0].Directions, 1)
	require.Len(t, resp.Departures[0].Directions[0].Headsigns, 1)
	trips := resp.Departures[0].Directions[0].Headsigns[0].Trips
	require.Len(t, trips, 1)
	return trips[0]
}

func TestNearby_NoStops(t *testing.T) {
	store := &fakeStore{}
	svc := New(store, &fakeLive{}, nil, logger.Nop())

	resp, err := svc.Nearby(context.Background(), fakeDirectory{}, Query{Lat: 0, Lon: 0, At: noon})
	require.NoError(t, err)

	assert.Equal(t, 0, resp.StopsSearched)
	assert.NotNil(t, resp.Departures)
	assert.Empty(t, resp.Departures)
	assert.Empty(t, resp.StopReference)
	assert.Equal(t, 1, store.count("stops"))
	assert.Equal(t, 0, store.count("directions"))
}

func TestNearby_RealtimeDelayApplied(t *testing.T) {
	store := oneTripStore("metro", inThousandSeconds)
	live := &fakeLive{updates: map[string][]*gtfsrt.TripUpdate{
		"n1": {delayAtStop("t1", "s1", 120)},
	}}
	dir := fakeDirectory{"metro": {NodeID: "n1", Address: "nats://n1:4222"}}
	svc := New(store, live, nil, logger.Nop())

	resp, err := svc.Nearby(context.Background(), dir, Query{At: noon})
	require.NoError(t, err)

	trip := onlyTrip(t, resp)
	assert.Equal(t, "t1", trip.TripID)
	assert.Equal(t, "s1", trip.StopID)
	assert.Equal(t, "2026-06-10", trip.ServiceDate)
	require.NotNil(t, trip.DepartureSchedule)
	require.NotNil(t, trip.DepartureRealtime)
	assert.Equal(t, noon.Unix()+1000, *trip.DepartureSchedule)
	assert.Equal(t, noon.Unix()+1120, *trip.DepartureRealtime)
	assert.Nil(t, trip.ArrivalRealtime)

	rg := resp.Departures[0]
	assert.Equal(t, "metro", rg.ChateauID)
	assert.Equal(t, "r1", rg.RouteID)
	assert.Equal(t, "ff0000", rg.RouteColor)
	assert.Equal(t, "R1", rg.RouteShortName)
	assert.Equal(t, "d1", rg.Directions[0].DirectionID)
	assert.Equal(t, "Harbour", rg.Directions[0].Headsigns[0].Headsign)

	assert.Equal(t, "Central", resp.StopReference["metro"]["s1"].Name)
	assert.Equal(t, 1, resp.Debug.DirectionsCount)
	assert.Equal(t, 1, resp.Debug.ItinerariesCount)
	assert.Equal(t, []string{"t1"}, live.asks["metro"])
}

func TestNearby_NoLiveDataUsesStaticTime(t *testing.T) {
	store := oneTripStore("metro", inThousandSeconds)
	dir := fakeDirectory{"metro": {NodeID: "n1"}}
	svc := New(store, &fakeLive{}, nil, logger.Nop())

	resp, err := svc.Nearby(context.Background(), dir, Query{At: noon})
	require.NoError(t, err)

	trip := onlyTrip(t, resp)
	assert.Equal(t, noon.Unix()+1000, *trip.DepartureSchedule)
	assert.Nil(t, trip.DepartureRealtime)
}

func TestNearby_UnreachableNodeDegradesToStatic(t *testing.T) {
	tests := []struct {
		name   string
		dir    fakeDirectory
		reason string
	}{
		{name: "rpc failure", dir: fakeDirectory{"metro": {NodeID: "n1"}}, reason: "rpc"},
		{name: "no assignment", dir: fakeDirectory{}, reason: "directory"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newCountingMetrics()
			live := &fakeLive{down: map[string]bool{"n1": true}}
			svc := New(oneTripStore("metro", inThousandSeconds), live, m, logger.Nop())

			resp, err := svc.Nearby(context.Background(), tt.dir, Query{At: noon})
			require.NoError(t, err)

			trip := onlyTrip(t, resp)
			assert.Equal(t, noon.Unix()+1000, *trip.DepartureSchedule)
			assert.Nil(t, trip.DepartureRealtime)
			assert.Equal(t, 1, m.degraded[tt.reason])
		})
	}
}

type registryMap map[string]string

func (r registryMap) Get(_ context.Context, key string) ([]byte, error) {
	v, ok := r[key]
	if !ok {
		return nil, directory.ErrNoAssignment
	}
	return []byte(v), nil
}

func TestNearby_AssignmentWithoutAddressDegrades(t *testing.T) {
	m := newCountingMetrics()
	live := &fakeLive{updates: map[string][]*gtfsrt.TripUpdate{"n1": {delayAtStop("t1", "s1", 120)}}}
	dir := directory.NewClient(registryMap{directory.AuthorityKey("metro"): `{"node_id":"n1"}`})
	svc := New(oneTripStore("metro", inThousandSeconds), live, m, logger.Nop())

	resp, err := svc.Nearby(context.Background(), dir, Query{At: noon})
	require.NoError(t, err)

	trip := onlyTrip(t, resp)
	assert.Nil(t, trip.DepartureRealtime)
	assert.Equal(t, 1, m.degraded["directory"])
	assert.Empty(t, live.asks, "no call is made to a node without an address")
}

func TestNearby_OnlyFailingChateauDegrades(t *testing.T) {
	a := oneTripStore("a", inThousandSeconds)
	b := oneTripStore("b", inThousandSeconds+60)
	store := &fakeStore{
		stops:      append(a.stops, b.stops...),
		directions: append(a.directions, b.directions...),
		itins:      append(a.itins, b.itins...),
		trips:      append(a.trips, b.trips...),
		calendars:  append(a.calendars, b.calendars...),
		routes:     append(a.routes, b.routes...),
	}
	live := &fakeLive{
		updates: map[string][]*gtfsrt.TripUpdate{"na": {delayAtStop("t1", "s1", 30)}},
		down:    map[string]bool{"nb": true},
	}
	dir := fakeDirectory{"a": {NodeID: "na"}, "b": {NodeID: "nb"}}
	svc := New(store, live, nil, logger.Nop())

	resp, err := svc.Nearby(context.Background(), dir, Query{At: noon})
	require.NoError(t, err)
	require.Len(t, resp.Departures, 2)

	byChateau := map[string]DepartingTrip{}
	for _, rg := range resp.Departures {
		byChateau[rg.ChateauID] = rg.Directions[0].Headsigns[0].Trips[0]
	}
	require.NotNil(t, byChateau["a"].DepartureRealtime)
	assert.Equal(t, noon.Unix()+1030, *byChateau["a"].DepartureRealtime)
	assert.Nil(t, byChateau["b"].DepartureRealtime)
	assert.Equal(t, noon.Unix()+1060, *byChateau["b"].DepartureSchedule)

	// route groups come out in departure order
	assert.Equal(t, "a", resp.Departures[0].ChateauID)
}

func TestNearby_RemovedOnlyActiveWeekday(t *testing.T) {
	store := oneTripStore("metro", inThousandSeconds)
	store.calendars = []gtfs.Calendar{{
		Chateau: "metro", ServiceID: "wk", Wednesday: true,
		StartDate: day(2026, 1, 1), EndDate: day(2026, 12, 31),
	}}
	store.dates = []gtfs.CalendarDate{{Chateau: "metro", ServiceID: "wk", Date: day(2026, 6, 10), ExceptionType: 2}}
	live := &fakeLive{}
	svc := New(store, live, nil, logger.Nop())

	resp, err := svc.Nearby(context.Background(), fakeDirectory{"metro": {NodeID: "n1"}}, Query{At: noon})
	require.NoError(t, err)
	assert.Empty(t, resp.Departures)
	assert.Empty(t, live.asks, "no valid trips means no live fetch")

	cals, err := calendar.Build(store.calendars, store.dates)
	require.NoError(t, err)
	it := groupItineraries(store.itins)
	ex := svc.expand(store.trips, it, cals, noon)
	assert.Empty(t, ex.sets)
}

func TestNearby_StoreFailureFailsRequest(t *testing.T) {
	for _, query := range []string{"stops", "directions", "itineraries", "trips", "calendars", "calendar_dates", "routes"} {
		t.Run(query, func(t *testing.T) {
			store := oneTripStore("metro", inThousandSeconds)
			store.failOn = query
			svc := New(store, &fakeLive{}, nil, logger.Nop())

			resp, err := svc.Nearby(context.Background(), fakeDirectory{}, Query{At: noon})
			assert.Error(t, err)
			assert.Nil(t, resp)
		})
	}
}

func TestNearby_UnknownExceptionTypeFailsRequest(t *testing.T) {
	store := oneTripStore("metro", inThousandSeconds)
	store.dates = []gtfs.CalendarDate{{Chateau: "metro", ServiceID: "wk", Date: day(2026, 6, 10), ExceptionType: 7}}
	svc := New(store, &fakeLive{}, nil, logger.Nop())

	_, err := svc.Nearby(context.Background(), fakeDirectory{}, Query{At: noon})
	assert.True(t, errors.Is(err, calendar.ErrUnknownException))
}

func TestNearby_DroppedTrips(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*fakeStore)
		reason string
	}{
		{
			name:   "missing calendar",
			mutate: func(s *fakeStore) { s.calendars = nil },
			reason: "no_calendar",
		},
		{
			name:   "truncated frequencies",
			mutate: func(s *fakeStore) { s.trips[0].Frequencies = []byte{0x0a, 0x05, 0x08} },
			reason: "bad_frequency",
		},
		{
			name:   "unknown timezone",
			mutate: func(s *fakeStore) { s.itins[0].Timezone = "Mars/Olympus_Mons" },
			reason: "bad_timezone",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := oneTripStore("metro", inThousandSeconds)
			tt.mutate(store)
			m := newCountingMetrics()
			svc := New(store, &fakeLive{}, m, logger.Nop())

			resp, err := svc.Nearby(context.Background(), fakeDirectory{}, Query{At: noon})
			require.NoError(t, err)
			assert.Empty(t, resp.Departures)
			assert.Equal(t, 1, m.dropped[tt.reason])
		})
	}
}

func TestNearby_FrequencyTripInstances(t *testing.T) {
	store := oneTripStore("metro", 300)
	store.trips[0].Frequencies = gtfs.EncodeFrequencies([]gtfs.Frequency{
		{StartTime: 6 * 3600, EndTime: 22 * 3600, HeadwaySecs: 600},
	})
	live := &fakeLive{updates: map[string][]*gtfsrt.TripUpdate{"n1": {{
		Trip: &gtfsrt.TripDescriptor{TripId: proto.String("t1"), StartTime: proto.String("12:00:00"), StartDate: proto.String("20260610")},
		StopTimeUpdate: []*gtfsrt.TripUpdate_StopTimeUpdate{{
			StopSequence: proto.Uint32(30),
			Departure:    &gtfsrt.TripUpdate_StopTimeEvent{Time: proto.Int64(noon.Unix() + 420)},
		}},
	}}}}
	svc := New(store, live, nil, logger.Nop())

	resp, err := svc.Nearby(context.Background(), fakeDirectory{"metro": {NodeID: "n1"}}, Query{At: noon})
	require.NoError(t, err)
	require.Len(t, resp.Departures, 1)
	trips := resp.Departures[0].Directions[0].Headsigns[0].Trips

	// repeats leaving the stop from 10:35 through 22:05
	require.Len(t, trips, 70)
	assert.Equal(t, "10:30:00", trips[0].FrequencyStartTime)
	assert.Equal(t, "22:00:00", trips[len(trips)-1].FrequencyStartTime)

	var live1200 []DepartingTrip
	for _, tr := range trips {
		assert.True(t, tr.IsFrequency)
		if tr.DepartureRealtime != nil {
			live1200 = append(live1200, tr)
		}
	}
	require.Len(t, live1200, 1)
	assert.Equal(t, "12:00:00", live1200[0].FrequencyStartTime)
	assert.Equal(t, noon.Unix()+420, *live1200[0].DepartureRealtime)
}

func TestNearby_CanceledTripIsFlagged(t *testing.T) {
	store := oneTripStore("metro", inThousandSeconds)
	canceled := gtfsrt.TripDescriptor_CANCELED
	live := &fakeLive{updates: map[string][]*gtfsrt.TripUpdate{"n1": {{
		Trip: &gtfsrt.TripDescriptor{TripId: proto.String("t1"), ScheduleRelationship: &canceled},
	}}}}
	svc := New(store, live, nil, logger.Nop())

	resp, err := svc.Nearby(context.Background(), fakeDirectory{"metro": {NodeID: "n1"}}, Query{At: noon})
	require.NoError(t, err)
	trip := onlyTrip(t, resp)
	assert.True(t, trip.Canceled)
	assert.Nil(t, trip.DepartureRealtime)
}

func TestNearby_TripDelayFallback(t *testing.T) {
	store := oneTripStore("metro", inThousandSeconds)
	live := &fakeLive{updates: map[string][]*gtfsrt.TripUpdate{"n1": {{
		Trip:  &gtfsrt.TripDescriptor{TripId: proto.String("t1")},
		Delay: proto.Int32(-60),
	}}}}
	svc := New(store, live, nil, logger.Nop())

	resp, err := svc.Nearby(context.Background(), fakeDirectory{"metro": {NodeID: "n1"}}, Query{At: noon})
	require.NoError(t, err)
	trip := onlyTrip(t, resp)
	assert.Equal(t, noon.Unix()+940, *trip.DepartureRealtime)
	assert.Equal(t, noon.Unix()+910, *trip.ArrivalRealtime)
}

func TestNearby_DefaultsToNow(t *testing.T) {
	svc := New(oneTripStore("metro", inThousandSeconds), &fakeLive{}, nil, logger.Nop())
	svc.now = func() time.Time { return noon }

	resp, err := svc.Nearby(context.Background(), fakeDirectory{}, Query{})
	require.NoError(t, err)
	assert.Equal(t, noon.Unix()+1000, *onlyTrip(t, resp).DepartureSchedule)
}

func TestNearby_NilDirectoryServesStatic(t *testing.T) {
	svc := New(oneTripStore("metro", inThousandSeconds), &fakeLive{}, nil, logger.Nop())

	resp, err := svc.Nearby(context.Background(), nil, Query{At: noon})
	require.NoError(t, err)
	assert.Nil(t, onlyTrip(t, resp).DepartureRealtime)
}

var _ Directory = (*directory.Client)(nil)
