package departures

import (
	"context"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"transit-departures/internal/geo"
	"transit-departures/internal/gtfs"
)

// fanOutLimit caps concurrent store queries within one request.
const fanOutLimit = 8

// ref names an entity inside one chateau: a stop, direction pattern,
// itinerary pattern, route or service.
type ref struct {
	Chateau string
	ID      string
}

// Anchor is the stop a direction pattern is served from: the nearest stop
// of the pattern inside the distance limits.
type Anchor struct {
	StopID       string
	StopSequence int
	DistanceM    float64
	RouteID      string
	RouteType    int16
}

// groupByStop indexes direction pattern rows by the stop they visit.
func groupByStop(rows []gtfs.DirectionPatternRow) map[ref][]gtfs.DirectionPatternRow {
	out := make(map[ref][]gtfs.DirectionPatternRow)
	for _, r := range rows {
		k := ref{Chateau: r.Chateau, ID: r.StopID}
		out[k] = append(out[k], r)
	}
	return out
}

// AssignAnchors folds the distance-sorted stops into an anchor per direction
// pattern. A pattern keeps the first stop that reaches it, so with the
// stops nearest first every pattern ends up anchored at its closest stop.
func AssignAnchors(sorted []gtfs.StopDistance, byStop map[ref][]gtfs.DirectionPatternRow, limits Limits) map[ref]Anchor {
	anchors := make(map[ref]Anchor)
	for _, st := range sorted {
		for _, r := range byStop[ref{Chateau: st.Chateau, ID: st.StopID}] {
			k := ref{Chateau: r.Chateau, ID: r.DirectionPatternID}
			if _, taken := anchors[k]; taken {
				continue
			}
			if !limits.allows(r.RouteType, st.DistanceM) {
				continue
			}
			anchors[k] = Anchor{
				StopID:       r.StopID,
				StopSequence: r.StopSequence,
				DistanceM:    st.DistanceM,
				RouteID:      r.RouteID,
				RouteType:    r.RouteType,
			}
		}
	}
	return anchors
}

func anchorKeys(anchors map[ref]Anchor) []gtfs.AnchorKey {
	keys := make([]gtfs.AnchorKey, 0, len(anchors))
	for k, a := range anchors {
		keys = append(keys, gtfs.AnchorKey{
			Chateau:            k.Chateau,
			DirectionPatternID: k.ID,
			StopSequence:       a.StopSequence,
		})
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Chateau != keys[j].Chateau {
			return keys[i].Chateau < keys[j].Chateau
		}
		return keys[i].DirectionPatternID < keys[j].DirectionPatternID
	})
	return keys
}

// itineraries holds the anchored itinerary rows of one request.
type itineraries struct {
	rows      map[ref][]gtfs.ItineraryPatternRow
	byChateau map[string][]string // chateau -> itinerary ids
}

func groupItineraries(rows []gtfs.ItineraryPatternRow) itineraries {
	it := itineraries{
		rows:      make(map[ref][]gtfs.ItineraryPatternRow),
		byChateau: make(map[string][]string),
	}
	for _, r := range rows {
		k := ref{Chateau: r.Chateau, ID: r.ItineraryPatternID}
		if _, seen := it.rows[k]; !seen {
			it.byChateau[r.Chateau] = append(it.byChateau[r.Chateau], r.ItineraryPatternID)
		}
		it.rows[k] = append(it.rows[k], r)
	}
	for _, ids := range it.byChateau {
		sort.Strings(ids)
	}
	return it
}

// walk resolves the direction and itinerary patterns served by the sorted
// stops.
func (s *Service) walk(ctx context.Context, lat, lon float64, sorted []gtfs.StopDistance, limits Limits) (map[ref]Anchor, itineraries, error) {
	radiusDeg := geo.DegreesForDistance(lat, lon, limits.OtherM)
	rows, err := s.store.DirectionPatternsNear(ctx, lat, lon, radiusDeg)
	if err != nil {
		return nil, itineraries{}, fmt.Errorf("direction patterns: %w", err)
	}
	anchors := AssignAnchors(sorted, groupByStop(rows), limits)
	if len(anchors) == 0 {
		return anchors, groupItineraries(nil), nil
	}

	itinRows, err := s.store.ItineraryRows(ctx, anchorKeys(anchors))
	if err != nil {
		return nil, itineraries{}, fmt.Errorf("itinerary rows: %w", err)
	}
	return anchors, groupItineraries(itinRows), nil
}

// schedule is the static data fetched for the anchored itineraries.
type schedule struct {
	trips     []gtfs.CompressedTrip
	calendars []gtfs.Calendar
	dates     []gtfs.CalendarDate
	routes    map[ref]gtfs.Route
}

// fetchSchedule loads trips, then calendars, calendar dates and routes, with
// at most fanOutLimit queries of each batch in flight. Any failure fails the
// whole fetch.
func (s *Service) fetchSchedule(ctx context.Context, it itineraries, routeIDs map[string][]string) (*schedule, error) {
	trips, err := fetchEach(ctx, it.byChateau, s.store.TripsForItineraries)
	if err != nil {
		return nil, fmt.Errorf("trips: %w", err)
	}

	serviceIDs := make(map[string][]string)
	seen := make(map[ref]bool)
	for _, t := range trips {
		k := ref{Chateau: t.Chateau, ID: t.ServiceID}
		if seen[k] {
			continue
		}
		seen[k] = true
		serviceIDs[t.Chateau] = append(serviceIDs[t.Chateau], t.ServiceID)
	}

	sch := &schedule{trips: trips}
	var routes []gtfs.Route
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		sch.calendars, err = fetchEach(gctx, serviceIDs, s.store.Calendars)
		if err != nil {
			return fmt.Errorf("calendars: %w", err)
		}
		return nil
	})
	g.Go(func() (err error) {
		sch.dates, err = fetchEach(gctx, serviceIDs, s.store.CalendarDates)
		if err != nil {
			return fmt.Errorf("calendar dates: %w", err)
		}
		return nil
	})
	g.Go(func() (err error) {
		routes, err = fetchEach(gctx, routeIDs, s.store.Routes)
		if err != nil {
			return fmt.Errorf("routes: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sch.routes = make(map[ref]gtfs.Route, len(routes))
	for _, r := range routes {
		sch.routes[ref{Chateau: r.Chateau, ID: r.RouteID}] = r
	}
	return sch, nil
}

// fetchEach runs fetch once per chateau with a non-empty id list, at most
// fanOutLimit at a time, and concatenates the results in chateau order.
func fetchEach[T any](ctx context.Context, ids map[string][]string, fetch func(context.Context, string, []string) ([]T, error)) ([]T, error) {
	chateaus := make([]string, 0, len(ids))
	for c, list := range ids {
		if len(list) > 0 {
			chateaus = append(chateaus, c)
		}
	}
	sort.Strings(chateaus)

	parts := make([][]T, len(chateaus))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fanOutLimit)
	for i, c := range chateaus {
		g.Go(func() error {
			rows, err := fetch(gctx, c, ids[c])
			if err != nil {
				return err
			}
			parts[i] = rows
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []T
	for _, p := range parts {
		out = append(out, p...)
	}
	return out, nil
}
