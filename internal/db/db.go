package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"transit-departures/internal/gtfs"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

func Ping(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

// QueryObserver receives the duration and outcome of every store query.
type QueryObserver interface {
	ObserveQuery(name string, d time.Duration, err error)
}

// Store reads the static schedule tables of the gtfs schema.
type Store struct {
	db  *sql.DB
	obs QueryObserver
}

func NewStore(db *sql.DB, obs QueryObserver) *Store {
	return &Store{db: db, obs: obs}
}

func (s *Store) observe(name string, start time.Time, errp *error) {
	if s.obs != nil {
		s.obs.ObserveQuery(name, time.Since(start), *errp)
	}
}

// NearbyStops returns query-eligible stops with a point within radiusDeg
// degrees of (lat, lon).
func (s *Store) NearbyStops(ctx context.Context, lat, lon, radiusDeg float64) (stops []gtfs.Stop, err error) {
	defer s.observe("nearby_stops", time.Now(), &err)

	q := `
SELECT chateau, gtfs_id, name, COALESCE(displayname, ''), COALESCE(code, ''),
       ST_Y(point::geometry), ST_X(point::geometry), COALESCE(timezone, '')
FROM gtfs.stops
WHERE point IS NOT NULL
  AND allowed_spatial_query = TRUE
  AND ST_DWithin(point, ST_SetSRID(ST_MakePoint($1, $2), 4326), $3)`

	rows, err := s.db.QueryContext(ctx, q, lon, lat, radiusDeg)
	if err != nil {
		return nil, fmt.Errorf("query stops: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		st := gtfs.Stop{HasPoint: true, AllowedSpatialQuery: true}
		if err := rows.Scan(&st.Chateau, &st.StopID, &st.Name, &st.DisplayName, &st.Code, &st.Lat, &st.Lon, &st.Timezone); err != nil {
			return nil, fmt.Errorf("scan stop: %w", err)
		}
		stops = append(stops, st)
	}
	return stops, rows.Err()
}

// DirectionPatternsNear joins direction pattern rows to the eligible stops
// within radiusDeg of (lat, lon), with the route each pattern belongs to.
func (s *Store) DirectionPatternsNear(ctx context.Context, lat, lon, radiusDeg float64) (out []gtfs.DirectionPatternRow, err error) {
	defer s.observe("direction_patterns", time.Now(), &err)

	q := `
SELECT dp.chateau, dp.direction_pattern_id, dp.stop_id, dp.stop_sequence,
       COALESCE(dpm.route_id, ''), COALESCE(dpm.route_type, 3)
FROM gtfs.direction_pattern dp
JOIN gtfs.stops s
  ON dp.chateau = s.chateau AND dp.stop_id = s.gtfs_id AND dp.attempt_id = s.attempt_id
LEFT JOIN gtfs.direction_pattern_meta dpm
  ON dpm.chateau = dp.chateau AND dpm.direction_pattern_id = dp.direction_pattern_id
WHERE s.allowed_spatial_query = TRUE
  AND ST_DWithin(s.point, ST_SetSRID(ST_MakePoint($1, $2), 4326), $3)`

	rows, err := s.db.QueryContext(ctx, q, lon, lat, radiusDeg)
	if err != nil {
		return nil, fmt.Errorf("query direction patterns: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var r gtfs.DirectionPatternRow
		if err := rows.Scan(&r.Chateau, &r.DirectionPatternID, &r.StopID, &r.StopSequence, &r.RouteID, &r.RouteType); err != nil {
			return nil, fmt.Errorf("scan direction pattern: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ItineraryRows fetches the itinerary pattern rows matching the exact
// (chateau, direction pattern, stop sequence) triples, joined with their meta.
func (s *Store) ItineraryRows(ctx context.Context, keys []gtfs.AnchorKey) (out []gtfs.ItineraryPatternRow, err error) {
	if len(keys) == 0 {
		return nil, nil
	}
	defer s.observe("itinerary_rows", time.Now(), &err)

	chateaus := make([]string, len(keys))
	directions := make([]string, len(keys))
	sequences := make([]int32, len(keys))
	for i, k := range keys {
		chateaus[i] = k.Chateau
		directions[i] = k.DirectionPatternID
		sequences[i] = int32(k.StopSequence)
	}

	q := `
SELECT ip.chateau, ip.itinerary_pattern_id, ip.stop_sequence, ip.stop_id,
       ip.arrival_time_since_start, ip.departure_time_since_start, ip.interpolated_time_since_start,
       COALESCE(ip.gtfs_stop_sequence, ip.stop_sequence),
       ipm.direction_pattern_id, ipm.route_id, COALESCE(ipm.trip_headsign, ''), ipm.timezone
FROM gtfs.itinerary_pattern ip
JOIN gtfs.itinerary_pattern_meta ipm
  ON ipm.itinerary_pattern_id = ip.itinerary_pattern_id
 AND ipm.onestop_feed_id = ip.onestop_feed_id
 AND ipm.attempt_id = ip.attempt_id
 AND ipm.chateau = ip.chateau
JOIN unnest($1::text[], $2::text[], $3::int[]) AS want(chateau, direction_pattern_id, stop_sequence)
  ON want.chateau = ipm.chateau
 AND want.direction_pattern_id = ipm.direction_pattern_id
 AND want.stop_sequence = ip.stop_sequence`

	rows, err := s.db.QueryContext(ctx, q, chateaus, directions, sequences)
	if err != nil {
		return nil, fmt.Errorf("query itinerary patterns: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var r gtfs.ItineraryPatternRow
		var arr, dep, interp sql.NullInt32
		if err := rows.Scan(&r.Chateau, &r.ItineraryPatternID, &r.StopSequence, &r.StopID,
			&arr, &dep, &interp, &r.GTFSStopSequence,
			&r.DirectionPatternID, &r.RouteID, &r.TripHeadsign, &r.Timezone); err != nil {
			return nil, fmt.Errorf("scan itinerary pattern: %w", err)
		}
		r.ArrivalTimeSinceStart = nullInt32(arr)
		r.DepartureTimeSinceStart = nullInt32(dep)
		r.InterpolatedTimeSinceStart = nullInt32(interp)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) TripsForItineraries(ctx context.Context, chateau string, itineraryIDs []string) (out []gtfs.CompressedTrip, err error) {
	defer s.observe("trips_compressed", time.Now(), &err)

	q := `
SELECT chateau, trip_id, itinerary_pattern_id, service_id, COALESCE(trip_short_name, ''), frequencies
FROM gtfs.trips_compressed
WHERE chateau = $1 AND itinerary_pattern_id = ANY($2)`

	rows, err := s.db.QueryContext(ctx, q, chateau, itineraryIDs)
	if err != nil {
		return nil, fmt.Errorf("query trips for %s: %w", chateau, err)
	}
	defer rows.Close()
	for rows.Next() {
		var t gtfs.CompressedTrip
		if err := rows.Scan(&t.Chateau, &t.TripID, &t.ItineraryPatternID, &t.ServiceID, &t.TripShortName, &t.Frequencies); err != nil {
			return nil, fmt.Errorf("scan trip: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) Calendars(ctx context.Context, chateau string, serviceIDs []string) (out []gtfs.Calendar, err error) {
	defer s.observe("calendar", time.Now(), &err)

	q := `
SELECT chateau, service_id, monday, tuesday, wednesday, thursday, friday, saturday, sunday,
       gtfs_start_date, gtfs_end_date
FROM gtfs.calendar
WHERE chateau = $1 AND service_id = ANY($2)`

	rows, err := s.db.QueryContext(ctx, q, chateau, serviceIDs)
	if err != nil {
		return nil, fmt.Errorf("query calendar for %s: %w", chateau, err)
	}
	defer rows.Close()
	for rows.Next() {
		var c gtfs.Calendar
		if err := rows.Scan(&c.Chateau, &c.ServiceID, &c.Monday, &c.Tuesday, &c.Wednesday, &c.Thursday,
			&c.Friday, &c.Saturday, &c.Sunday, &c.StartDate, &c.EndDate); err != nil {
			return nil, fmt.Errorf("scan calendar: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) CalendarDates(ctx context.Context, chateau string, serviceIDs []string) (out []gtfs.CalendarDate, err error) {
	defer s.observe("calendar_dates", time.Now(), &err)

	q := `
SELECT chateau, service_id, gtfs_date, exception_type
FROM gtfs.calendar_dates
WHERE chateau = $1 AND service_id = ANY($2)`

	rows, err := s.db.QueryContext(ctx, q, chateau, serviceIDs)
	if err != nil {
		return nil, fmt.Errorf("query calendar_dates for %s: %w", chateau, err)
	}
	defer rows.Close()
	for rows.Next() {
		var cd gtfs.CalendarDate
		if err := rows.Scan(&cd.Chateau, &cd.ServiceID, &cd.Date, &cd.ExceptionType); err != nil {
			return nil, fmt.Errorf("scan calendar_date: %w", err)
		}
		out = append(out, cd)
	}
	return out, rows.Err()
}

func (s *Store) Routes(ctx context.Context, chateau string, routeIDs []string) (out []gtfs.Route, err error) {
	defer s.observe("routes", time.Now(), &err)

	q := `
SELECT chateau, route_id, COALESCE(short_name, ''), COALESCE(long_name, ''),
       COALESCE(color, ''), COALESCE(text_color, ''), route_type
FROM gtfs.routes
WHERE chateau = $1 AND route_id = ANY($2)`

	rows, err := s.db.QueryContext(ctx, q, chateau, routeIDs)
	if err != nil {
		return nil, fmt.Errorf("query routes for %s: %w", chateau, err)
	}
	defer rows.Close()
	for rows.Next() {
		var r gtfs.Route
		if err := rows.Scan(&r.Chateau, &r.RouteID, &r.ShortName, &r.LongName, &r.Color, &r.TextColor, &r.RouteType); err != nil {
			return nil, fmt.Errorf("scan route: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullInt32(v sql.NullInt32) *int32 {
	if !v.Valid {
		return nil
	}
	x := v.Int32
	return &x
}
