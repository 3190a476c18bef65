package departures

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	gtfsrt "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"

	"transit-departures/internal/calendar"
	"transit-departures/internal/gtfs"
)

// Reasons a chateau falls back to the static schedule.
const (
	degradedDirectory = "directory"
	degradedRPC       = "rpc"
)

// liveUpdates indexes trip updates by (chateau, trip id). A frequency trip
// may have one update per running instance.
type liveUpdates map[ref][]*gtfsrt.TripUpdate

// fetchLive asks every chateau's authority node for its trips, all chateaus
// at once. A chateau whose lookup or call fails contributes nothing.
func (s *Service) fetchLive(ctx context.Context, dir Directory, tripIDs map[string][]string) liveUpdates {
	out := make(liveUpdates)
	if dir == nil || s.live == nil {
		return out
	}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for chateau, ids := range tripIDs {
		if len(ids) == 0 {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			updates, ok := s.fetchChateau(ctx, dir, chateau, ids)
			if !ok {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			for _, tu := range updates {
				k := ref{Chateau: chateau, ID: tu.GetTrip().GetTripId()}
				out[k] = append(out[k], tu)
			}
		}()
	}
	wg.Wait()
	return out
}

func (s *Service) fetchChateau(ctx context.Context, dir Directory, chateau string, ids []string) ([]*gtfsrt.TripUpdate, bool) {
	node, err := dir.Lookup(ctx, chateau)
	if err != nil {
		s.degrade(chateau, degradedDirectory, err)
		return nil, false
	}
	updates, err := s.live.FetchTripUpdates(ctx, node, chateau, ids)
	if err != nil {
		s.degrade(chateau, degradedRPC, fmt.Errorf("node %s: %w", node.NodeID, err))
		return nil, false
	}
	return updates, true
}

func (s *Service) degrade(chateau, reason string, err error) {
	s.log.Warn("serving static schedule only", "chateau", chateau, "reason", reason, "error", err)
	if s.metrics != nil {
		s.metrics.PartitionDegraded(reason)
	}
}

// departure is one merged departure before grouping.
type departure struct {
	route     ref
	direction string
	headsign  string
	at        time.Time // realtime if known, else scheduled
	trip      DepartingTrip
}

// merge expands every trip set into its departures at the anchor stop,
// applies live data and keeps those inside the recheck window.
func merge(sets []gtfs.ValidTripSet, live liveUpdates, at time.Time) []departure {
	lo, hi := calendar.SearchWindow.Bounds(at)
	var out []departure
	for _, set := range sets {
		ref0 := set.ReferenceStartOfServiceDate
		serviceDate := calendar.DateOf(set.ServiceDate)
		updates := live[ref{Chateau: set.Chateau, ID: set.TripID}]

		for _, row := range set.ItineraryRows {
			offset := row.TimeSinceStart()
			instants := calendar.Instances(ref0, calendar.Trip{
				TimeSinceStart: offset,
				Location:       ref0.Location(),
				Frequencies:    set.Frequencies,
			}, lo, hi, 0)

			for _, t := range instants {
				start := t.Add(-offset)
				dt := DepartingTrip{
					ChateauID:     set.Chateau,
					TripID:        set.TripID,
					TripShortName: set.TripShortName,
					StopID:        row.StopID,
					ServiceDate:   serviceDate.String(),
					IsFrequency:   len(set.Frequencies) > 0,
				}
				startTime := ""
				if dt.IsFrequency {
					startTime = clock(start.Sub(ref0))
					dt.FrequencyStartTime = startTime
				}
				dt.ArrivalSchedule = atOffset(start, row.ArrivalTimeSinceStart)
				dt.DepartureSchedule = atOffset(start, row.DepartureTimeSinceStart)
				if dt.ArrivalSchedule == nil && dt.DepartureSchedule == nil {
					dt.DepartureSchedule = unix(t)
				}

				applyRealtime(&dt, matchUpdate(updates, serviceDate.Compact(), startTime), row)

				effective := effectiveTime(dt)
				if !calendar.RecheckWindow.Contains(at, effective) {
					continue
				}
				out = append(out, departure{
					route:     ref{Chateau: set.Chateau, ID: row.RouteID},
					direction: set.DirectionPatternID,
					headsign:  row.TripHeadsign,
					at:        effective,
					trip:      dt,
				})
			}
		}
	}
	return out
}

// matchUpdate picks the update for one trip instance. Updates naming another
// service date, or another start time of a frequency trip, are skipped.
func matchUpdate(updates []*gtfsrt.TripUpdate, serviceDate, startTime string) *gtfsrt.TripUpdate {
	for _, tu := range updates {
		td := tu.GetTrip()
		if d := td.GetStartDate(); d != "" && d != serviceDate {
			continue
		}
		if startTime != "" {
			if st := td.GetStartTime(); st != "" && st != startTime {
				continue
			}
		}
		return tu
	}
	return nil
}

// stopUpdate finds the stop time update for row, by stop id first and then
// by stop sequence.
func stopUpdate(tu *gtfsrt.TripUpdate, row gtfs.ItineraryPatternRow) *gtfsrt.TripUpdate_StopTimeUpdate {
	for _, stu := range tu.GetStopTimeUpdate() {
		if stu.StopId != nil && stu.GetStopId() == row.StopID {
			return stu
		}
	}
	for _, stu := range tu.GetStopTimeUpdate() {
		if stu.StopSequence != nil && int(stu.GetStopSequence()) == row.GTFSStopSequence {
			return stu
		}
	}
	return nil
}

func applyRealtime(dt *DepartingTrip, tu *gtfsrt.TripUpdate, row gtfs.ItineraryPatternRow) {
	if tu == nil {
		return
	}
	if tu.GetTrip().GetScheduleRelationship() == gtfsrt.TripDescriptor_CANCELED {
		dt.Canceled = true
	}

	stu := stopUpdate(tu, row)
	if stu == nil {
		if tu.Delay != nil {
			dt.ArrivalRealtime = shifted(dt.ArrivalSchedule, tu.GetDelay())
			dt.DepartureRealtime = shifted(dt.DepartureSchedule, tu.GetDelay())
		}
		return
	}
	if stu.GetScheduleRelationship() == gtfsrt.TripUpdate_StopTimeUpdate_SKIPPED {
		dt.Canceled = true
	}
	dt.ArrivalRealtime = eventTime(stu.GetArrival(), dt.ArrivalSchedule)
	dt.DepartureRealtime = eventTime(stu.GetDeparture(), dt.DepartureSchedule)
	// an arrival delay carries over to a departure without its own estimate
	if arr := stu.GetArrival(); dt.DepartureRealtime == nil && arr != nil && arr.Delay != nil {
		dt.DepartureRealtime = shifted(dt.DepartureSchedule, arr.GetDelay())
	}
}

// eventTime prefers the absolute time of ev and otherwise applies its delay
// to the scheduled time.
func eventTime(ev *gtfsrt.TripUpdate_StopTimeEvent, scheduled *int64) *int64 {
	if ev == nil {
		return nil
	}
	if ev.Time != nil && ev.GetTime() > 0 {
		t := ev.GetTime()
		return &t
	}
	if ev.Delay != nil {
		return shifted(scheduled, ev.GetDelay())
	}
	return nil
}

func shifted(scheduled *int64, delay int32) *int64 {
	if scheduled == nil {
		return nil
	}
	t := *scheduled + int64(delay)
	return &t
}

func effectiveTime(dt DepartingTrip) time.Time {
	for _, v := range []*int64{dt.DepartureRealtime, dt.ArrivalRealtime, dt.DepartureSchedule, dt.ArrivalSchedule} {
		if v != nil {
			return time.Unix(*v, 0)
		}
	}
	return time.Time{}
}

func atOffset(start time.Time, secs *int32) *int64 {
	if secs == nil {
		return nil
	}
	return unix(start.Add(time.Duration(*secs) * time.Second))
}

func unix(t time.Time) *int64 {
	v := t.Unix()
	return &v
}

// clock renders an offset from the start of the service day as HH:MM:SS,
// with hours past 24 kept as GTFS does.
func clock(d time.Duration) string {
	secs := int64(d / time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", secs/3600, secs%3600/60, secs%60)
}

// group arranges departures by route, then direction, then headsign, each
// trip list in departure order.
func group(deps []departure, routes map[ref]gtfs.Route) []RouteGroup {
	type headsignKey struct{ direction, headsign string }
	byRoute := make(map[ref]map[headsignKey][]departure)
	first := make(map[ref]time.Time)
	for _, d := range deps {
		hs := byRoute[d.route]
		if hs == nil {
			hs = make(map[headsignKey][]departure)
			byRoute[d.route] = hs
		}
		k := headsignKey{direction: d.direction, headsign: d.headsign}
		hs[k] = append(hs[k], d)
		if f, ok := first[d.route]; !ok || d.at.Before(f) {
			first[d.route] = d.at
		}
	}

	keys := make([]ref, 0, len(byRoute))
	for k := range byRoute {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if !first[keys[i]].Equal(first[keys[j]]) {
			return first[keys[i]].Before(first[keys[j]])
		}
		if keys[i].Chateau != keys[j].Chateau {
			return keys[i].Chateau < keys[j].Chateau
		}
		return keys[i].ID < keys[j].ID
	})

	out := make([]RouteGroup, 0, len(keys))
	for _, k := range keys {
		meta := routes[k]
		rg := RouteGroup{
			ChateauID:      k.Chateau,
			RouteID:        k.ID,
			RouteColor:     meta.Color,
			RouteTextColor: meta.TextColor,
			RouteShortName: meta.ShortName,
			RouteLongName:  meta.LongName,
			RouteType:      meta.RouteType,
		}

		hsKeys := make([]headsignKey, 0, len(byRoute[k]))
		for hk := range byRoute[k] {
			hsKeys = append(hsKeys, hk)
		}
		sort.Slice(hsKeys, func(i, j int) bool {
			if hsKeys[i].direction != hsKeys[j].direction {
				return hsKeys[i].direction < hsKeys[j].direction
			}
			return hsKeys[i].headsign < hsKeys[j].headsign
		})

		for _, hk := range hsKeys {
			trips := byRoute[k][hk]
			sort.SliceStable(trips, func(i, j int) bool {
				if !trips[i].at.Equal(trips[j].at) {
					return trips[i].at.Before(trips[j].at)
				}
				return trips[i].trip.TripID < trips[j].trip.TripID
			})
			hg := HeadsignGroup{Headsign: hk.headsign, Trips: make([]DepartingTrip, len(trips))}
			for i, d := range trips {
				hg.Trips[i] = d.trip
			}
			if n := len(rg.Directions); n > 0 && rg.Directions[n-1].DirectionID == hk.direction {
				rg.Directions[n-1].Headsigns = append(rg.Directions[n-1].Headsigns, hg)
			} else {
				rg.Directions = append(rg.Directions, DirectionGroup{DirectionID: hk.direction, Headsigns: []HeadsignGroup{hg}})
			}
		}
		out = append(out, rg)
	}
	return out
}
