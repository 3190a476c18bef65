// Package authority is a development authority node: it keeps the latest
// pushed trip-update feed of each chateau in memory and answers live
// trip-update queries from it.
package authority

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	gtfsrt "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"google.golang.org/protobuf/proto"

	"transit-departures/internal/directory"
	"transit-departures/internal/logger"
	"transit-departures/internal/rpc"
)

var ErrNotServed = errors.New("chateau not served by this node")

type Node struct {
	id       string
	chateaus map[string]bool
	log      logger.Logger

	mu     sync.RWMutex
	latest map[string]map[string]*gtfsrt.FeedMessage // chateau -> feed id -> feed
}

var _ rpc.Handler = (*Node)(nil)

func NewNode(id string, chateaus []string, log logger.Logger) *Node {
	if log == nil {
		log = logger.Nop()
	}
	served := make(map[string]bool, len(chateaus))
	for _, c := range chateaus {
		served[c] = true
	}
	return &Node{id: id, chateaus: served, log: log, latest: make(map[string]map[string]*gtfsrt.FeedMessage)}
}

// PushRealtime replaces the stored feed for (chateau, feed id). The trip
// slot is preferred; a push with only vehicle data uses that slot.
func (n *Node) PushRealtime(_ context.Context, req rpc.PushRequest) error {
	if !n.chateaus[req.ChateauID] {
		return fmt.Errorf("%w: %s", ErrNotServed, req.ChateauID)
	}
	var raw []byte
	switch {
	case req.HasTrips:
		raw = req.TripUpdates
	case req.HasVehicles:
		raw = req.VehiclePositions
	default:
		return nil
	}
	var feed gtfsrt.FeedMessage
	if err := proto.Unmarshal(raw, &feed); err != nil {
		return fmt.Errorf("decode feed %s: %w", req.FeedID, err)
	}

	n.mu.Lock()
	byFeed := n.latest[req.ChateauID]
	if byFeed == nil {
		byFeed = make(map[string]*gtfsrt.FeedMessage)
		n.latest[req.ChateauID] = byFeed
	}
	byFeed[req.FeedID] = &feed
	n.mu.Unlock()

	n.log.Debug("feed stored", "chateau", req.ChateauID, "feed_id", req.FeedID, "entities", len(feed.GetEntity()))
	return nil
}

// TripUpdates returns the stored updates of the requested trips across every
// feed of chateau. An empty trip list returns all of them.
func (n *Node) TripUpdates(_ context.Context, chateau string, tripIDs []string) (*gtfsrt.FeedMessage, error) {
	if !n.chateaus[chateau] {
		return nil, fmt.Errorf("%w: %s", ErrNotServed, chateau)
	}
	want := make(map[string]bool, len(tripIDs))
	for _, id := range tripIDs {
		want[id] = true
	}

	out := &gtfsrt.FeedMessage{Header: &gtfsrt.FeedHeader{GtfsRealtimeVersion: proto.String("2.0")}}

	n.mu.RLock()
	defer n.mu.RUnlock()
	feedIDs := make([]string, 0, len(n.latest[chateau]))
	for id := range n.latest[chateau] {
		feedIDs = append(feedIDs, id)
	}
	sort.Strings(feedIDs)

	for _, id := range feedIDs {
		feed := n.latest[chateau][id]
		if ts := feed.GetHeader().GetTimestamp(); ts > out.GetHeader().GetTimestamp() {
			out.Header.Timestamp = proto.Uint64(ts)
		}
		for _, e := range feed.GetEntity() {
			tu := e.GetTripUpdate()
			if tu == nil || e.GetIsDeleted() {
				continue
			}
			if len(want) > 0 && !want[tu.GetTrip().GetTripId()] {
				continue
			}
			out.Entity = append(out.Entity, e)
		}
	}
	return out, nil
}

// Putter writes registry keys.
type Putter interface {
	Put(ctx context.Context, key string, v interface{}) error
}

// Register announces the node as the authority for its chateaus and for the
// given feeds (feed id -> chateau).
func (n *Node) Register(ctx context.Context, reg Putter, address string, feeds map[string]string) error {
	chateaus := make([]string, 0, len(n.chateaus))
	for c := range n.chateaus {
		chateaus = append(chateaus, c)
	}
	sort.Strings(chateaus)

	for _, c := range chateaus {
		node := directory.Node{ChateauID: c, NodeID: n.id, Address: address}
		if err := reg.Put(ctx, directory.AuthorityKey(c), node); err != nil {
			return err
		}
	}
	for feedID, c := range feeds {
		if !n.chateaus[c] {
			return fmt.Errorf("feed %s: %w: %s", feedID, ErrNotServed, c)
		}
		asg := directory.FeedAssignment{FeedID: feedID, Node: directory.Node{ChateauID: c, NodeID: n.id, Address: address}}
		if err := reg.Put(ctx, directory.FeedKey(feedID), asg); err != nil {
			return err
		}
	}
	n.log.Info("registered authority", "node_id", n.id, "chateaus", chateaus, "feeds", len(feeds))
	return nil
}
