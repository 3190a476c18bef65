// Package pushpath forwards upstream realtime feeds to the authority node
// that owns them.
package pushpath

import (
	"context"
	"errors"
	"fmt"
	"time"

	gtfsrt "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"google.golang.org/protobuf/proto"

	"transit-departures/internal/config"
	"transit-departures/internal/directory"
	"transit-departures/internal/logger"
	"transit-departures/internal/rpc"
)

// Outcomes of one push, also used as the metrics label.
const (
	OutcomeOK             = "ok"
	OutcomeNoAssignment   = "no_assignment"
	OutcomeDirectoryError = "directory_error"
	OutcomeFetchError     = "fetch_error"
	OutcomeInvalidPayload = "invalid_payload"
	OutcomeRPCError       = "rpc_error"
)

type Directory interface {
	LookupFeed(ctx context.Context, feedID string) (directory.FeedAssignment, error)
}

type Source interface {
	Fetch(ctx context.Context, feed config.Feed) ([]byte, int, error)
}

type Pusher interface {
	PushRealtime(ctx context.Context, node directory.Node, req rpc.PushRequest) error
}

type Metrics interface {
	Push(outcome string)
}

type Adapter struct {
	dir     Directory
	source  Source
	pusher  Pusher
	metrics Metrics
	log     logger.Logger
	now     func() time.Time
}

func NewAdapter(dir Directory, source Source, pusher Pusher, m Metrics, log logger.Logger) *Adapter {
	if log == nil {
		log = logger.Nop()
	}
	return &Adapter{dir: dir, source: source, pusher: pusher, metrics: m, log: log, now: time.Now}
}

// Push resolves feed's owner, fetches the feed once and submits it. It never
// retries and never returns an error: failures are logged and counted, and
// the outcome is returned for the caller's information.
func (a *Adapter) Push(ctx context.Context, feed config.Feed) string {
	log := a.log.With("feed_id", feed.FeedID)
	outcome, err := a.push(ctx, feed, log)
	if a.metrics != nil {
		a.metrics.Push(outcome)
	}
	if err != nil {
		log.Warn("realtime push failed", "outcome", outcome, "error", err)
	}
	return outcome
}

func (a *Adapter) push(ctx context.Context, feed config.Feed, log logger.Logger) (string, error) {
	asg, err := a.dir.LookupFeed(ctx, feed.FeedID)
	if err != nil {
		if errors.Is(err, directory.ErrNoAssignment) {
			return OutcomeNoAssignment, err
		}
		return OutcomeDirectoryError, err
	}

	fetchCtx, cancel := context.WithTimeout(ctx, feed.Timeout())
	body, status, err := a.source.Fetch(fetchCtx, feed)
	cancel()
	if err != nil {
		return OutcomeFetchError, err
	}

	var msg gtfsrt.FeedMessage
	if err := proto.Unmarshal(body, &msg); err != nil {
		return OutcomeInvalidPayload, fmt.Errorf("decode feed: %w", err)
	}

	// one combined upstream feed fills both the vehicle and trip slots
	vehiclesCode, tripsCode := status, status
	req := rpc.PushRequest{
		ChateauID:            asg.ChateauID,
		FeedID:               feed.FeedID,
		VehiclePositions:     body,
		TripUpdates:          body,
		HasVehicles:          true,
		HasTrips:             true,
		VehiclesResponseCode: &vehiclesCode,
		TripsResponseCode:    &tripsCode,
		TimeOfSubmissionMs:   uint64(a.now().UnixMilli()),
	}
	if err := a.pusher.PushRealtime(ctx, asg.Node, req); err != nil {
		return OutcomeRPCError, fmt.Errorf("push to %s: %w", asg.NodeID, err)
	}

	log.Debug("realtime pushed",
		"chateau", asg.ChateauID, "node_id", asg.NodeID,
		"bytes", len(body), "entities", len(msg.GetEntity()))
	return OutcomeOK, nil
}
