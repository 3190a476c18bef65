package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	gtfsrt "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/nats-io/nats.go"
	"google.golang.org/protobuf/proto"

	"transit-departures/internal/logger"
)

// Handler is implemented by an authority node.
type Handler interface {
	TripUpdates(ctx context.Context, chateau string, tripIDs []string) (*gtfsrt.FeedMessage, error)
	PushRealtime(ctx context.Context, req PushRequest) error
}

// ServerMetrics receives the duration and outcome of every answered call.
type ServerMetrics interface {
	RPCServed(method string, d time.Duration, err error)
}

// Server answers both methods for one node id.
type Server struct {
	subs []*nats.Subscription
}

type methodFunc func(context.Context, []byte) ([]byte, error)

// Serve subscribes h on nc. Several processes sharing a node id form a
// queue group and split the load.
func Serve(nc *nats.Conn, nodeID string, h Handler, timeout time.Duration, m ServerMetrics, log logger.Logger) (*Server, error) {
	if log == nil {
		log = logger.Nop()
	}
	s := &Server{}
	routes := map[string]methodFunc{
		MethodTripUpdates: func(ctx context.Context, data []byte) ([]byte, error) {
			return handleTripUpdates(ctx, h, data)
		},
		MethodPush: func(ctx context.Context, data []byte) ([]byte, error) {
			return nil, handlePush(ctx, h, data)
		},
	}
	for method, fn := range routes {
		sub, err := nc.QueueSubscribe(Subject(nodeID, method), nodeID, func(msg *nats.Msg) {
			if rerr := msg.RespondMsg(answer(method, fn, msg.Data, timeout, m, log)); rerr != nil {
				log.Error("rpc respond failed", "method", method, "error", rerr)
			}
		})
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("subscribe %s: %w", method, err)
		}
		s.subs = append(s.subs, sub)
	}
	return s, nil
}

// answer runs one call under timeout and builds its reply.
func answer(method string, fn methodFunc, data []byte, timeout time.Duration, m ServerMetrics, log logger.Logger) *nats.Msg {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	start := time.Now()
	body, err := fn(ctx, data)
	if m != nil {
		m.RPCServed(method, time.Since(start), err)
	}
	if err != nil {
		log.Warn("rpc call failed", "method", method, "error", err)
	}
	return reply(body, err)
}

func (s *Server) Close() {
	for _, sub := range s.subs {
		_ = sub.Unsubscribe()
	}
	s.subs = nil
}

func reply(body []byte, err error) *nats.Msg {
	m := &nats.Msg{Header: nats.Header{}, Data: body}
	if err != nil {
		m.Header.Set(headerStatus, statusError)
		m.Header.Set(headerError, err.Error())
		m.Data = nil
		return m
	}
	m.Header.Set(headerStatus, statusOK)
	return m
}

func handleTripUpdates(ctx context.Context, h Handler, data []byte) ([]byte, error) {
	var req TripUpdatesRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}
	if req.ChateauID == "" {
		return nil, fmt.Errorf("missing chateau_id")
	}
	feed, err := h.TripUpdates(ctx, req.ChateauID, req.TripIDs)
	if err != nil {
		return nil, err
	}
	return proto.Marshal(feed)
}

func handlePush(ctx context.Context, h Handler, data []byte) error {
	var req PushRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	if req.ChateauID == "" || req.FeedID == "" {
		return fmt.Errorf("push needs chateau_id and feed_id")
	}
	return h.PushRealtime(ctx, req)
}
