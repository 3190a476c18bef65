package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	gtfsrt "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/nats-io/nats.go"
	"google.golang.org/protobuf/proto"

	"transit-departures/internal/directory"
	"transit-departures/internal/logger"
)

type ClientMetrics interface {
	RPCObserve(method string, d time.Duration, err error)
	RPCConnections(n int)
}

// Pool keeps one NATS connection per node address. Reuse is only an
// optimisation: every call is self-contained, so a dropped connection is
// simply redialled on the next call.
type Pool struct {
	connectTimeout time.Duration
	callTimeout    time.Duration
	metrics        ClientMetrics
	log            logger.Logger

	mu    sync.Mutex
	conns map[string]*nats.Conn
}

func NewPool(connectTimeout, callTimeout time.Duration, m ClientMetrics, log logger.Logger) *Pool {
	if log == nil {
		log = logger.Nop()
	}
	return &Pool{
		connectTimeout: connectTimeout,
		callTimeout:    callTimeout,
		metrics:        m,
		log:            log,
		conns:          make(map[string]*nats.Conn),
	}
}

func (p *Pool) conn(address string) (*nats.Conn, error) {
	p.mu.Lock()
	nc, ok := p.conns[address]
	p.mu.Unlock()
	if ok && !nc.IsClosed() {
		return nc, nil
	}

	// dial outside the lock so one dead node does not stall the others
	fresh, err := nats.Connect(address,
		nats.Name("transit-departures"),
		nats.Timeout(p.connectTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			p.log.Warn("rpc connection disconnected", "address", address, "error", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			p.log.Info("rpc connection reconnected", "address", address)
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			p.log.Debug("rpc connection closed", "address", address)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", address, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.conns[address]; ok && !existing.IsClosed() {
		fresh.Close()
		return existing, nil
	}
	p.conns[address] = fresh
	if p.metrics != nil {
		p.metrics.RPCConnections(len(p.conns))
	}
	return fresh, nil
}

func (p *Pool) call(ctx context.Context, node directory.Node, method string, payload interface{}) (resp *nats.Msg, err error) {
	start := time.Now()
	defer func() {
		if p.metrics != nil {
			p.metrics.RPCObserve(method, time.Since(start), err)
		}
	}()

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	nc, err := p.conn(node.Address)
	if err != nil {
		return nil, err
	}
	if p.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.callTimeout)
		defer cancel()
	}

	msg := nats.NewMsg(Subject(node.NodeID, method))
	msg.Data = body
	resp, err = nc.RequestMsgWithContext(ctx, msg)
	if err != nil {
		if shouldEvict(err, nc.IsConnected()) {
			p.evict(node.Address, nc)
		}
		return nil, fmt.Errorf("%s on %s: %w", method, node.NodeID, err)
	}
	if resp.Header.Get(headerStatus) == statusError {
		return nil, fmt.Errorf("%w: %s", ErrRemote, resp.Header.Get(headerError))
	}
	return resp, nil
}

// shouldEvict reports whether a failed request means the pooled connection
// no longer leads to a node. A plain timeout on a live connection keeps it.
func shouldEvict(err error, connected bool) bool {
	switch {
	case errors.Is(err, nats.ErrNoResponders),
		errors.Is(err, nats.ErrConnectionClosed),
		errors.Is(err, nats.ErrConnectionDraining):
		return true
	case errors.Is(err, context.Canceled):
		return false
	}
	return !connected
}

// evict drops nc from the pool if it is still the entry for address. A
// reassigned node's old address is thereby not redialled forever.
func (p *Pool) evict(address string, nc *nats.Conn) {
	p.mu.Lock()
	if cur, ok := p.conns[address]; !ok || cur != nc {
		p.mu.Unlock()
		return
	}
	delete(p.conns, address)
	n := len(p.conns)
	p.mu.Unlock()

	nc.Close()
	p.log.Info("rpc connection evicted", "address", address)
	if p.metrics != nil {
		p.metrics.RPCConnections(n)
	}
}

// FetchTripUpdates asks node for the live trip updates of tripIDs in chateau.
func (p *Pool) FetchTripUpdates(ctx context.Context, node directory.Node, chateau string, tripIDs []string) ([]*gtfsrt.TripUpdate, error) {
	resp, err := p.call(ctx, node, MethodTripUpdates, TripUpdatesRequest{ChateauID: chateau, TripIDs: tripIDs})
	if err != nil {
		return nil, err
	}
	var feed gtfsrt.FeedMessage
	if err := proto.Unmarshal(resp.Data, &feed); err != nil {
		return nil, fmt.Errorf("decode trip updates from %s: %w", node.NodeID, err)
	}
	updates := make([]*gtfsrt.TripUpdate, 0, len(feed.GetEntity()))
	for _, e := range feed.GetEntity() {
		if tu := e.GetTripUpdate(); tu != nil {
			updates = append(updates, tu)
		}
	}
	return updates, nil
}

// PushRealtime submits one payload to node. It does not retry.
func (p *Pool) PushRealtime(ctx context.Context, node directory.Node, req PushRequest) error {
	_, err := p.call(ctx, node, MethodPush, req)
	return err
}

func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for addr, nc := range p.conns {
		nc.Close()
		delete(p.conns, addr)
	}
}
