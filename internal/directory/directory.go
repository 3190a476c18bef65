// Package directory resolves which authority node currently serves a
// chateau, reading assignments from the coordination registry on every call.
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"
)

var ErrNoAssignment = errors.New("no authority assignment")

// Node describes the authority node assigned to a chateau.
type Node struct {
	ChateauID string `json:"chateau_id"`
	NodeID    string `json:"node_id"`
	Address   string `json:"address"` // NATS URL the node answers on
}

// FeedAssignment is the node and chateau a realtime feed is pushed to.
type FeedAssignment struct {
	FeedID string `json:"feed_id"`
	Node
}

func AuthorityKey(chateau string) string { return "/authority_assignment/" + chateau }

func FeedKey(feedID string) string { return "/realtime_feed_assignment/" + feedID }

// Registry is a read of one key from the coordination registry. A missing
// key returns ErrNoAssignment.
type Registry interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

// Client looks up assignments. It never caches: a node can be reassigned
// between two reads, and a stale address means a failed connection.
type Client struct {
	reg Registry
}

func NewClient(reg Registry) *Client {
	return &Client{reg: reg}
}

// Lookup returns the node currently serving chateau.
func (c *Client) Lookup(ctx context.Context, chateau string) (Node, error) {
	var n Node
	if err := c.read(ctx, AuthorityKey(chateau), &n); err != nil {
		return Node{}, fmt.Errorf("chateau %s: %w", chateau, err)
	}
	if err := n.check(); err != nil {
		return Node{}, fmt.Errorf("chateau %s: %w", chateau, err)
	}
	if n.ChateauID == "" {
		n.ChateauID = chateau
	}
	return n, nil
}

// LookupFeed returns the chateau and node a realtime feed belongs to.
func (c *Client) LookupFeed(ctx context.Context, feedID string) (FeedAssignment, error) {
	var a FeedAssignment
	if err := c.read(ctx, FeedKey(feedID), &a); err != nil {
		return FeedAssignment{}, fmt.Errorf("feed %s: %w", feedID, err)
	}
	if a.ChateauID == "" {
		return FeedAssignment{}, fmt.Errorf("feed %s: assignment has no chateau", feedID)
	}
	if err := a.check(); err != nil {
		return FeedAssignment{}, fmt.Errorf("feed %s: %w", feedID, err)
	}
	a.FeedID = feedID
	return a, nil
}

// check rejects a descriptor that names no node to dial. An empty address
// would otherwise reach the NATS client, which dials its local default.
func (n Node) check() error {
	switch {
	case n.NodeID == "":
		return fmt.Errorf("%w: node id missing", ErrNoAssignment)
	case n.Address == "":
		return fmt.Errorf("%w: node %s has no address", ErrNoAssignment, n.NodeID)
	}
	return nil
}

func (c *Client) read(ctx context.Context, key string, v interface{}) error {
	raw, err := c.reg.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

// KVRegistry reads assignments from a JetStream key-value bucket.
type KVRegistry struct {
	kv jetstream.KeyValue
}

func NewKVRegistry(kv jetstream.KeyValue) *KVRegistry {
	return &KVRegistry{kv: kv}
}

func (r *KVRegistry) Get(ctx context.Context, key string) ([]byte, error) {
	entry, err := r.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted) {
			return nil, fmt.Errorf("%w: %s", ErrNoAssignment, key)
		}
		return nil, fmt.Errorf("registry get %s: %w", key, err)
	}
	return entry.Value(), nil
}

// Put writes an assignment. Only authority nodes and operators write.
func (r *KVRegistry) Put(ctx context.Context, key string, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := r.kv.Put(ctx, key, b); err != nil {
		return fmt.Errorf("registry put %s: %w", key, err)
	}
	return nil
}

// OpenKV binds (creating if needed) the registry bucket on js.
func OpenKV(ctx context.Context, js jetstream.JetStream, bucket string) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, bucket)
	if err == nil {
		return kv, nil
	}
	if !errors.Is(err, jetstream.ErrBucketNotFound) {
		return nil, fmt.Errorf("open bucket %s: %w", bucket, err)
	}
	return js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{Bucket: bucket})
}
