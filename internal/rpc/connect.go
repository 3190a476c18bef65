package rpc

import (
	"fmt"

	"github.com/nats-io/nats.go"

	"transit-departures/internal/logger"
)

// Connect opens the long-lived bus connection a binary uses for the
// registry bucket and, on authority nodes, for serving requests. Unlike
// pooled node connections it reconnects forever.
func Connect(url, name string, log logger.Logger) (*nats.Conn, error) {
	if log == nil {
		log = logger.Nop()
	}
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("nats disconnected", "url", url, "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Info("nats closed", "url", url)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", url, err)
	}
	return nc, nil
}

// Drain flushes pending messages and closes nc.
func Drain(nc *nats.Conn) {
	if nc == nil {
		return
	}
	if err := nc.Drain(); err != nil {
		nc.Close()
	}
}
