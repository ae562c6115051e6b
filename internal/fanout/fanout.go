// Package fanout implements the Fan-out Waiter: one per in-flight request
// dispatched in race mode. It collects replies from every upstream the
// request was sent to and resolves the client promise on the first
// server-accepted answer.
package fanout

import (
	"encoding/json"
	"sync"

	"github.com/tonfoundation/liteproxy/internal/wire"
	"github.com/tonfoundation/liteproxy/pkg/logger"
)

// Resolver is the one-shot sink for the aggregated result. Only the first
// call across a Context's lifetime has effect.
type Resolver func(payload json.RawMessage, err error)

// Refirer asks the Router to reschedule the original request at refire
// depth+1. Called at most once per Context.
type Refirer func()

// Context owns one InFlightRequest's remaining-reply counter and resolves
// exactly once, mirroring the single-resolve discipline used elsewhere in
// this proxy for one-shot client promises.
type Context struct {
	mu        sync.Mutex
	remaining int
	done      bool

	bestReal json.RawMessage
	bestSoft *wire.ErrorReply

	resolve Resolver
	refire  Refirer
}

// NewContext creates a waiter expecting n replies.
func NewContext(n int, resolve Resolver, refire Refirer) *Context {
	return &Context{remaining: n, resolve: resolve, refire: refire}
}

// OnTransportError records a transport-level failure (timeout, connection
// error) from one upstream.
func (c *Context) OnTransportError() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remaining--
	c.finalizeLocked()
}

// OnPayload records a successful reply payload from one upstream.
func (c *Context) OnPayload(payload json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done {
		return
	}
	c.remaining--

	if soft, ok := wire.ParseSoftError(payload); ok {
		if c.remaining > 0 {
			// Another upstream is still outstanding: remember this soft
			// error (replacing any earlier one) and keep waiting, regardless of whether
			// this message is refire-eligible — only the terminating reply
			// gets to decide that, matching the original's branch order.
			c.bestSoft = &soft
			return
		}
		if wire.IsRefireEligible(soft.Message) {
			c.done = true
			logger.Debug("fanout: refire-eligible soft error: %s", soft.Message)
			if c.refire != nil {
				c.refire()
			}
			return
		}
		c.bestSoft = &soft
		c.finalizeLocked()
		return
	}

	c.bestReal = payload
	c.done = true
	if c.resolve != nil {
		c.resolve(payload, nil)
	}
}

// finalizeLocked resolves the context once remaining reaches zero and no
// resolution has happened yet. Caller must hold c.mu.
func (c *Context) finalizeLocked() {
	if c.done {
		return
	}
	if c.remaining > 0 {
		return
	}
	c.done = true
	switch {
	case c.bestReal != nil:
		if c.resolve != nil {
			c.resolve(c.bestReal, nil)
		}
	case c.bestSoft != nil:
		data, _ := c.bestSoft.Marshal()
		if c.resolve != nil {
			c.resolve(data, nil)
		}
	default:
		if c.resolve != nil {
			c.resolve(nil, errTransport)
		}
	}
}

var errTransport = transportErr("fanout: all upstreams failed with transport errors")

type transportErr string

func (e transportErr) Error() string { return string(e) }
