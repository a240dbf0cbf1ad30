package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
)

// correlator tracks requests the server itself issues to clients and matches
// asynchronous responses back to their waiters. Every pending entry is
// resolved exactly once, by whichever of response arrival, timeout, or owning
// session disconnect comes first; late or duplicate resolutions are dropped.
type correlator struct {
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingOutbound
}

type outboundOutcome struct {
	msg JSONRPCMessage
	err error
}

type pendingOutbound struct {
	sessionID string
	issuedAt  time.Time

	resolved sync.Once
	done     chan outboundOutcome
}

func (p *pendingOutbound) resolve(msg JSONRPCMessage, err error) {
	p.resolved.Do(func() {
		p.done <- outboundOutcome{msg: msg, err: err}
	})
}

func newCorrelator(logger *slog.Logger) *correlator {
	return &correlator{
		logger:  logger,
		pending: make(map[string]*pendingOutbound),
	}
}

// issue sends a request to the given session and blocks until the matching
// response arrives, the timeout elapses, or the session disconnects. The
// request identifier is freshly generated, so concurrent calls never collide.
// The pending entry is removed on every exit path.
func (c *correlator) issue(
	ctx context.Context,
	sess Session,
	method string,
	params any,
	timeout time.Duration,
) (JSONRPCMessage, error) {
	paramsBs, err := json.Marshal(params)
	if err != nil {
		return JSONRPCMessage{}, fmt.Errorf("failed to marshal params: %w", err)
	}

	id := NewMessageID(uuid.New().String())
	p := &pendingOutbound{
		sessionID: sess.ID(),
		issuedAt:  time.Now(),
		done:      make(chan outboundOutcome, 1),
	}

	// Correlation keys are the identifier's raw wire bytes, so a string and a
	// number with the same digits can never collide.
	c.mu.Lock()
	c.pending[string(id)] = p
	c.mu.Unlock()
	defer c.remove(string(id))

	msg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Method:  method,
		Params:  paramsBs,
	}

	sendCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := sess.Send(sendCtx, msg); err != nil {
		return JSONRPCMessage{}, fmt.Errorf("failed to deliver request: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-p.done:
		return out.msg, out.err
	case <-timer.C:
		return JSONRPCMessage{}, ErrRequestTimeout
	case <-ctx.Done():
		return JSONRPCMessage{}, ctx.Err()
	}
}

// issueWithRetry wraps issue with a bounded exponential backoff, for request
// kinds the caller knows to be idempotent. Channel errors from a closed
// session are permanent; after the attempt budget is exhausted the last
// failure surfaces to the caller.
func (c *correlator) issueWithRetry(
	ctx context.Context,
	sess Session,
	method string,
	params any,
	timeout time.Duration,
	maxAttempts uint,
) (JSONRPCMessage, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 5 * time.Second

	return backoff.Retry(ctx, func() (JSONRPCMessage, error) {
		msg, err := c.issue(ctx, sess, method, params, timeout)
		if err != nil {
			if errors.Is(err, ErrSessionClosed) {
				return JSONRPCMessage{}, backoff.Permanent(err)
			}
			return JSONRPCMessage{}, err
		}
		return msg, nil
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(maxAttempts))
}

// resolveResponse hands an inbound response to its waiter. It reports whether
// the identifier matched a pending entry; unmatched responses are the caller's
// to log and drop.
func (c *correlator) resolveResponse(msg JSONRPCMessage) bool {
	c.mu.Lock()
	p, ok := c.pending[string(msg.ID)]
	c.mu.Unlock()
	if !ok {
		return false
	}

	p.resolve(msg, nil)
	return true
}

// failSession resolves every pending request owned by the given session with
// ErrSessionClosed, so no waiter hangs past its session's disconnect.
func (c *correlator) failSession(sessionID string) {
	c.mu.Lock()
	var owned []*pendingOutbound
	for _, p := range c.pending {
		if p.sessionID == sessionID {
			owned = append(owned, p)
		}
	}
	c.mu.Unlock()

	for _, p := range owned {
		p.resolve(JSONRPCMessage{}, ErrSessionClosed)
	}

	if len(owned) > 0 {
		c.logger.Debug("failed pending outbound requests for closed session",
			slog.String("sessionID", sessionID),
			slog.Int("count", len(owned)))
	}
}

// has reports whether an identifier is still pending.
func (c *correlator) has(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[id]
	return ok
}

func (c *correlator) remove(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}
