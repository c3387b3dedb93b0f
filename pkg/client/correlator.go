package client

import (
	"sync"
	"time"

	apperrors "github.com/nvollmar/codelink/pkg/errors"
	"github.com/nvollmar/codelink/pkg/protocol"
)

// requestOutcome is delivered exactly once per pending request.
type requestOutcome struct {
	resp *protocol.Response
	err  error
}

// pendingRequest tracks one in-flight request until its response, timeout,
// or the teardown of the connection.
type pendingRequest struct {
	id    string
	done  chan requestOutcome
	timer *time.Timer
}

// correlator pairs outbound requests with inbound responses and enforces
// per-request timeouts. At most one pending entry exists per requestId;
// duplicate or late responses are no-ops.
type correlator struct {
	mu      sync.Mutex
	pending map[string]*pendingRequest
}

func newCorrelator() *correlator {
	return &correlator{pending: make(map[string]*pendingRequest)}
}

// register creates the pending entry and starts its timeout timer.
func (c *correlator) register(id string, timeout time.Duration) (*pendingRequest, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.pending[id]; exists {
		return nil, apperrors.New(apperrors.ErrCodeInvalidInput, "duplicate request id").
			WithContext("requestId", id)
	}

	p := &pendingRequest{
		id:   id,
		done: make(chan requestOutcome, 1),
	}
	p.timer = time.AfterFunc(timeout, func() {
		c.fail(id, apperrors.New(apperrors.ErrCodeTimeout, "no response within deadline").
			WithContext("requestId", id).
			WithContext("timeout", timeout.String()))
	})
	c.pending[id] = p
	metricRequestsInFlight.Inc()
	return p, nil
}

// resolve completes the pending entry matching the response, if any.
// Returns false for unmatched, duplicate, or late responses.
func (c *correlator) resolve(resp protocol.Response) bool {
	p := c.take(resp.RequestID)
	if p == nil {
		return false
	}
	p.done <- requestOutcome{resp: &resp}
	return true
}

// fail completes the pending entry with an error.
func (c *correlator) fail(id string, err error) bool {
	p := c.take(id)
	if p == nil {
		return false
	}
	p.done <- requestOutcome{err: err}
	return true
}

// drop discards a pending entry without completing it. Used when the send
// itself failed or the caller's context ended; the caller already has an
// error.
func (c *correlator) drop(id string) {
	c.take(id)
}

// failAll completes every pending request with err. Called on connection
// teardown so callers observe the disconnect immediately.
func (c *correlator) failAll(err error) {
	c.mu.Lock()
	taken := make([]*pendingRequest, 0, len(c.pending))
	for _, p := range c.pending {
		p.timer.Stop()
		taken = append(taken, p)
	}
	c.pending = make(map[string]*pendingRequest)
	c.mu.Unlock()

	for _, p := range taken {
		metricRequestsInFlight.Dec()
		p.done <- requestOutcome{err: err}
	}
}

// size reports the number of in-flight requests.
func (c *correlator) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// take removes and returns the pending entry for id, stopping its timer.
func (c *correlator) take(id string) *pendingRequest {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	p.timer.Stop()
	metricRequestsInFlight.Dec()
	return p
}
