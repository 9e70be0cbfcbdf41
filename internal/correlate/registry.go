// Package correlate matches asynchronous inbound responses to outstanding
// requests by request id. One browser surface thereby acts as a
// synchronous-looking call target for an unreliable messaging channel.
package correlate

import (
	"context"
	"errors"
	"sync"
	"time"

	"chatdex/internal/logging"
)

// ErrRequestTimeout is returned when no tagged response arrives in time.
var ErrRequestTimeout = errors.New("request timed out")

// ErrDispatchFailed wraps delivery failures; the pending entry is resolved
// immediately, bypassing the timeout.
var ErrDispatchFailed = errors.New("dispatch failed")

// Response is the payload a tagged inbound message resolves a request with.
type Response struct {
	OK     bool
	Text   string
	RealID string // discovered real thread id, when the exchange revealed one
	Err    string
}

// Dispatcher delivers the outbound payload. A non-nil error means the message
// could not even be sent.
type Dispatcher func(requestID string, payload interface{}) error

type result struct {
	resp Response
	err  error
}

type pendingRequest struct {
	done  chan result
	timer *time.Timer
}

// Registry owns the pending-request map. Construct one per process and pass
// it by handle; entries are in-memory only, so a restart abandons in-flight
// requests (callers treat that as a timeout).
type Registry struct {
	mu      sync.Mutex
	pending map[string]*pendingRequest
	timeout time.Duration
}

// NewRegistry creates a registry with the given default timeout.
func NewRegistry(timeout time.Duration) *Registry {
	return &Registry{
		pending: make(map[string]*pendingRequest),
		timeout: timeout,
	}
}

// Send registers a pending entry keyed by requestID, dispatches the payload,
// and blocks until a tagged response arrives, the timeout fires, or ctx is
// cancelled. The entry is registered before dispatch to close the race
// between send and an immediate response.
func (r *Registry) Send(ctx context.Context, requestID string, payload interface{}, dispatch Dispatcher) (Response, error) {
	p := &pendingRequest{done: make(chan result, 1)}
	// The timer is armed before the entry is published so that a resolver
	// taking the entry always observes a fully built record.
	p.timer = time.AfterFunc(r.timeout, func() {
		if r.take(requestID) != nil {
			logging.Correlate("request %s timed out after %v", requestID, r.timeout)
			p.done <- result{err: ErrRequestTimeout}
		}
	})

	r.mu.Lock()
	if _, exists := r.pending[requestID]; exists {
		r.mu.Unlock()
		p.timer.Stop()
		return Response{}, errors.New("duplicate request id: " + requestID)
	}
	r.pending[requestID] = p
	r.mu.Unlock()

	if err := dispatch(requestID, payload); err != nil {
		// Delivery failed; consume our own entry so a late response is a no-op.
		if r.take(requestID) != nil {
			p.timer.Stop()
			return Response{}, errors.Join(ErrDispatchFailed, err)
		}
	}

	select {
	case res := <-p.done:
		return res.resp, res.err
	case <-ctx.Done():
		// Abandoned by the caller; drop the entry so a late response no-ops.
		if r.take(requestID) != nil {
			p.timer.Stop()
		}
		return Response{}, ctx.Err()
	}
}

// Resolve completes the pending request with a tagged response. Returns false
// when no matching entry exists (unknown id, already resolved, or timed out) -
// the response is ignored in that case.
func (r *Registry) Resolve(requestID string, resp Response) bool {
	p := r.take(requestID)
	if p == nil {
		logging.Correlate("ignoring response for unknown request %s", requestID)
		return false
	}
	p.timer.Stop()
	p.done <- result{resp: resp}
	return true
}

// Fail completes the pending request as an explicit failure.
func (r *Registry) Fail(requestID string, errMsg string) bool {
	return r.Resolve(requestID, Response{OK: false, Err: errMsg})
}

// take removes and returns the pending entry, or nil if absent. Removal under
// the lock is what makes resolution exactly-once.
func (r *Registry) take(requestID string) *pendingRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.pending[requestID]
	if p != nil {
		delete(r.pending, requestID)
	}
	return p
}

// PendingCount reports outstanding requests.
func (r *Registry) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
