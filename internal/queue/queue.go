// Package queue serializes indexing jobs across the whole process: one item
// at a time, safety-timeout bounded, one attempt each, cooldown between.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"chatdex/internal/logging"
)

// ErrNoEligibleSurface means a discovery item found no externally-visible
// application surface to piggyback on. The item is skipped silently -
// discovery is opportunistic.
var ErrNoEligibleSurface = errors.New("no eligible surface for discovery")

// Item is one pending indexing job. Unique by Identifier.
type Item struct {
	Identifier     string
	DisplayTitle   string
	NeedsDiscovery bool
}

// Runner executes one job. Implemented by the index pipeline; tests use
// fakes.
type Runner interface {
	// RunDirect opens a fresh background surface for a known identifier,
	// waits for settle, extracts, and persists.
	RunDirect(ctx context.Context, identifier, title string) error
	// RunDiscovery locates a surrogate's real thread through an already-open
	// visible surface. Returns ErrNoEligibleSurface when none exists.
	RunDiscovery(ctx context.Context, surrogateID, title string) error
}

// Queue owns the pending items. Construct one per process.
type Queue struct {
	runner        Runner
	safetyTimeout time.Duration
	cooldown      time.Duration

	mu      sync.Mutex
	items   []Item
	present map[string]bool

	wake chan struct{}
}

// New creates a queue.
func New(runner Runner, safetyTimeout, cooldown time.Duration) *Queue {
	return &Queue{
		runner:        runner,
		safetyTimeout: safetyTimeout,
		cooldown:      cooldown,
		present:       make(map[string]bool),
		wake:          make(chan struct{}, 1),
	}
}

// Enqueue adds a job. Idempotent: if an item with the same identifier is
// already queued or in flight, the call is ignored and false is returned.
func (q *Queue) Enqueue(identifier, title string, needsDiscovery bool) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.present[identifier] {
		logging.QueueDebug("enqueue %s ignored, already outstanding", identifier)
		return false
	}
	q.present[identifier] = true
	q.items = append(q.items, Item{
		Identifier:     identifier,
		DisplayTitle:   title,
		NeedsDiscovery: needsDiscovery,
	})
	logging.Queue("enqueued %s (%q, discovery=%v)", identifier, title, needsDiscovery)

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// Len reports pending items, including the one in flight.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// peek returns the head without removing it. The in-flight item stays queued
// (and keeps suppressing duplicate enqueues) until it reaches a terminal
// state.
func (q *Queue) peek() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Item{}, false
	}
	return q.items[0], true
}

// pop removes the head after its job terminated.
func (q *Queue) pop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return
	}
	delete(q.present, q.items[0].Identifier)
	q.items = q.items[1:]
}

// Run processes items strictly sequentially until ctx is done. Every failure
// path still advances the queue; a failed item is dropped after one attempt.
func (q *Queue) Run(ctx context.Context) {
	for {
		item, ok := q.peek()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-q.wake:
				continue
			}
		}

		err := q.process(ctx, item)
		q.pop()

		switch {
		case err == nil:
			logging.Queue("job %s finished", item.Identifier)
		case errors.Is(err, ErrNoEligibleSurface):
			logging.Queue("job %s skipped: no visible surface for discovery", item.Identifier)
			// No surface was touched; skip the cooldown.
			continue
		default:
			// Indexing is a background convenience; failures are logged only.
			logging.Queue("job %s dropped after one attempt: %v", item.Identifier, err)
		}

		// Let the prior surface fully close before starting the next job.
		select {
		case <-ctx.Done():
			return
		case <-time.After(q.cooldown):
		}
	}
}

func (q *Queue) process(ctx context.Context, item Item) error {
	// The safety timeout is the hard bound for a job that never signals
	// completion.
	jobCtx, cancel := context.WithTimeout(ctx, q.safetyTimeout)
	defer cancel()

	if item.NeedsDiscovery {
		return q.runner.RunDiscovery(jobCtx, item.Identifier, item.DisplayTitle)
	}
	return q.runner.RunDirect(jobCtx, item.Identifier, item.DisplayTitle)
}
