// Package clarify implements the blocking clarification broker. Pipeline
// stages ask questions and block until a human answers, a timeout fires, or
// capacity pressure rejects the request outright.
package clarify

import (
	"log"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/baton-dev/baton/internal/model"
)

// DefaultTimeout bounds an unanswered Ask when the caller configures none.
const DefaultTimeout = 5 * time.Minute

// request is one registered question. done is closed exactly once, by the
// first successful SubmitResponse.
type request struct {
	itemID   string
	question string
	priority int
	context  map[string]any
	askedAt  time.Time
	seq      uint64

	response string
	answered bool
	done     chan struct{}
}

// Broker is a thread-safe registry of outstanding clarification requests.
// One mutex guards registration, removal, and lookup; the wait for an answer
// happens outside the critical section on a per-request channel, so a
// blocked asker never starves concurrent Ask or SubmitResponse calls.
type Broker struct {
	mu      sync.Mutex
	pending map[string]*request
	seq     uint64

	// sem bounds the number of concurrently blocked askers. TryAcquire
	// keeps overload a fast rejection instead of a queue.
	sem        *semaphore.Weighted
	maxPending int
	timeout    time.Duration

	counters model.ClarifyCounters
}

// New creates a broker allowing maxPending concurrently blocked questions,
// each waiting at most timeout for an answer.
func New(maxPending int, timeout time.Duration) *Broker {
	if maxPending < 1 {
		maxPending = 1
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Broker{
		pending:    make(map[string]*request),
		sem:        semaphore.NewWeighted(int64(maxPending)),
		maxPending: maxPending,
		timeout:    timeout,
	}
}

// Ask registers a question under itemID and blocks until it is answered or
// the timeout elapses. The second return is false when no answer arrived:
// capacity rejection, duplicate itemID, or timeout. The request is removed
// from the registry exactly once, before Ask returns, on every path.
func (b *Broker) Ask(question string, priority int, itemID string, context map[string]any) (string, bool) {
	if !b.sem.TryAcquire(1) {
		b.mu.Lock()
		b.counters.Rejected++
		b.mu.Unlock()
		log.Printf("clarify: capacity exhausted (%d pending), rejecting %q", b.maxPending, itemID)
		return "", false
	}
	defer b.sem.Release(1)

	r := &request{
		itemID:   itemID,
		question: question,
		priority: priority,
		askedAt:  time.Now().UTC(),
		done:     make(chan struct{}),
	}
	if len(context) > 0 {
		r.context = make(map[string]any, len(context))
		for k, v := range context {
			r.context[k] = v
		}
	}

	b.mu.Lock()
	if _, exists := b.pending[itemID]; exists {
		// A second concurrent Ask under the same itemID would orphan the
		// first waiter; reject it instead.
		b.counters.Rejected++
		b.mu.Unlock()
		log.Printf("clarify: duplicate itemID %q rejected while first ask is pending", itemID)
		return "", false
	}
	b.seq++
	r.seq = b.seq
	b.pending[itemID] = r
	b.counters.Asked++
	b.mu.Unlock()

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	timedOut := false
	select {
	case <-r.done:
	case <-timer.C:
		timedOut = true
	}

	b.mu.Lock()
	delete(b.pending, itemID)
	// An answer that landed between timer expiry and lock acquisition
	// still counts; it arrived within the window.
	answered := r.answered
	response := r.response
	if answered {
		b.counters.Answered++
	} else {
		b.counters.TimedOut++
	}
	b.mu.Unlock()

	if answered {
		return response, true
	}
	if timedOut {
		log.Printf("clarify: %q timed out after %s without an answer", itemID, b.timeout)
	}
	return "", false
}

// SubmitResponse delivers an answer to the pending request under itemID and
// wakes only that waiter. Unknown or already-answered targets are dropped
// with a warning; this call never blocks and never fails loudly.
func (b *Broker) SubmitResponse(itemID, response string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	r, ok := b.pending[itemID]
	if !ok {
		log.Printf("clarify: response for unknown itemID %q dropped (timed out, answered, or never asked)", itemID)
		return false
	}
	if r.answered {
		log.Printf("clarify: duplicate response for itemID %q dropped", itemID)
		return false
	}

	r.response = response
	r.answered = true
	close(r.done)
	return true
}

// Pending returns a snapshot of unanswered requests ordered by ascending
// priority, then ask time, then registration order.
func (b *Broker) Pending() []model.Clarification {
	b.mu.Lock()
	reqs := make([]*request, 0, len(b.pending))
	for _, r := range b.pending {
		reqs = append(reqs, r)
	}
	b.mu.Unlock()

	sort.Slice(reqs, func(i, k int) bool {
		if reqs[i].priority != reqs[k].priority {
			return reqs[i].priority < reqs[k].priority
		}
		if !reqs[i].askedAt.Equal(reqs[k].askedAt) {
			return reqs[i].askedAt.Before(reqs[k].askedAt)
		}
		return reqs[i].seq < reqs[k].seq
	})

	out := make([]model.Clarification, 0, len(reqs))
	for _, r := range reqs {
		c := model.Clarification{
			ItemID:   r.itemID,
			Question: r.question,
			Priority: r.priority,
			AskedAt:  r.askedAt,
		}
		if len(r.context) > 0 {
			c.Context = make(map[string]any, len(r.context))
			for k, v := range r.context {
				c.Context[k] = v
			}
		}
		out = append(out, c)
	}
	return out
}

// PendingCount returns the number of currently blocked questions.
func (b *Broker) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// MaxPending returns the configured capacity.
func (b *Broker) MaxPending() int {
	return b.maxPending
}

// Timeout returns the configured per-question wait duration.
func (b *Broker) Timeout() time.Duration {
	return b.timeout
}

// Counters returns the broker totals accumulated since construction.
func (b *Broker) Counters() model.ClarifyCounters {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counters
}
