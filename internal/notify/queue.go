// Package notify carries reconciliation outcomes to external
// collaborators: a bounded dispatch queue with throttled delivery, and
// a publisher backed by an embedded NATS server.
package notify

import (
	"log"
	"time"

	"github.com/ernie/deathwatch/internal/domain"
)

// Queue is a bounded outcome dispatch queue. Items dequeue no closer
// together than the configured minimum interval, and a failing item is
// logged and dropped so it never blocks the items behind it.
type Queue struct {
	items       chan domain.Outcome
	minInterval time.Duration
	handler     func(domain.Outcome) error
	done        chan struct{}
	stopped     chan struct{}
}

// NewQueue returns a queue delivering through handler.
func NewQueue(capacity int, minInterval time.Duration, handler func(domain.Outcome) error) *Queue {
	return &Queue{
		items:       make(chan domain.Outcome, capacity),
		minInterval: minInterval,
		handler:     handler,
		done:        make(chan struct{}),
		stopped:     make(chan struct{}),
	}
}

// Enqueue offers an outcome without blocking. Returns false when the
// queue is full and the outcome was dropped.
func (q *Queue) Enqueue(outcome domain.Outcome) bool {
	select {
	case q.items <- outcome:
		return true
	default:
		return false
	}
}

// Depth returns the number of queued outcomes.
func (q *Queue) Depth() int { return len(q.items) }

// Start launches the dispatch worker.
func (q *Queue) Start() {
	go q.dispatchLoop()
}

// Stop stops the worker after the in-flight item, discarding the rest.
func (q *Queue) Stop() {
	close(q.done)
	<-q.stopped
}

func (q *Queue) dispatchLoop() {
	defer close(q.stopped)
	for {
		select {
		case <-q.done:
			return
		case outcome := <-q.items:
			if err := q.handler(outcome); err != nil {
				log.Printf("Error dispatching outcome %s (%s): %v", outcome.ID, outcome.Type, err)
			}
			// Throttle: external surfaces (chat, voice moves) tolerate
			// only so much churn per second
			select {
			case <-q.done:
				return
			case <-time.After(q.minInterval):
			}
		}
	}
}
