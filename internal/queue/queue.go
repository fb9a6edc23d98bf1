// Package queue serializes inbound prompts into a single ordered stream.
// The browser tab is one shared, stateful resource; two prompts touching
// the DOM at once would corrupt both, so exactly one worker drains the
// queue and a fixed cooldown separates consecutive items.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chatrelay/internal/metrics"
	"chatrelay/internal/recorder"
)

// ErrStopped is delivered to items still queued when the worker exits.
var ErrStopped = errors.New("queue stopped")

// Result is what a submitted prompt eventually resolves to.
type Result struct {
	Answer string
	Err    error
}

// AskFunc runs one prompt against the live page and returns the answer.
type AskFunc func(ctx context.Context, prompt string) (string, error)

type item struct {
	id     string
	prompt string
	result chan Result
}

// Queue is a FIFO with a single consumer. Insertion order is the sole
// ordering key; items are never reordered, retried, or dropped except on
// shutdown after draining.
type Queue struct {
	ask      AskFunc
	cooldown time.Duration
	rec      *recorder.Recorder
	log      *zap.Logger

	mu       sync.Mutex
	items    []*item
	inflight bool
	// closed is set when the worker exits; later submissions fail fast
	// instead of sitting in a queue nothing will ever drain.
	closed bool

	// wake nudges the worker; buffered so Submit never blocks.
	wake chan struct{}
}

func New(ask AskFunc, cooldown time.Duration, rec *recorder.Recorder, log *zap.Logger) *Queue {
	return &Queue{
		ask:      ask,
		cooldown: cooldown,
		rec:      rec,
		log:      log,
		wake:     make(chan struct{}, 1),
	}
}

// Submit appends the prompt and returns the channel its result will be
// delivered on. Validation (non-empty, length cap) is the boundary
// layer's job and has already happened.
func (q *Queue) Submit(prompt string) <-chan Result {
	it := &item{
		id:     uuid.NewString(),
		prompt: prompt,
		// Buffered so the worker never blocks on a caller that went away.
		result: make(chan Result, 1),
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		it.result <- Result{Err: ErrStopped}
		return it.result
	}
	q.items = append(q.items, it)
	depth := len(q.items)
	q.mu.Unlock()

	metrics.QueueDepth.Set(float64(depth))
	q.rec.Log("enqueued", it.id, map[string]int{"depth": depth})
	q.log.Debug("prompt enqueued", zap.String("request_id", it.id), zap.Int("depth", depth))

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return it.result
}

// Len returns the number of prompts waiting (not counting one in flight).
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Idle reports whether nothing is queued or in flight.
func (q *Queue) Idle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) == 0 && !q.inflight
}

// Start launches the single worker. It exits when ctx ends, delivering
// ErrStopped to anything still queued.
func (q *Queue) Start(ctx context.Context) {
	go q.work(ctx)
}

func (q *Queue) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			q.failPending(ErrStopped)
			return
		case <-q.wake:
		}

		for {
			it := q.pop()
			if it == nil {
				break
			}

			start := time.Now()
			q.rec.Log("ask_start", it.id, nil)
			answer, err := q.ask(ctx, it.prompt)
			metrics.AskDuration.Observe(time.Since(start).Seconds())

			// A per-item failure is delivered to that item's sink only;
			// the loop keeps going.
			if err != nil {
				metrics.RequestsTotal.WithLabelValues("error").Inc()
				q.rec.Log("ask_error", it.id, err.Error())
				q.log.Error("prompt failed",
					zap.String("request_id", it.id),
					zap.Duration("took", time.Since(start)),
					zap.Error(err))
				it.result <- Result{Err: err}
			} else {
				metrics.RequestsTotal.WithLabelValues("ok").Inc()
				q.rec.Log("ask_done", it.id, map[string]int{"answer_len": len(answer)})
				q.log.Info("prompt answered",
					zap.String("request_id", it.id),
					zap.Duration("took", time.Since(start)),
					zap.Int("answer_len", len(answer)))
				it.result <- Result{Answer: answer}
			}

			q.setInflight(false)

			select {
			case <-ctx.Done():
				q.failPending(ErrStopped)
				return
			case <-time.After(q.cooldown):
			}
		}
	}
}

// pop takes the head and marks the worker busy, atomically, so Idle never
// reports an empty queue while an item is being processed.
func (q *Queue) pop() *item {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	it := q.items[0]
	q.items = q.items[1:]
	q.inflight = true
	metrics.QueueDepth.Set(float64(len(q.items)))
	return it
}

func (q *Queue) setInflight(v bool) {
	q.mu.Lock()
	q.inflight = v
	q.mu.Unlock()
}

func (q *Queue) failPending(err error) {
	q.mu.Lock()
	q.closed = true
	pending := q.items
	q.items = nil
	q.inflight = false
	q.mu.Unlock()

	metrics.QueueDepth.Set(0)
	for _, it := range pending {
		it.result <- Result{Err: err}
	}
}

// Drain polls until the queue is empty and nothing is in flight. There is
// deliberately no upper bound; shutdown waits for the browser however long
// it takes unless ctx is cancelled.
func (q *Queue) Drain(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		if q.Idle() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
