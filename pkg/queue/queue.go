// Package queue provides a bounded, generic FIFO used to hand work between
// producers and consumers without unbounded memory growth.
//
// A Queue enforces a fixed capacity and applies exactly one overflow policy
// when it is full:
//
//   - DropOldest evicts the head of the queue and accepts the new item
//   - Reject fails the send immediately with ErrQueueFull
//   - Backpressure blocks the sender until space frees up or the configured
//     timeout elapses, then fails with ErrBackpressureTimeout
//
// Items are only ever added through Send and removed through TryRecv or Recv.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Default configuration values.
const (
	DefaultMaxSize             = 10000
	DefaultBackpressureTimeout = 100 * time.Millisecond
)

// Queue errors.
var (
	ErrQueueFull           = errors.New("queue full")
	ErrBackpressureTimeout = errors.New("backpressure timeout")
	ErrQueueClosed         = errors.New("queue closed")
	ErrInvalidConfig       = errors.New("invalid queue config")
)

// OverflowPolicy selects what Send does when the queue is at capacity.
type OverflowPolicy uint8

const (
	// DropOldest evicts the oldest item to make room.
	DropOldest OverflowPolicy = iota

	// Reject fails the send with ErrQueueFull.
	Reject

	// Backpressure waits for space up to BackpressureTimeout.
	Backpressure
)

// String returns the policy name.
func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "drop_oldest"
	case Reject:
		return "reject"
	case Backpressure:
		return "backpressure"
	default:
		return fmt.Sprintf("policy(%d)", p)
	}
}

// ParseOverflowPolicy parses a policy name as produced by String.
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "drop_oldest", "dropoldest", "":
		return DropOldest, nil
	case "reject":
		return Reject, nil
	case "backpressure":
		return Backpressure, nil
	}
	return 0, fmt.Errorf("%w: unknown overflow policy %q", ErrInvalidConfig, s)
}

// Config configures a Queue.
type Config struct {
	// MaxSize is the maximum number of queued items.
	MaxSize int

	// Policy is applied when a send finds the queue full.
	Policy OverflowPolicy

	// BackpressureTimeout bounds how long Send blocks under Backpressure.
	BackpressureTimeout time.Duration
}

// DefaultConfig returns the default queue configuration.
func DefaultConfig() Config {
	return Config{
		MaxSize:             DefaultMaxSize,
		Policy:              DropOldest,
		BackpressureTimeout: DefaultBackpressureTimeout,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.MaxSize <= 0 {
		return fmt.Errorf("%w: max size must be positive", ErrInvalidConfig)
	}
	if c.Policy > Backpressure {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, c.Policy)
	}
	if c.Policy == Backpressure && c.BackpressureTimeout <= 0 {
		return fmt.Errorf("%w: backpressure requires a positive timeout", ErrInvalidConfig)
	}
	return nil
}

// Stats is a point-in-time snapshot of queue counters.
type Stats struct {
	Enqueued             uint64
	Dequeued             uint64
	Dropped              uint64
	Rejected             uint64
	BackpressureWaits    uint64
	BackpressureTimeouts uint64
	CurrentSize          int
	MaxSize              int
	HighWaterMark        int

	// AvgLatency is the mean time items spent queued before being received.
	AvgLatency time.Duration
}

// Utilization returns CurrentSize as a fraction of MaxSize.
func (s Stats) Utilization() float64 {
	if s.MaxSize == 0 {
		return 0
	}
	return float64(s.CurrentSize) / float64(s.MaxSize)
}

type entry[T any] struct {
	item T
	at   time.Time
}

// Queue is a bounded FIFO safe for concurrent use.
type Queue[T any] struct {
	cfg Config
	now func() time.Time

	mu     sync.Mutex
	ring   []entry[T]
	head   int
	count  int
	closed bool

	// changed is closed and replaced whenever the queue contents change,
	// waking every blocked sender and receiver.
	changed chan struct{}

	enqueued, dequeued, dropped, rejected uint64
	bpWaits, bpTimeouts                   uint64
	highWater                             int
	latencyTotal                          time.Duration
}

// New creates a queue. It returns ErrInvalidConfig for a bad configuration.
func New[T any](cfg Config) (*Queue[T], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Queue[T]{
		cfg:     cfg,
		now:     time.Now,
		ring:    make([]entry[T], cfg.MaxSize),
		changed: make(chan struct{}),
	}, nil
}

// Send enqueues item according to the overflow policy.
//
// Under Backpressure, Send blocks until space is available, the timeout
// elapses, or ctx is done. Under the other policies it never blocks.
func (q *Queue[T]) Send(ctx context.Context, item T) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}

	if q.count < q.cfg.MaxSize {
		q.push(item)
		q.mu.Unlock()
		return nil
	}

	switch q.cfg.Policy {
	case DropOldest:
		q.pop()
		q.dropped++
		q.push(item)
		q.mu.Unlock()
		return nil

	case Reject:
		q.rejected++
		q.mu.Unlock()
		return ErrQueueFull
	}

	q.bpWaits++
	timer := time.NewTimer(q.cfg.BackpressureTimeout)
	defer timer.Stop()

	for q.count >= q.cfg.MaxSize && !q.closed {
		ch := q.changed
		q.mu.Unlock()

		select {
		case <-ch:
		case <-timer.C:
			q.mu.Lock()
			q.bpTimeouts++
			q.mu.Unlock()
			return ErrBackpressureTimeout
		case <-ctx.Done():
			return ctx.Err()
		}

		q.mu.Lock()
	}

	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.push(item)
	q.mu.Unlock()
	return nil
}

// TryRecv removes and returns the oldest item. The boolean is false when
// the queue is empty.
func (q *Queue[T]) TryRecv() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 {
		var zero T
		return zero, false
	}
	return q.take(), true
}

// Recv blocks until an item is available, ctx is done, or the queue is
// closed and drained.
func (q *Queue[T]) Recv(ctx context.Context) (T, error) {
	var zero T
	q.mu.Lock()
	for q.count == 0 {
		if q.closed {
			q.mu.Unlock()
			return zero, ErrQueueClosed
		}
		ch := q.changed
		q.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return zero, ctx.Err()
		}

		q.mu.Lock()
	}
	item := q.take()
	q.mu.Unlock()
	return item, nil
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Cap returns the configured maximum size.
func (q *Queue[T]) Cap() int {
	return q.cfg.MaxSize
}

// Close stops the queue from accepting new items. Queued items can still be
// received. Blocked senders fail with ErrQueueClosed. Close is idempotent.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.signal()
}

// Stats returns a snapshot of the queue counters.
func (q *Queue[T]) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := Stats{
		Enqueued:             q.enqueued,
		Dequeued:             q.dequeued,
		Dropped:              q.dropped,
		Rejected:             q.rejected,
		BackpressureWaits:    q.bpWaits,
		BackpressureTimeouts: q.bpTimeouts,
		CurrentSize:          q.count,
		MaxSize:              q.cfg.MaxSize,
		HighWaterMark:        q.highWater,
	}
	if q.dequeued > 0 {
		s.AvgLatency = q.latencyTotal / time.Duration(q.dequeued)
	}
	return s
}

// push appends at the tail. Caller holds mu and has ensured space.
func (q *Queue[T]) push(item T) {
	tail := (q.head + q.count) % len(q.ring)
	q.ring[tail] = entry[T]{item: item, at: q.now()}
	q.count++
	q.enqueued++
	if q.count > q.highWater {
		q.highWater = q.count
	}
	q.signal()
}

// pop discards the head without counting it as dequeued. Caller holds mu.
func (q *Queue[T]) pop() {
	var zero entry[T]
	q.ring[q.head] = zero
	q.head = (q.head + 1) % len(q.ring)
	q.count--
}

// take removes the head and records its queue latency. Caller holds mu.
func (q *Queue[T]) take() T {
	e := q.ring[q.head]
	q.pop()
	q.dequeued++
	q.latencyTotal += q.now().Sub(e.at)
	q.signal()
	return e.item
}

func (q *Queue[T]) signal() {
	close(q.changed)
	q.changed = make(chan struct{})
}
