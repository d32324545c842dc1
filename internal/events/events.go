package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Event types published by the supervisor and the scheduler.
const (
	TypeSimulatorStarted   = "SIMULATOR_STARTED"
	TypeSimulatorStopped   = "SIMULATOR_STOPPED"
	TypeSimulatorRestarted = "SIMULATOR_RESTARTED"
	TypeLaunchFailed       = "SIMULATOR_LAUNCH_FAILED"
	TypeJobStarted         = "JOB_STARTED"
	TypeJobSucceeded       = "JOB_SUCCEEDED"
	TypeJobFailed          = "JOB_FAILED"
	TypeAllDone            = "ALL_DONE"
)

// Event is one progress record.
type Event struct {
	RunID     string                 `json:"run_id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	JobID     string                 `json:"job_id,omitempty"`
	Message   string                 `json:"message,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Seq       uint64                 `json:"seq"`
}

// Marshal returns JSON for event payloads in logs and streams.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Publisher records progress events in a bounded in-memory history, fans
// them out to local subscribers, and mirrors them to a Redis stream when
// one is configured so a dashboard can follow a long collection run.
type Publisher struct {
	runID  string
	source string
	logger *zap.Logger

	mu          sync.Mutex
	history     *ring
	subscribers map[chan Event]struct{}

	redis     redis.UniversalClient
	stream    string
	maxLen    int64
	redisWarn sync.Once
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithRedis mirrors every event to stream on client (XADD, approximate
// MAXLEN trimming).
func WithRedis(client redis.UniversalClient, stream string, maxLen int64) Option {
	return func(p *Publisher) {
		p.redis = client
		p.stream = stream
		p.maxLen = maxLen
	}
}

// WithCapacity sets the in-memory history size.
func WithCapacity(n int) Option {
	return func(p *Publisher) {
		if n > 0 {
			p.history = newRing(n)
		}
	}
}

// NewPublisher creates a publisher for one run; source names the process
// ("supervisor", "scheduler").
func NewPublisher(runID, source string, logger *zap.Logger, opts ...Option) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Publisher{
		runID:       runID,
		source:      source,
		logger:      logger,
		history:     newRing(256),
		subscribers: make(map[chan Event]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Subscribe adds a subscriber channel; caller must drain and call Unsubscribe.
func (p *Publisher) Subscribe(buffer int) chan Event {
	ch := make(chan Event, buffer)
	p.mu.Lock()
	p.subscribers[ch] = struct{}{}
	p.mu.Unlock()
	return ch
}

// Unsubscribe removes the subscriber channel and closes it.
func (p *Publisher) Unsubscribe(ch chan Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.subscribers[ch]; ok {
		delete(p.subscribers, ch)
		close(ch)
	}
}

// Publish stamps and records an event. Slow subscribers miss events rather
// than block the caller; Redis failures are logged once and otherwise
// ignored since the event stream is informational.
func (p *Publisher) Publish(ctx context.Context, eventType, jobID, message string, data map[string]interface{}) Event {
	p.mu.Lock()
	evt := Event{
		RunID:     p.runID,
		Type:      eventType,
		Source:    p.source,
		JobID:     jobID,
		Message:   message,
		Data:      data,
		Timestamp: time.Now().UTC(),
		Seq:       p.history.nextSeq,
	}
	p.history.nextSeq++
	p.history.push(evt)
	subs := make([]chan Event, 0, len(p.subscribers))
	for ch := range p.subscribers {
		subs = append(subs, ch)
	}
	p.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- evt:
		default:
		}
	}

	if p.redis != nil {
		args := &redis.XAddArgs{
			Stream: p.stream,
			Values: map[string]interface{}{
				"type":    evt.Type,
				"job_id":  evt.JobID,
				"seq":     evt.Seq,
				"payload": string(evt.Marshal()),
			},
		}
		if p.maxLen > 0 {
			args.MaxLen = p.maxLen
			args.Approx = true
		}
		if err := p.redis.XAdd(ctx, args).Err(); err != nil {
			p.redisWarn.Do(func() {
				p.logger.Warn("Failed to mirror event to Redis stream",
					zap.String("stream", p.stream),
					zap.Error(err),
				)
			})
		}
	}
	return evt
}

// ReplaySince returns events with Seq >= since still held in memory.
func (p *Publisher) ReplaySince(since uint64) []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.history.since(since)
}

type ring struct {
	buf     []Event
	start   int
	count   int
	nextSeq uint64
}

func newRing(capacity int) *ring { return &ring{buf: make([]Event, capacity)} }

func (r *ring) push(e Event) {
	if len(r.buf) == 0 {
		return
	}
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []Event {
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		e := r.buf[(r.start+i)%len(r.buf)]
		if e.Seq >= seq {
			out = append(out, e)
		}
	}
	return out
}
