// Package barrier assembles one time-aligned sample per sensor for each
// simulator tick out of sensor callbacks that arrive asynchronously.
package barrier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Carleton-Comps-CV4AD/cv4ad-CARLA-code/internal/metrics"
)

// ErrSensorTimeout is wrapped by SensorTimeoutError.
var ErrSensorTimeout = errors.New("sensor timeout")

// DefaultQueueSize bounds each per-sensor queue.
const DefaultQueueSize = 16

// Sample is one sensor measurement. Tick is the simulator frame the sensor
// fired for.
type Sample struct {
	Kind    string
	Tick    uint64
	Payload []byte
	Ext     string
}

// SensorTimeoutError lists the sensors that did not deliver for a tick.
type SensorTimeoutError struct {
	Tick    uint64
	Missing []string
}

func (e *SensorTimeoutError) Error() string {
	return fmt.Sprintf("tick %d: no data from %s", e.Tick, strings.Join(e.Missing, ", "))
}

func (e *SensorTimeoutError) Unwrap() error { return ErrSensorTimeout }

// Bundle holds the samples gathered for one tick.
type Bundle struct {
	Tick    uint64
	Samples map[string]Sample
	Missing []string
}

// Complete reports whether every registered sensor delivered.
func (b Bundle) Complete() bool { return len(b.Missing) == 0 }

// Err is nil for a complete bundle and a *SensorTimeoutError otherwise.
func (b Bundle) Err() error {
	if b.Complete() {
		return nil
	}
	return &SensorTimeoutError{Tick: b.Tick, Missing: append([]string(nil), b.Missing...)}
}

// Barrier is safe for concurrent Deliver calls from sensor callbacks and a
// single consumer calling OnTickReady.
type Barrier struct {
	logger    *zap.Logger
	queueSize int

	mu      sync.Mutex
	order   []string
	queues  map[string]chan Sample
	closed  uint64
	started bool

	// held keeps samples that arrived ahead of the tick being assembled.
	// Only the consumer touches it.
	held map[string]Sample
}

// New creates a barrier whose per-sensor queues hold queueSize samples.
func New(queueSize int, logger *zap.Logger) *Barrier {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Barrier{
		logger:    logger,
		queueSize: queueSize,
		queues:    make(map[string]chan Sample),
		held:      make(map[string]Sample),
	}
}

// Register declares the sensor kinds every bundle must contain.
func (b *Barrier) Register(kinds ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, k := range kinds {
		if k == "" {
			return errors.New("sensor kind cannot be empty")
		}
		if _, ok := b.queues[k]; ok {
			return fmt.Errorf("sensor kind %q already registered", k)
		}
		b.queues[k] = make(chan Sample, b.queueSize)
		b.order = append(b.order, k)
	}
	return nil
}

// Kinds returns the registered sensor kinds in registration order.
func (b *Barrier) Kinds() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.order...)
}

// Deliver hands a sample to the barrier without blocking. It returns false
// when the sample was discarded: unknown kind, tick already closed, or a
// full queue.
func (b *Barrier) Deliver(s Sample) bool {
	b.mu.Lock()
	q, ok := b.queues[s.Kind]
	late := b.started && s.Tick <= b.closed
	b.mu.Unlock()

	switch {
	case !ok:
		b.discard(s, "unregistered")
		return false
	case late:
		b.discard(s, "late")
		return false
	}
	select {
	case q <- s:
		return true
	default:
		b.discard(s, "overflow")
		return false
	}
}

func (b *Barrier) discard(s Sample, reason string) {
	metrics.SensorSamplesDiscarded.WithLabelValues(s.Kind, reason).Inc()
	b.logger.Debug("Discarded sensor sample",
		zap.String("kind", s.Kind),
		zap.Uint64("tick", s.Tick),
		zap.String("reason", reason),
	)
}

// OnTickReady waits up to timeout for every registered sensor to deliver a
// sample for tick, then closes the tick. Samples for earlier ticks found in
// the queues are dropped, and anything that arrives for tick or earlier
// after this returns is discarded by Deliver. A partial bundle is returned
// with its Missing list set; only a cancelled ctx yields an error.
func (b *Barrier) OnTickReady(ctx context.Context, tick uint64, timeout time.Duration) (Bundle, error) {
	b.mu.Lock()
	kinds := append([]string(nil), b.order...)
	queues := make([]chan Sample, len(kinds))
	for i, k := range kinds {
		queues[i] = b.queues[k]
	}
	b.mu.Unlock()

	bundle := Bundle{Tick: tick, Samples: make(map[string]Sample, len(kinds))}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	expired := false

	for i, kind := range kinds {
		if s, ok := b.held[kind]; ok {
			switch {
			case s.Tick == tick:
				bundle.Samples[kind] = s
				delete(b.held, kind)
				continue
			case s.Tick < tick:
				delete(b.held, kind)
				b.discard(s, "stale")
			default:
				// still ahead of us
				bundle.Missing = append(bundle.Missing, kind)
				continue
			}
		}

		got, err := b.await(ctx, kind, queues[i], tick, timer, &expired)
		if err != nil {
			return Bundle{}, err
		}
		if got != nil {
			bundle.Samples[kind] = *got
		} else {
			bundle.Missing = append(bundle.Missing, kind)
		}
	}

	b.mu.Lock()
	if !b.started || tick > b.closed {
		b.closed = tick
	}
	b.started = true
	b.mu.Unlock()

	if bundle.Complete() {
		metrics.BundlesTotal.WithLabelValues("complete").Inc()
	} else {
		metrics.BundlesTotal.WithLabelValues("partial").Inc()
		for _, k := range bundle.Missing {
			metrics.SensorSamplesMissing.WithLabelValues(k).Inc()
		}
	}
	return bundle, nil
}

// await pulls from q until a sample for tick shows up. Once the shared
// timer has fired it only drains what is already queued.
func (b *Barrier) await(ctx context.Context, kind string, q chan Sample, tick uint64, timer *time.Timer, expired *bool) (*Sample, error) {
	for {
		var s Sample
		if *expired {
			select {
			case s = <-q:
			default:
				return nil, nil
			}
		} else {
			select {
			case s = <-q:
			case <-timer.C:
				*expired = true
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		switch {
		case s.Tick == tick:
			return &s, nil
		case s.Tick < tick:
			b.discard(s, "stale")
		default:
			b.held[kind] = s
			return nil, nil
		}
	}
}

// Skip closes tick without assembling a bundle and drops whatever is queued
// for it or earlier. The worker calls it for ticks it does not capture so
// per-sensor queues never fill up with frames nobody asked for.
func (b *Barrier) Skip(tick uint64) {
	b.mu.Lock()
	if !b.started || tick > b.closed {
		b.closed = tick
	}
	b.started = true
	kinds := append([]string(nil), b.order...)
	queues := make([]chan Sample, len(kinds))
	for i, k := range kinds {
		queues[i] = b.queues[k]
	}
	b.mu.Unlock()

	for i, kind := range kinds {
		if s, ok := b.held[kind]; ok {
			if s.Tick > tick {
				// Anything queued behind it is later still.
				continue
			}
			delete(b.held, kind)
			b.discard(s, "skipped")
		}
	drain:
		for {
			select {
			case s := <-queues[i]:
				if s.Tick > tick {
					// Hold the earliest future sample and leave the rest queued.
					b.held[kind] = s
					break drain
				}
				b.discard(s, "skipped")
			default:
				break drain
			}
		}
	}
}
