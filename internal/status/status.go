package status

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gofrs/flock"
	"go.uber.org/zap"
)

// Value is the single token persisted in the status file.
type Value string

const (
	Down               Value = "DOWN"
	SimReady           Value = "SIM_READY"
	CollectionRunning  Value = "COLLECTION_RUNNING"
	CollectionComplete Value = "COLLECTION_COMPLETE"
	AllDone            Value = "ALL_DONE"
)

// ErrChannelIO is returned when the status file cannot be read or written,
// or holds something that is not a status token.
var ErrChannelIO = errors.New("status channel i/o failure")

// DefaultPollInterval is how often WaitFor re-reads the file when no
// filesystem event arrives.
const DefaultPollInterval = time.Second

// Parse converts a persisted token into a Value.
func Parse(s string) (Value, error) {
	switch v := Value(strings.TrimSpace(s)); v {
	case Down, SimReady, CollectionRunning, CollectionComplete, AllDone:
		return v, nil
	default:
		return "", fmt.Errorf("unknown status token %q", s)
	}
}

func (v Value) String() string { return string(v) }

// Terminal reports whether no further transitions are expected.
func (v Value) Terminal() bool { return v == AllDone }

// Channel is the file-backed status register shared by the supervisor and
// the scheduler. Every mutation holds an exclusive lock on a sibling
// ".lock" file and replaces the status file with an atomic rename, so a
// reader never observes a torn value and Update is a real compare-and-swap
// across processes. mu serializes goroutines sharing one Channel, since a
// flock.Flock is reentrant within its holder.
type Channel struct {
	path   string
	mu     sync.Mutex
	lock   *flock.Flock
	logger *zap.Logger
}

// NewChannel creates a channel backed by path. The file is not created
// until the first write.
func NewChannel(path string, logger *zap.Logger) *Channel {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Channel{
		path:   path,
		lock:   flock.New(path + ".lock"),
		logger: logger,
	}
}

// Path returns the status file location.
func (c *Channel) Path() string { return c.path }

// Read returns the current value.
func (c *Channel) Read() (Value, error) {
	b, err := os.ReadFile(c.path)
	if err != nil {
		return "", fmt.Errorf("%w: read %s: %v", ErrChannelIO, c.path, err)
	}
	v, err := Parse(string(b))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrChannelIO, err)
	}
	return v, nil
}

// Write unconditionally replaces the current value.
func (c *Channel) Write(v Value) error {
	_, err := c.Update(func(Value, bool) (Value, bool) { return v, true })
	return err
}

// CompareAndSwap writes next only if the current value equals old.
func (c *Channel) CompareAndSwap(old, next Value) (bool, error) {
	swapped := false
	_, err := c.Update(func(cur Value, ok bool) (Value, bool) {
		if !ok || cur != old {
			return cur, false
		}
		swapped = true
		return next, true
	})
	return swapped, err
}

// Update runs fn with the current value under the channel lock. exists is
// false when the file has not been written yet. If fn returns write=true the
// returned value is persisted before the lock is released. Update returns
// the value in effect when it returns.
func (c *Channel) Update(fn func(cur Value, exists bool) (next Value, write bool)) (Value, error) {
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return "", fmt.Errorf("%w: create dir: %v", ErrChannelIO, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.lock.Lock(); err != nil {
		return "", fmt.Errorf("%w: lock %s: %v", ErrChannelIO, c.lock.Path(), err)
	}
	defer func() {
		if err := c.lock.Unlock(); err != nil {
			c.logger.Warn("Failed to release status lock", zap.Error(err))
		}
	}()

	cur, err := c.Read()
	exists := err == nil
	if err != nil && fileExists(c.path) {
		return "", err
	}

	next, write := fn(cur, exists)
	if !write {
		return cur, nil
	}
	if _, err := Parse(string(next)); err != nil {
		return cur, fmt.Errorf("%w: refusing to write %v", ErrChannelIO, err)
	}
	if err := c.replace(next); err != nil {
		return cur, err
	}
	if next != cur {
		c.logger.Info("Status changed",
			zap.String("from", string(cur)),
			zap.String("to", string(next)),
		)
	}
	return next, nil
}

func (c *Channel) replace(v Value) error {
	dir := filepath.Dir(c.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(c.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("%w: create temp: %v", ErrChannelIO, err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.WriteString(string(v) + "\n"); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("%w: write: %v", ErrChannelIO, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("%w: sync: %v", ErrChannelIO, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("%w: close: %v", ErrChannelIO, err)
	}
	if err := os.Rename(tmpName, c.path); err != nil {
		cleanup()
		return fmt.Errorf("%w: rename: %v", ErrChannelIO, err)
	}
	return nil
}

// WaitFor blocks until the channel holds one of want and returns it. It
// wakes on filesystem events for the status file and re-reads every
// interval regardless, since some filesystems do not deliver events.
// A missing file is treated as "not yet"; any other read failure is
// returned.
func (c *Channel) WaitFor(ctx context.Context, interval time.Duration, want ...Value) (Value, error) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	var events <-chan fsnotify.Event
	if w, err := fsnotify.NewWatcher(); err == nil {
		defer w.Close()
		if err := w.Add(filepath.Dir(c.path)); err == nil {
			events = w.Events
		} else {
			c.logger.Debug("Status watch unavailable, polling only", zap.Error(err))
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		v, err := c.Read()
		switch {
		case err == nil:
			for _, w := range want {
				if v == w {
					return v, nil
				}
			}
		case !fileExists(c.path):
			// not written yet
		default:
			return "", err
		}

		select {
		case <-ctx.Done():
			return v, ctx.Err()
		case <-ticker.C:
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(ev.Name) != filepath.Clean(c.path) {
				continue
			}
		}
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
