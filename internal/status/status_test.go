package status

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestChannel(t *testing.T) *Channel {
	t.Helper()
	return NewChannel(filepath.Join(t.TempDir(), "connector.txt"), zaptest.NewLogger(t))
}

func TestParse(t *testing.T) {
	for _, v := range []Value{Down, SimReady, CollectionRunning, CollectionComplete, AllDone} {
		got, err := Parse(string(v) + "\n")
		require.NoError(t, err)
		assert.Equal(t, v, got)
	}

	_, err := Parse("CARLA_RUNNING")
	assert.Error(t, err)
}

func TestWriteThenRead(t *testing.T) {
	ch := newTestChannel(t)

	_, err := ch.Read()
	assert.ErrorIs(t, err, ErrChannelIO, "reading before the first write")

	require.NoError(t, ch.Write(Down))
	v, err := ch.Read()
	require.NoError(t, err)
	assert.Equal(t, Down, v)

	raw, err := os.ReadFile(ch.Path())
	require.NoError(t, err)
	assert.Equal(t, "DOWN\n", string(raw), "persisted as a single line token")

	require.NoError(t, ch.Write(SimReady))
	v, err = ch.Read()
	require.NoError(t, err)
	assert.Equal(t, SimReady, v)
}

func TestReadCorruptedValue(t *testing.T) {
	ch := newTestChannel(t)
	require.NoError(t, os.WriteFile(ch.Path(), []byte("garbage"), 0o644))

	_, err := ch.Read()
	assert.ErrorIs(t, err, ErrChannelIO)

	_, err = ch.CompareAndSwap(SimReady, CollectionRunning)
	assert.ErrorIs(t, err, ErrChannelIO)
}

func TestWriteToUnreachableStorage(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))

	ch := NewChannel(filepath.Join(blocker, "connector.txt"), zaptest.NewLogger(t))
	err := ch.Write(Down)
	assert.ErrorIs(t, err, ErrChannelIO)
}

func TestCompareAndSwap(t *testing.T) {
	ch := newTestChannel(t)
	require.NoError(t, ch.Write(SimReady))

	ok, err := ch.CompareAndSwap(SimReady, CollectionRunning)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = ch.CompareAndSwap(SimReady, CollectionRunning)
	require.NoError(t, err)
	assert.False(t, ok, "second claim must lose")

	v, err := ch.Read()
	require.NoError(t, err)
	assert.Equal(t, CollectionRunning, v)
}

func TestCompareAndSwapSingleWinner(t *testing.T) {
	path := filepath.Join(t.TempDir(), "connector.txt")
	require.NoError(t, NewChannel(path, nil).Write(SimReady))

	const claimers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// separate Channel values hold separate lock descriptors, like
			// separate processes would
			ok, err := NewChannel(path, nil).CompareAndSwap(SimReady, CollectionRunning)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestCompareAndSwapSharedChannel(t *testing.T) {
	ch := newTestChannel(t)
	const claimers = 8

	for round := 0; round < 50; round++ {
		require.NoError(t, ch.Write(SimReady))

		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		for i := 0; i < claimers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := ch.CompareAndSwap(SimReady, CollectionRunning)
				assert.NoError(t, err)
				if ok {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		require.Equal(t, 1, wins, "round %d", round)
	}
}

func TestUpdateSeesMissingFile(t *testing.T) {
	ch := newTestChannel(t)

	v, err := ch.Update(func(cur Value, exists bool) (Value, bool) {
		assert.False(t, exists)
		return Down, true
	})
	require.NoError(t, err)
	assert.Equal(t, Down, v)
}

func TestWaitFor(t *testing.T) {
	ch := newTestChannel(t)
	require.NoError(t, ch.Write(CollectionComplete))

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = ch.Write(SimReady)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	v, err := ch.WaitFor(ctx, 20*time.Millisecond, SimReady, AllDone)
	require.NoError(t, err)
	assert.Equal(t, SimReady, v)
}

func TestWaitForMissingFileThenCancel(t *testing.T) {
	ch := newTestChannel(t)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := ch.WaitFor(ctx, 10*time.Millisecond, SimReady)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
