package config

import (
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"

	"github.com/entrhq/fleet/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCounter struct {
	pending map[types.WorkerID]int
}

func (c *fakeCounter) PendingCount(id types.WorkerID) (int, error) {
	n, ok := c.pending[id]
	if !ok {
		return 0, errors.New("no queue")
	}
	return n, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []*types.WorkerEvent
}

func (p *recordingPublisher) Publish(event *types.WorkerEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func newTestStore(t *testing.T, opts ...StoreOption) (*WorkerStore, Layout) {
	t.Helper()
	layout := NewLayout(t.TempDir())
	return NewWorkerStore(layout, opts...), layout
}

func TestWorkerStore_Create(t *testing.T) {
	t.Run("writes defaults", func(t *testing.T) {
		store, layout := newTestStore(t)

		cfg, err := store.Create(1)
		require.NoError(t, err)
		assert.Equal(t, DefaultDelayRandomStart, cfg.DelayRandomStart)
		assert.Equal(t, DefaultDelayRandomEnd, cfg.DelayRandomEnd)
		assert.False(t, cfg.QRLoggedIn)

		data, err := os.ReadFile(layout.WorkerConfigFile(1))
		require.NoError(t, err)
		assert.Contains(t, string(data), `"delayRandomStart": 240`)
		assert.Contains(t, string(data), `"delayRandomEnd": 300`)
	})

	t.Run("keeps existing config", func(t *testing.T) {
		store, _ := newTestStore(t)

		_, err := store.Create(1)
		require.NoError(t, err)
		_, err = store.Update(1, Patch{Note: String("keep me")})
		require.NoError(t, err)

		cfg, err := store.Create(1)
		require.NoError(t, err)
		assert.Equal(t, "keep me", cfg.Note)
	})
}

func TestWorkerStore_Get(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.Get(9)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.Create(9)
	require.NoError(t, err)

	cfg, err := store.Get(9)
	require.NoError(t, err)
	assert.Equal(t, DefaultWorkerConfig(), cfg)
}

func TestWorkerStore_Update(t *testing.T) {
	t.Run("merges only given fields", func(t *testing.T) {
		store, _ := newTestStore(t)
		_, err := store.Create(1)
		require.NoError(t, err)

		cfg, err := store.Update(1, Patch{Note: String("night shift")})
		require.NoError(t, err)
		assert.Equal(t, "night shift", cfg.Note)
		assert.Equal(t, 240, cfg.DelayRandomStart)

		cfg, err = store.Update(1, Patch{DelayRandomStart: Int(10), DelayRandomEnd: Int(20)})
		require.NoError(t, err)
		assert.Equal(t, "night shift", cfg.Note)
		assert.Equal(t, 10, cfg.DelayRandomStart)
		assert.Equal(t, 20, cfg.DelayRandomEnd)
	})

	t.Run("preserves unknown keys", func(t *testing.T) {
		store, layout := newTestStore(t)
		require.NoError(t, os.MkdirAll(layout.WorkerConfigDir(2), 0750))
		require.NoError(t, os.WriteFile(layout.WorkerConfigFile(2),
			[]byte(`{"delayRandomStart":1,"delayRandomEnd":2,"owner":"ops"}`), 0600))

		_, err := store.Update(2, Patch{QueueSize: Int(5)})
		require.NoError(t, err)

		data, err := os.ReadFile(layout.WorkerConfigFile(2))
		require.NoError(t, err)
		raw := map[string]interface{}{}
		require.NoError(t, json.Unmarshal(data, &raw))
		assert.Equal(t, "ops", raw["owner"])
		assert.Equal(t, float64(5), raw["queueSize"])
	})

	t.Run("rejects inverted bounds", func(t *testing.T) {
		store, _ := newTestStore(t)
		_, err := store.Create(1)
		require.NoError(t, err)

		_, err = store.Update(1, Patch{DelayRandomStart: Int(500)})
		assert.ErrorIs(t, err, ErrInvalidDelay)

		cfg, err := store.Get(1)
		require.NoError(t, err)
		assert.Equal(t, 240, cfg.DelayRandomStart, "rejected update must not be persisted")
	})

	t.Run("rejects negative queue size", func(t *testing.T) {
		store, _ := newTestStore(t)
		_, err := store.Create(1)
		require.NoError(t, err)

		_, err = store.Update(1, Patch{QueueSize: Int(-1)})
		assert.ErrorIs(t, err, ErrInvalidQueueSize)
	})

	t.Run("missing config", func(t *testing.T) {
		store, _ := newTestStore(t)
		_, err := store.Update(3, Patch{Note: String("x")})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("publishes change", func(t *testing.T) {
		pub := &recordingPublisher{}
		store, _ := newTestStore(t, WithPublisher(pub))
		_, err := store.Create(4)
		require.NoError(t, err)

		_, err = store.Update(4, Patch{QueueSize: Int(3)})
		require.NoError(t, err)

		require.Len(t, pub.events, 1)
		assert.Equal(t, types.EventTypeConfigUpdated, pub.events[0].Type)
		assert.Equal(t, types.WorkerID(4), pub.events[0].WorkerID)
		assert.Equal(t, 3, pub.events[0].Pending)
	})
}

func TestWorkerStore_QueueSize(t *testing.T) {
	counter := &fakeCounter{pending: map[types.WorkerID]int{1: 12}}
	store, _ := newTestStore(t, WithPendingCounter(counter))
	_, err := store.Create(1)
	require.NoError(t, err)
	_, err = store.Update(1, Patch{QueueSize: Int(99)})
	require.NoError(t, err)

	n, err := store.QueueSize(1)
	require.NoError(t, err)
	assert.Equal(t, 12, n, "queue size comes from the queue, not the stored counter")
}

func TestWorkerStore_ResetAndRemove(t *testing.T) {
	store, layout := newTestStore(t)
	_, err := store.Create(1)
	require.NoError(t, err)
	_, err = store.Update(1, Patch{
		QueueSize:        Int(8),
		IsTableExist:     Bool(true),
		Note:             String("vip"),
		DelayRandomStart: Int(1),
		DelayRandomEnd:   Int(2),
	})
	require.NoError(t, err)

	cfg, err := store.Reset(1)
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.QueueSize)
	assert.False(t, cfg.IsTableExist)
	assert.Equal(t, "vip", cfg.Note)
	assert.Equal(t, 1, cfg.DelayRandomStart)

	require.NoError(t, store.Remove(1))
	_, err = os.Stat(layout.WorkerConfigDir(1))
	assert.True(t, os.IsNotExist(err))
}

func TestWorkerStore_ConcurrentUpdates(t *testing.T) {
	store, _ := newTestStore(t)
	_, err := store.Create(1)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, _ = store.Update(1, Patch{QueueSize: Int(n)})
		}(i)
	}
	wg.Wait()

	_, err = store.Get(1)
	assert.NoError(t, err, "file must remain decodable after concurrent updates")
}
