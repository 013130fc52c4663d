package snapshot

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/stategc/pkg/gc"
	"github.com/marmos91/stategc/pkg/node"
	"github.com/marmos91/stategc/pkg/store/memory"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func testConfig() Config {
	return Config{
		LockTimeout:       50 * time.Millisecond,
		MaxSnapshotAge:    time.Minute,
		EnableValidation:  true,
		EnablePersistence: true,
	}
}

func seeded(t *testing.T) (*memory.Store, node.Hash) {
	t.Helper()
	s := memory.New()
	h, b, err := node.NewLeaf([]byte("k"), []byte("v"), nil).Hash()
	require.NoError(t, err)
	require.NoError(t, s.WriteNodes(context.Background(), map[node.Hash][]byte{h: b}))
	require.NoError(t, s.PutRoot(context.Background(), 7, h))
	return s, h
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	cfg := testConfig()
	cfg.MaxSnapshotAge = cfg.LockTimeout / 2
	err := cfg.Validate()
	assert.True(t, gc.IsCode(err, gc.ErrConfigInvalid))

	_, err = NewManager(cfg, memory.New(), memory.New(), nil)
	assert.True(t, gc.IsCode(err, gc.ErrConfigInvalid))

	cfg = testConfig()
	cfg.LockTimeout = 0
	assert.Error(t, cfg.Validate())
}

func TestAcquire(t *testing.T) {
	ctx := context.Background()
	s, root := seeded(t)
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	m, err := NewManager(testConfig(), s, s, nil, WithClock(c.now))
	require.NoError(t, err)

	h, err := m.Acquire(ctx)
	require.NoError(t, err)
	snap := h.Snapshot()
	assert.Equal(t, root, snap.StateRoot)
	assert.Equal(t, uint64(7), snap.TxOrder)
	assert.Equal(t, c.t, snap.CreatedAt)
	assert.Equal(t, s.Watermark(), snap.Watermark)
	assert.NoError(t, m.Check(h))
	h.Release()
	h.Release()

	h2, err := m.Acquire(ctx)
	require.NoError(t, err)
	h2.Release()
	assert.Error(t, m.Check(h2), "released handles are not usable")
}

func TestAcquireEmptyStore(t *testing.T) {
	s := memory.New()
	m, err := NewManager(testConfig(), s, s, nil)
	require.NoError(t, err)
	h, err := m.Acquire(context.Background())
	require.NoError(t, err)
	defer h.Release()
	assert.True(t, h.Snapshot().StateRoot.IsZero())
}

func TestAcquireLockTimeout(t *testing.T) {
	ctx := context.Background()
	s, _ := seeded(t)
	m, err := NewManager(testConfig(), s, s, nil)
	require.NoError(t, err)

	h, err := m.Acquire(ctx)
	require.NoError(t, err)

	start := time.Now()
	_, err = m.Acquire(ctx)
	require.Error(t, err)
	assert.True(t, gc.IsCode(err, gc.ErrLockTimeout))
	assert.True(t, gc.Retriable(err))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	// A waiter gets the lock as soon as the holder lets go.
	done := make(chan error, 1)
	go func() {
		h2, err := m.Acquire(ctx)
		if err == nil {
			h2.Release()
		}
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	h.Release()
	assert.NoError(t, <-done)
}

func TestAcquireValidation(t *testing.T) {
	ctx := context.Background()

	t.Run("CorruptRoot", func(t *testing.T) {
		s := memory.New()
		junk := []byte{0xee}
		bad := node.HashBytes(junk)
		require.NoError(t, s.WriteNodes(ctx, map[node.Hash][]byte{bad: junk}))
		require.NoError(t, s.PutRoot(ctx, 1, bad))

		m, err := NewManager(testConfig(), s, s, nil)
		require.NoError(t, err)
		_, err = m.Acquire(ctx)
		assert.True(t, gc.IsCode(err, gc.ErrCorruptNode))

		// The failed attempt did not keep the lock.
		cfg := testConfig()
		cfg.EnableValidation = false
		m2, err := NewManager(cfg, s, s, nil)
		require.NoError(t, err)
		h, err := m2.Acquire(ctx)
		require.NoError(t, err)
		h.Release()
		_, err = m.Acquire(ctx)
		assert.True(t, gc.IsCode(err, gc.ErrCorruptNode), "not a lock timeout")
	})

	t.Run("MissingRoot", func(t *testing.T) {
		s := memory.New()
		require.NoError(t, s.PutRoot(ctx, 1, node.HashBytes([]byte("gone"))))
		m, err := NewManager(testConfig(), s, s, nil)
		require.NoError(t, err)
		_, err = m.Acquire(ctx)
		assert.True(t, gc.IsCode(err, gc.ErrCorruptNode))
	})
}

func TestExpiry(t *testing.T) {
	s, _ := seeded(t)
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	m, err := NewManager(testConfig(), s, s, nil, WithClock(c.now))
	require.NoError(t, err)

	h, err := m.Acquire(context.Background())
	require.NoError(t, err)
	defer h.Release()

	c.t = c.t.Add(59 * time.Second)
	assert.False(t, h.Expired())
	c.t = c.t.Add(2 * time.Second)
	assert.True(t, h.Expired())
	assert.ErrorIs(t, m.Check(h), ErrExpired)
}

func TestCommitAndResume(t *testing.T) {
	ctx := context.Background()
	s, root := seeded(t)

	m, err := NewManager(testConfig(), s, s, NewMetaPersister(s))
	require.NoError(t, err)
	h, err := m.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, m.Commit(ctx, h.Snapshot()))
	h.Release()

	restarted, err := NewManager(testConfig(), s, s, NewMetaPersister(s))
	require.NoError(t, err)
	assert.Nil(t, restarted.Committed())
	got, err := restarted.Resume(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, root, got.StateRoot)
	assert.Equal(t, uint64(7), got.TxOrder)
	assert.True(t, h.Snapshot().CreatedAt.Equal(got.CreatedAt))
	assert.Equal(t, got, restarted.Committed())
}

func TestPersistenceDisabled(t *testing.T) {
	ctx := context.Background()
	s, _ := seeded(t)
	cfg := testConfig()
	cfg.EnablePersistence = false

	m, err := NewManager(cfg, s, s, NewMetaPersister(s))
	require.NoError(t, err)
	require.NoError(t, m.Commit(ctx, Snapshot{TxOrder: 3}))
	assert.Equal(t, uint64(3), m.Committed().TxOrder)

	again, err := NewManager(cfg, s, s, NewMetaPersister(s))
	require.NoError(t, err)
	got, err := again.Resume(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestHold(t *testing.T) {
	ctx := context.Background()
	s, _ := seeded(t)
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	m, err := NewManager(testConfig(), s, s, nil, WithClock(c.now))
	require.NoError(t, err)

	h, err := m.Acquire(ctx)
	require.NoError(t, err)
	snap := h.Snapshot()

	_, err = m.Hold(ctx, snap)
	assert.True(t, gc.IsCode(err, gc.ErrLockTimeout), "held while another handle is out")
	h.Release()

	c.t = c.t.Add(2 * time.Minute)
	held, err := m.Hold(ctx, snap)
	require.NoError(t, err)
	defer held.Release()
	assert.Equal(t, snap, held.Snapshot())
	assert.True(t, held.Expired())
}
