package reclaim

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingReleaser struct {
	mu     sync.Mutex
	ranges [][2]uintptr
}

func (r *recordingReleaser) Release(addr, size uintptr) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ranges = append(r.ranges, [2]uintptr{addr, size})
	return nil
}

func (r *recordingReleaser) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ranges)
}

func Test_Reclaim_MarkUsedBeforeReclaim(t *testing.T) {
	rel := &recordingReleaser{}
	b := New(rel, 4)

	id, err := b.MarkFree(0x10000, 0x4000)
	require.NoError(t, err)
	assert.True(t, b.IsAvailable(id))
	assert.Equal(t, uintptr(0x4000), b.FreeBytes())

	require.True(t, b.MarkUsed(id, 0x10000, 0x4000))
	assert.False(t, b.IsAvailable(id))
	assert.Zero(t, b.Reclaim(0), "used ranges are never reclaimed")
	assert.Zero(t, rel.count())
}

func Test_Reclaim_ReclaimBeforeMarkUsed(t *testing.T) {
	rel := &recordingReleaser{}
	b := New(rel, 4)

	id, err := b.MarkFree(0x10000, 0x4000)
	require.NoError(t, err)

	assert.Equal(t, uintptr(0x4000), b.Reclaim(0))
	assert.False(t, b.MarkUsed(id, 0x10000, 0x4000), "host won the race")
	assert.Equal(t, 1, rel.count())
	assert.Equal(t, uint64(1), b.Stats().ReclaimedCount)
}

func Test_Reclaim_OldestFirstWithGoal(t *testing.T) {
	rel := &recordingReleaser{}
	b := New(rel, 8)

	var ids []uint64
	for i := range 4 {
		id, err := b.MarkFree(uintptr(0x100000*(i+1)), 0x1000)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	assert.Equal(t, uintptr(0x2000), b.Reclaim(0x1800))
	assert.False(t, b.IsAvailable(ids[0]))
	assert.False(t, b.IsAvailable(ids[1]))
	assert.True(t, b.IsAvailable(ids[2]))
	assert.True(t, b.IsAvailable(ids[3]))
	assert.Equal(t, uintptr(0x100000), rel.ranges[0][0])
}

func Test_Reclaim_FullAndStaleIDs(t *testing.T) {
	b := New(&recordingReleaser{}, 2)

	id1, err := b.MarkFree(0x1000, 0x1000)
	require.NoError(t, err)
	_, err = b.MarkFree(0x2000, 0x1000)
	require.NoError(t, err)
	_, err = b.MarkFree(0x3000, 0x1000)
	assert.ErrorIs(t, err, ErrFull)

	require.True(t, b.MarkUsed(id1, 0x1000, 0x1000))
	id3, err := b.MarkFree(0x3000, 0x1000)
	require.NoError(t, err)

	assert.False(t, b.MarkUsed(id1, 0x1000, 0x1000), "recycled slot must not match a stale id")
	assert.False(t, b.MarkUsed(id3, 0x4000, 0x1000), "address mismatch")
	assert.True(t, b.MarkUsed(id3, 0x3000, 0x1000))
}

func Test_Reclaim_Run(t *testing.T) {
	rel := &recordingReleaser{}
	b := New(rel, 4)
	_, err := b.MarkFree(0x1000, 0x1000)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx, time.Millisecond, 0) }()

	require.Eventually(t, func() bool { return rel.count() == 1 }, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func Test_Reclaim_ConcurrentHandshake(t *testing.T) {
	// Exactly one side wins each range.
	for range 200 {
		rel := &recordingReleaser{}
		b := New(rel, 4)
		id, err := b.MarkFree(0x1000, 0x1000)
		require.NoError(t, err)

		var used bool
		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); used = b.MarkUsed(id, 0x1000, 0x1000) }()
		go func() { defer wg.Done(); b.Reclaim(0) }()
		wg.Wait()

		assert.NotEqual(t, used, rel.count() == 1)
	}
}
