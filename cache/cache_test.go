package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bitmapOf(ids ...uint32) *roaring.Bitmap {
	return roaring.BitmapOf(ids...)
}

func TestGetOrComputeCachesByState(t *testing.T) {
	c := New(Options{})
	ctx := context.Background()
	key := Key{Account: 1, Collection: 3, Fingerprint: 0xabc}

	calls := 0
	compute := func(context.Context) (*roaring.Bitmap, error) {
		calls++
		return bitmapOf(1, 2, 3), nil
	}

	got, err := c.GetOrCompute(ctx, key, 7, compute)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), got.GetCardinality())
	assert.Equal(t, 1, calls)

	// Same state: served from cache.
	_, err = c.GetOrCompute(ctx, key, 7, compute)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	// Newer state: the stale entry must not be served.
	_, err = c.GetOrCompute(ctx, key, 8, compute)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)

	hits, misses := c.Stats()
	assert.Equal(t, int64(1), hits)
	assert.Equal(t, int64(2), misses)
}

func TestSingleFlight(t *testing.T) {
	c := New(Options{})
	ctx := context.Background()
	key := Key{Account: 1, Collection: 3, Fingerprint: 0xdef}

	var calls atomic.Int32
	release := make(chan struct{})
	compute := func(context.Context) (*roaring.Bitmap, error) {
		calls.Add(1)
		<-release
		return bitmapOf(42), nil
	}

	const waiters = 8
	var wg sync.WaitGroup
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := c.GetOrCompute(ctx, key, 1, compute)
			assert.NoError(t, err)
			assert.True(t, got.Contains(42))
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load(), "concurrent identical queries must compute once")
}

func TestInvalidateScope(t *testing.T) {
	c := New(Options{})
	ctx := context.Background()

	calls := 0
	compute := func(context.Context) (*roaring.Bitmap, error) {
		calls++
		return bitmapOf(1), nil
	}

	inScope := Key{Account: 1, Collection: 3, Fingerprint: 1}
	otherColl := Key{Account: 1, Collection: 4, Fingerprint: 2}
	otherAcct := Key{Account: 2, Collection: 3, Fingerprint: 3}
	for _, k := range []Key{inScope, otherColl, otherAcct} {
		_, err := c.GetOrCompute(ctx, k, 1, compute)
		require.NoError(t, err)
	}
	require.Equal(t, 3, calls)

	c.InvalidateScope(1, 3)

	_, err := c.GetOrCompute(ctx, inScope, 1, compute)
	require.NoError(t, err)
	assert.Equal(t, 4, calls, "invalidated entry recomputes")

	_, err = c.GetOrCompute(ctx, otherColl, 1, compute)
	require.NoError(t, err)
	_, err = c.GetOrCompute(ctx, otherAcct, 1, compute)
	require.NoError(t, err)
	assert.Equal(t, 4, calls, "other scopes stay cached")
}

func TestInvalidationBeatsInFlightCompute(t *testing.T) {
	c := New(Options{})
	ctx := context.Background()
	key := Key{Account: 1, Collection: 3, Fingerprint: 0x11}

	started := make(chan struct{})
	release := make(chan struct{})
	slow := func(context.Context) (*roaring.Bitmap, error) {
		close(started)
		<-release
		// Result computed before the commit landed: misses doc 5.
		return bitmapOf(), nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := c.GetOrCompute(ctx, key, 7, slow)
		assert.NoError(t, err)
	}()

	// A commit invalidates the scope while the compute is still running,
	// then the compute finishes and tries to store its stale result.
	<-started
	c.InvalidateScope(1, 3)
	close(release)
	<-done

	// The next lookup at the same state must recompute, not serve the
	// result the straggler produced.
	got, err := c.GetOrCompute(ctx, key, 7, func(context.Context) (*roaring.Bitmap, error) {
		return bitmapOf(5), nil
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), got.GetCardinality(), "stale in-flight result must not be cached past an invalidation")
}

func TestCapacityEviction(t *testing.T) {
	// Two dense bitmaps exceed the budget; the older one is evicted.
	big := func() *roaring.Bitmap {
		bm := roaring.New()
		bm.AddRange(0, 100_000)
		return bm
	}
	c := New(Options{Capacity: int64(big().GetSizeInBytes()) + 64})
	ctx := context.Background()

	calls := 0
	compute := func(context.Context) (*roaring.Bitmap, error) {
		calls++
		return big(), nil
	}

	k1 := Key{Account: 1, Collection: 3, Fingerprint: 1}
	k2 := Key{Account: 1, Collection: 3, Fingerprint: 2}

	_, err := c.GetOrCompute(ctx, k1, 1, compute)
	require.NoError(t, err)
	_, err = c.GetOrCompute(ctx, k2, 1, compute)
	require.NoError(t, err)
	require.Equal(t, 2, calls)

	// k1 was evicted to make room for k2.
	_, err = c.GetOrCompute(ctx, k1, 1, compute)
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	assert.LessOrEqual(t, c.Size(), int64(big().GetSizeInBytes())+64)
}

func TestTimeToIdle(t *testing.T) {
	c := New(Options{TimeToIdle: 10 * time.Millisecond})
	ctx := context.Background()
	key := Key{Account: 1, Collection: 3, Fingerprint: 9}

	calls := 0
	compute := func(context.Context) (*roaring.Bitmap, error) {
		calls++
		return bitmapOf(1), nil
	}

	_, err := c.GetOrCompute(ctx, key, 1, compute)
	require.NoError(t, err)
	time.Sleep(25 * time.Millisecond)
	_, err = c.GetOrCompute(ctx, key, 1, compute)
	require.NoError(t, err)
	assert.Equal(t, 2, calls, "idle entry expires")
}

func TestComputeErrorNotCached(t *testing.T) {
	c := New(Options{})
	ctx := context.Background()
	key := Key{Account: 1, Collection: 3, Fingerprint: 5}

	calls := 0
	_, err := c.GetOrCompute(ctx, key, 1, func(context.Context) (*roaring.Bitmap, error) {
		calls++
		return nil, assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	got, err := c.GetOrCompute(ctx, key, 1, func(context.Context) (*roaring.Bitmap, error) {
		calls++
		return bitmapOf(7), nil
	})
	require.NoError(t, err)
	assert.True(t, got.Contains(7))
	assert.Equal(t, 2, calls)
}
