// Package cache provides a version-strict query result cache. Entries are
// keyed by a query fingerprint and remember the collection change state
// they were computed at; a lookup only hits when that state is still
// current, so a cached result can never be served across a commit.
package cache

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"golang.org/x/sync/singleflight"

	"github.com/xet7/jmap-server/core"
)

// Key identifies one cached query result.
type Key struct {
	Account     core.AccountID
	Collection  core.Collection
	Fingerprint uint64
}

// Options tunes a ResultCache.
type Options struct {
	// Capacity is the byte budget for cached bitmaps. Zero means the
	// default of 32 MiB.
	Capacity int64
	// TimeToIdle evicts entries not read for this long. Zero disables
	// idle expiry.
	TimeToIdle time.Duration
}

const defaultCapacity = 32 << 20

// ResultCache is a size-bounded LRU over query result bitmaps with
// single-flight computation: concurrent lookups of the same key at the
// same state run the query once and share the result.
type ResultCache struct {
	mu        sync.Mutex
	capacity  int64
	size      int64
	tti       time.Duration
	items     map[Key]*list.Element
	evictList *list.List
	epochs    map[scopeID]uint64

	group singleflight.Group

	hits   atomic.Int64
	misses atomic.Int64
}

// scopeID is the invalidation granularity: commits drop a whole
// (account, collection) at once.
type scopeID struct {
	account    core.AccountID
	collection core.Collection
}

type entry struct {
	key      Key
	state    uint64
	bits     *roaring.Bitmap
	size     int64
	lastRead time.Time
}

// New creates a ResultCache.
func New(opts Options) *ResultCache {
	if opts.Capacity <= 0 {
		opts.Capacity = defaultCapacity
	}
	return &ResultCache{
		capacity:  opts.Capacity,
		tti:       opts.TimeToIdle,
		items:     make(map[Key]*list.Element),
		evictList: list.New(),
		epochs:    make(map[scopeID]uint64),
	}
}

// GetOrCompute returns the cached result for key at state, computing and
// caching it on a miss. The returned bitmap is shared and must be treated
// as read-only; callers that mutate results must Clone first.
func (c *ResultCache) GetOrCompute(ctx context.Context, key Key, state uint64, compute func(ctx context.Context) (*roaring.Bitmap, error)) (*roaring.Bitmap, error) {
	if bits, ok := c.lookup(key, state); ok {
		c.hits.Add(1)
		return bits, nil
	}
	c.misses.Add(1)

	// The state is part of the flight key so a query against a newer
	// state never piggybacks on an in-flight computation of a stale one.
	flightKey := fmt.Sprintf("%d/%d/%x@%d", key.Account, key.Collection, key.Fingerprint, state)
	v, err, _ := c.group.Do(flightKey, func() (any, error) {
		if bits, ok := c.lookup(key, state); ok {
			return bits, nil
		}
		// Snapshot the scope epoch before computing. If an invalidation
		// lands while the compute runs, the result may not reflect it and
		// must not be inserted, even though its state tag still matches.
		epoch := c.scopeEpoch(key)
		bits, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		c.store(key, state, epoch, bits)
		return bits, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*roaring.Bitmap), nil
}

func (c *ResultCache) lookup(key Key, state uint64) (*roaring.Bitmap, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	ent := el.Value.(*entry)
	if ent.state != state {
		// Computed against an older change state; drop it now rather
		// than waiting for LRU pressure.
		c.removeElement(el)
		return nil, false
	}
	if c.tti > 0 && time.Since(ent.lastRead) > c.tti {
		c.removeElement(el)
		return nil, false
	}
	ent.lastRead = time.Now()
	c.evictList.MoveToFront(el)
	return ent.bits, true
}

func (c *ResultCache) scopeEpoch(key Key) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epochs[scopeID{key.Account, key.Collection}]
}

func (c *ResultCache) store(key Key, state uint64, epoch uint64, bits *roaring.Bitmap) {
	size := int64(bits.GetSizeInBytes())
	if size > c.capacity {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.epochs[scopeID{key.Account, key.Collection}] != epoch {
		return // scope invalidated while the compute ran
	}
	if el, ok := c.items[key]; ok {
		c.removeElement(el)
	}
	for c.size+size > c.capacity {
		tail := c.evictList.Back()
		if tail == nil {
			break
		}
		c.removeElement(tail)
	}
	el := c.evictList.PushFront(&entry{
		key:      key,
		state:    state,
		bits:     bits,
		size:     size,
		lastRead: time.Now(),
	})
	c.items[key] = el
	c.size += size
}

// InvalidateScope drops every cached result for (account, collection) and
// advances the scope epoch so a compute already in flight when the commit
// landed cannot insert its result afterward.
func (c *ResultCache) InvalidateScope(account core.AccountID, collection core.Collection) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.epochs[scopeID{account, collection}]++

	var stale []*list.Element
	for key, el := range c.items {
		if key.Account == account && key.Collection == collection {
			stale = append(stale, el)
		}
	}
	for _, el := range stale {
		c.removeElement(el)
	}
}

// Purge drops all entries.
func (c *ResultCache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[Key]*list.Element)
	c.evictList.Init()
	c.size = 0
}

// Stats reports hit and miss counts since creation.
func (c *ResultCache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

// Size reports the current byte footprint of cached bitmaps.
func (c *ResultCache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

func (c *ResultCache) removeElement(el *list.Element) {
	ent := el.Value.(*entry)
	c.evictList.Remove(el)
	delete(c.items, ent.key)
	c.size -= ent.size
}
