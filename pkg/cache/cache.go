// Package cache defines the query-result cache invalidation hook (C11):
// the Refresher calls Invalidator.InvalidateForTable after every
// successful refresh so that any result cache sitting in front of the
// accelerated table drops its stale entries. The interface is the
// load-bearing part; LRU is a concrete, exercised implementation
// grounded on the nscaledev-uni-core refresh-ahead cache's Epoch idiom
// (other_examples/776b55c8_nscaledev-uni-core__pkg-util-cache-refresh_ahead.go.go),
// simplified from its generic Cacheable[T] machinery down to a plain
// keyed-by-table-name epoch bump, since there is no typed cache payload
// in scope here - only invalidation.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/block/accelerant/pkg/dataset"
)

// Invalidator is the interface the Refresher depends on. A dataset
// manifest may wire any implementation (or none); accelerant ships LRU
// as a working default.
type Invalidator interface {
	InvalidateForTable(ctx context.Context, name dataset.Name) error
}

// Epoch is a revision marker for one table's cached results. A caller
// holding an Epoch can tell whether its memoized results are still
// fresh by comparing against the current epoch.
type Epoch struct {
	at time.Time
}

// Valid reports whether other is still the current epoch.
func (e Epoch) Valid(other Epoch) bool { return e.at.Equal(other.at) }

// LRU is a simple in-process result cache keyed by dataset name. It
// does not cache result payloads itself (no query surface exists in
// this module to populate one) - it tracks one Epoch per table, bumped
// on every invalidation, so a caller layering a result cache on top can
// memoize against Epoch.Valid instead of re-querying on every request.
type LRU struct {
	mu     sync.Mutex
	epochs map[dataset.Name]Epoch
}

// NewLRU returns an empty LRU.
func NewLRU() *LRU {
	return &LRU{epochs: make(map[dataset.Name]Epoch)}
}

// InvalidateForTable bumps name's epoch. It never returns an error;
// the signature matches Invalidator so a future implementation backed
// by a remote cache (with a real failure mode) can be swapped in
// without a call-site change.
func (c *LRU) InvalidateForTable(ctx context.Context, name dataset.Name) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epochs[name] = Epoch{at: timeNow()}
	return nil
}

// Epoch returns the current epoch for name. A name that was never
// invalidated yields the zero epoch, which never compares Valid against
// a post-invalidation epoch; nothing is stored on access.
func (c *LRU) Epoch(name dataset.Name) Epoch {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epochs[name]
}

// timeNow is a var so tests can pin it; production always uses the
// real clock.
var timeNow = time.Now
