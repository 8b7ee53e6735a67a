// Package leaseboard tracks, for the levels one coordinator owns, which
// tiles are still outstanding on lease to a worker and which are already
// confirmed persisted.
package leaseboard

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring/roaring64"

	"github.com/ofsouzap/mandelserve/internal/coordid"
)

// UnspecifiedMaxDepth is the sentinel meaning "don't compare maxDepth" on
// either side of a match.
const UnspecifiedMaxDepth = ^uint32(0)

// DefaultLeaseTTL is the lease lifetime used when a coordinator doesn't
// override it.
const DefaultLeaseTTL = time.Hour

// DefaultSweepPeriod is the sweeper's default fixed timer interval.
const DefaultSweepPeriod = 5 * time.Minute

// ErrLevelAlreadyOwned is returned by New when one of the requested levels
// is already claimed in the registry.
var ErrLevelAlreadyOwned = errors.New("leaseboard: level already owned")

// OwnershipRegistry is the process-wide "which levels does some coordinator
// already own" fact. The original treats this as true global state; here
// it is built once in main and passed into every Leaseboard constructor,
// so tests can each build their own registry instead of sharing one.
type OwnershipRegistry struct {
	mu    sync.Mutex
	owned map[uint32]bool
}

// NewOwnershipRegistry returns an empty registry.
func NewOwnershipRegistry() *OwnershipRegistry {
	return &OwnershipRegistry{owned: make(map[uint32]bool)}
}

func (r *OwnershipRegistry) claim(levels []uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range levels {
		if r.owned[l] {
			return fmt.Errorf("%w: level %d", ErrLevelAlreadyOwned, l)
		}
	}
	for _, l := range levels {
		r.owned[l] = true
	}
	return nil
}

func (r *OwnershipRegistry) release(levels []uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range levels {
		delete(r.owned, l)
	}
}

// LevelConfig is one owned level and the maxDepth advertised to workers
// leased a tile on it.
type LevelConfig struct {
	Level    uint32
	MaxDepth uint32
}

// Lease is a time-bounded assignment of a coord to one worker.
type Lease struct {
	Coord    coordid.Coord
	MaxDepth uint32
	Deadline time.Time
}

// Response is a worker's claim to have completed a coord, as read off the
// Dispatcher's wire protocol.
type Response struct {
	Coord    coordid.Coord
	MaxDepth uint32
}

// match reports whether resp satisfies lease at time now: coordinates must
// be equal, the lease must not have expired, and maxDepth is compared only
// when neither side is UnspecifiedMaxDepth. This is a predicate rather than
// an equality relation on purpose: a Lease and a Response are different
// shapes, and maxDepth comparison is intentionally asymmetric around the
// sentinel.
func match(lease Lease, resp Response, now time.Time) bool {
	if lease.Coord != resp.Coord {
		return false
	}
	if now.After(lease.Deadline) {
		return false
	}
	if lease.MaxDepth != UnspecifiedMaxDepth && resp.MaxDepth != UnspecifiedMaxDepth && lease.MaxDepth != resp.MaxDepth {
		return false
	}
	return true
}

// Leaseboard is the in-memory state for one coordinator: Outstanding
// leases and the Completed set, for the levels it owns.
type Leaseboard struct {
	mu sync.Mutex

	ownedLevels []uint32
	maxDepthOf  map[uint32]uint32
	leaseTTL    time.Duration

	outstanding map[coordid.Coord]Lease
	completed   *roaring64.Bitmap

	registry *OwnershipRegistry
}

// New claims levels in registry and returns a Leaseboard for them with an
// empty Completed set; call Seed to populate it from persisted state.
func New(levels []LevelConfig, registry *OwnershipRegistry, leaseTTL time.Duration) (*Leaseboard, error) {
	ownedLevels := make([]uint32, len(levels))
	maxDepthOf := make(map[uint32]uint32, len(levels))
	for i, lvl := range levels {
		ownedLevels[i] = lvl.Level
		maxDepthOf[lvl.Level] = lvl.MaxDepth
	}
	if err := registry.claim(ownedLevels); err != nil {
		return nil, err
	}
	return &Leaseboard{
		ownedLevels: ownedLevels,
		maxDepthOf:  maxDepthOf,
		leaseTTL:    leaseTTL,
		outstanding: make(map[coordid.Coord]Lease),
		completed:   roaring64.New(),
		registry:    registry,
	}, nil
}

// Close releases this board's levels back to the registry. Not safe to
// call concurrently with any other method.
func (lb *Leaseboard) Close() {
	lb.registry.release(lb.ownedLevels)
}

// OwnedLevels returns a copy of the configured owned levels, in config
// order.
func (lb *Leaseboard) OwnedLevels() []uint32 {
	out := make([]uint32, len(lb.ownedLevels))
	copy(out, lb.ownedLevels)
	return out
}

// Seed populates Completed from coords already confirmed persisted (the
// owned-level entries StorageWorker's Enumerate returned at startup).
func (lb *Leaseboard) Seed(coords []coordid.Coord) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	for _, c := range coords {
		lb.completed.Add(coordid.Pack(lb.ownedLevels, c))
	}
}

// NextNeeded scans owned coords in (level config order, iReal asc, iImag
// asc) and returns the first one that is neither Completed nor held by a
// non-expired lease. This is a linear scan over the owned grids, matching
// the original's enumeration order; it is not cursor-optimized.
func (lb *Leaseboard) NextNeeded(now time.Time) (coordid.Coord, bool) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	for _, level := range lb.ownedLevels {
		for r := uint32(0); r < level; r++ {
			for im := uint32(0); im < level; im++ {
				c := coordid.Coord{Level: level, IReal: r, IImag: im}
				if lb.completed.Contains(coordid.Pack(lb.ownedLevels, c)) {
					continue
				}
				if lease, ok := lb.outstanding[c]; ok && now.Before(lease.Deadline) {
					continue
				}
				return c, true
			}
		}
	}
	return coordid.Coord{}, false
}

// Grant records a new lease on coord with deadline now+leaseTTL, using the
// maxDepth configured for coord.Level, replacing any existing (necessarily
// expired, per NextNeeded) lease on the same coord.
func (lb *Leaseboard) Grant(coord coordid.Coord, now time.Time) Lease {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	lease := Lease{
		Coord:    coord,
		MaxDepth: lb.maxDepthOf[coord.Level],
		Deadline: now.Add(lb.leaseTTL),
	}
	lb.outstanding[coord] = lease
	return lease
}

// Accept validates resp against the outstanding lease on its coord. On a
// match it removes the lease and adds the coord to Completed, returning
// true; otherwise it leaves state untouched and returns false.
func (lb *Leaseboard) Accept(resp Response, now time.Time) bool {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	lease, ok := lb.outstanding[resp.Coord]
	if !ok || !match(lease, resp, now) {
		return false
	}
	delete(lb.outstanding, resp.Coord)
	lb.completed.Add(coordid.Pack(lb.ownedLevels, resp.Coord))
	return true
}

// Sweep removes every lease whose deadline has passed, returning the count
// removed.
func (lb *Leaseboard) Sweep(now time.Time) int {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	removed := 0
	for c, lease := range lb.outstanding {
		if now.After(lease.Deadline) {
			delete(lb.outstanding, c)
			removed++
		}
	}
	return removed
}

// OutstandingCount reports the current size of Outstanding, for the
// outstanding-lease gauge.
func (lb *Leaseboard) OutstandingCount() int {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return len(lb.outstanding)
}

// CompletedCount reports the current size of Completed, for the
// completed-tile gauge.
func (lb *Leaseboard) CompletedCount() uint64 {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.completed.GetCardinality()
}

// StartSweeper runs Sweep on a fixed timer until stop is closed.
func (lb *Leaseboard) StartSweeper(period time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(period)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case t := <-ticker.C:
				lb.Sweep(t)
			}
		}
	}()
}
