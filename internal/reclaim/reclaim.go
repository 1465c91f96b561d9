// Package reclaim implements deferred, grace-period reclamation for
// reference-counted values published via atomic.Pointer swaps.
//
// A SecCtx is read via an atomic.Pointer load with no lock held, so a
// reader may still be using the old value after Cred.ctx has been swapped
// to a fresher one. Freeing the old value's mechanism context the moment
// the swap happens would race with that reader. Instead the swapper
// retires the old value here: the reclaimer holds it until its refcount
// reaches zero and a grace period has elapsed since retirement, then
// calls Discard, a periodic refcount/grace-period sweep standing in for
// kernel-style RCU.
package reclaim

import (
	"context"
	"sync"
	"time"

	"github.com/dittofs/rpcsecgss/internal/logger"
)

// defaultGracePeriod is how long a retired entry is held after its
// refcount reaches zero before Discard runs, absorbing any reader that
// loaded the pointer microseconds before the swap.
const defaultGracePeriod = 2 * time.Second

// defaultSweepInterval is how often the background goroutine rechecks
// pending entries.
const defaultSweepInterval = 500 * time.Millisecond

// Entry is anything the reclaimer can retire. SecCtx implements this.
type Entry interface {
	// Refs reports the current reference count. The reclaimer will not
	// Discard an entry while Refs() > 0.
	Refs() int32
	// Discard releases the entry's underlying resources. Called at
	// most once, after Refs() has read 0 for a full grace period, or
	// unconditionally for every still-pending entry when Stop runs.
	Discard() error
}

type pendingEntry struct {
	entry     Entry
	retiredAt time.Time
	zeroSince time.Time // zero value until Refs() first reads 0
}

// Reclaimer runs a single background goroutine that drains retired
// entries and frees them once they are both unreferenced and past their
// grace period.
type Reclaimer struct {
	gracePeriod   time.Duration
	sweepInterval time.Duration

	retireCh chan Entry

	mu      sync.Mutex
	pending []*pendingEntry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Config configures a Reclaimer. A zero Config selects the defaults.
type Config struct {
	GracePeriod   time.Duration
	SweepInterval time.Duration
}

// New constructs a Reclaimer. It does not start running until Start is
// called.
func New(cfg Config) *Reclaimer {
	gracePeriod := cfg.GracePeriod
	if gracePeriod <= 0 {
		gracePeriod = defaultGracePeriod
	}
	sweepInterval := cfg.SweepInterval
	if sweepInterval <= 0 {
		sweepInterval = defaultSweepInterval
	}
	return &Reclaimer{
		gracePeriod:   gracePeriod,
		sweepInterval: sweepInterval,
		retireCh:      make(chan Entry, 64),
	}
}

// Start begins the background goroutine. It runs until Stop is called
// or ctx is cancelled.
func (r *Reclaimer) Start(ctx context.Context) {
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go r.run()
}

// Stop cancels the background goroutine and waits for it to exit,
// discarding every still-pending entry immediately regardless of grace
// period (shutdown is not a race with in-flight readers).
func (r *Reclaimer) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

// Retire hands e to the reclaimer. Non-blocking: if the internal channel
// is momentarily full the entry is appended directly to the pending list
// under lock instead of being dropped.
func (r *Reclaimer) Retire(e Entry) {
	select {
	case r.retireCh <- e:
	default:
		r.mu.Lock()
		r.pending = append(r.pending, &pendingEntry{entry: e, retiredAt: time.Now()})
		r.mu.Unlock()
	}
}

func (r *Reclaimer) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			r.drainChannel()
			r.discardAll()
			return
		case e := <-r.retireCh:
			r.mu.Lock()
			r.pending = append(r.pending, &pendingEntry{entry: e, retiredAt: time.Now()})
			r.mu.Unlock()
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *Reclaimer) drainChannel() {
	for {
		select {
		case e := <-r.retireCh:
			r.mu.Lock()
			r.pending = append(r.pending, &pendingEntry{entry: e, retiredAt: time.Now()})
			r.mu.Unlock()
		default:
			return
		}
	}
}

// sweep discards every pending entry whose refcount has read zero for a
// full grace period.
func (r *Reclaimer) sweep() {
	now := time.Now()

	r.mu.Lock()
	remaining := r.pending[:0]
	var ready []*pendingEntry
	for _, p := range r.pending {
		if p.entry.Refs() > 0 {
			p.zeroSince = time.Time{}
			remaining = append(remaining, p)
			continue
		}
		if p.zeroSince.IsZero() {
			p.zeroSince = now
		}
		if now.Sub(p.zeroSince) < r.gracePeriod {
			remaining = append(remaining, p)
			continue
		}
		ready = append(ready, p)
	}
	r.pending = remaining
	r.mu.Unlock()

	for _, p := range ready {
		if err := p.entry.Discard(); err != nil {
			logger.Warn("reclaim: discard failed", logger.KeyError, err)
		}
	}
}

// discardAll unconditionally discards every still-pending entry,
// regardless of refcount or grace period. Used only on Stop.
func (r *Reclaimer) discardAll() {
	r.mu.Lock()
	pending := r.pending
	r.pending = nil
	r.mu.Unlock()

	for _, p := range pending {
		if err := p.entry.Discard(); err != nil {
			logger.Warn("reclaim: discard failed during shutdown", logger.KeyError, err)
		}
	}
}

// Pending reports how many entries are currently awaiting reclamation.
// Intended for tests and operational introspection, not the hot path.
func (r *Reclaimer) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
