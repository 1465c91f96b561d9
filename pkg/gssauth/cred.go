package gssauth

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/dittofs/rpcsecgss/pkg/metrics"
)

// Cred is the per-(uid, principal) authentication record: it
// owns at most one current SecCtx, tracks the {NEW, UPTODATE, NEGATIVE}
// lifecycle, and holds a non-owning back-pointer to its authenticator (Go's
// GC resolves the cyclic cred/auth/client ownership, so no manual
// refcounting is needed on this side).
type Cred struct {
	UID       uint32
	Principal string
	Service   Service

	ctx      atomic.Pointer[SecCtx]
	flags    atomic.Uint32
	upcallTS atomic.Int64 // UnixNano of the last upcall completion

	// refreshMu serializes Refresh calls on this cred so concurrent
	// refreshers share one imported context instead of each building
	// their own off the deduplicated upcall.
	refreshMu sync.Mutex

	auth *GssAuth
}

// metricsSink returns the owning authenticator's metrics, or nil when the
// cred is detached (tests build creds without an authenticator). All
// metrics methods tolerate a nil receiver.
func (c *Cred) metricsSink() *metrics.GSSMetrics {
	if c.auth == nil {
		return nil
	}
	return c.auth.metrics
}

// newCred returns a freshly created Cred in the NEW state with no
// context installed.
func newCred(auth *GssAuth, uid uint32, principal string, service Service) *Cred {
	c := &Cred{UID: uid, Principal: principal, Service: service, auth: auth}
	c.flags.Store(uint32(CredNew))
	return c
}

// Flags returns the cred's current lifecycle flags.
func (c *Cred) Flags() CredFlags { return CredFlags(c.flags.Load()) }

// Matches implements the lookup match rules for a cache hit against the
// requested (uid, principal).
func (c *Cred) Matches(uid uint32, principal string, now time.Time) bool {
	flags := c.Flags()
	if flags.Has(CredNew) {
		// treat as matching; it will refresh
	} else {
		if sc := c.ctx.Load(); sc == nil || sc.Expired(now) {
			return false
		}
		if !flags.Has(CredUpToDate) {
			return false
		}
	}

	if principal != "" {
		return c.Principal != "" && c.Principal == principal
	}
	return c.Principal == "" && c.UID == uid
}

// Context returns a counted borrow of the cred's current SecCtx, or nil if
// none is installed. Callers must Release the returned context.
func (c *Cred) Context() *SecCtx {
	sc := c.ctx.Load()
	if sc == nil {
		return nil
	}
	return sc.Acquire()
}

// installContext publishes sc as the cred's current context and marks the
// cred UPTODATE, clearing NEW and NEGATIVE. The atomic.Pointer store
// happens before the flag update, so a concurrent
// reader observes either NEW (and retries) or a fully installed context.
// A context it replaces loses the cred's reference and is retired once its
// last borrower releases it.
func (c *Cred) installContext(sc *SecCtx) {
	old := c.ctx.Swap(sc)
	c.setFlags(CredUpToDate, CredNew|CredNegative)
	if old != nil && old != sc {
		old.Release()
	}
}

// clearUpToDate is an optimistic hint: a MIC or wrap
// operation observed the context has expired. It does not touch ctx itself;
// the stale context is still usable for the in-flight call, and the next
// refresh call will notice UPTODATE is clear and renew.
func (c *Cred) clearUpToDate() {
	c.setFlags(0, CredUpToDate)
}

// markNegative marks the cred NEGATIVE (key-expired) and stamps upcallTS so
// the retry-cooldown in refresh() can be enforced.
func (c *Cred) markNegative(now time.Time) {
	c.upcallTS.Store(now.UnixNano())
	c.setFlags(CredNegative, CredNew|CredUpToDate)
}

// markRetry leaves the cred in NEW (a transient upcall failure: the
// refresher should simply try again).
func (c *Cred) markRetry(now time.Time) {
	c.upcallTS.Store(now.UnixNano())
	c.setFlags(CredNew, CredUpToDate|CredNegative)
}

func (c *Cred) negativeCooldownActive(now time.Time, retryDelay time.Duration) bool {
	if !c.Flags().Has(CredNegative) {
		return false
	}
	ts := time.Unix(0, c.upcallTS.Load())
	return !now.Before(ts) && now.Before(ts.Add(retryDelay))
}

// setFlags atomically sets `set` bits and clears `clear` bits.
func (c *Cred) setFlags(set, clear CredFlags) {
	for {
		old := c.flags.Load()
		next := (old &^ uint32(clear)) | uint32(set)
		if c.flags.CompareAndSwap(old, next) {
			return
		}
	}
}
