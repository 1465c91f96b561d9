package gssauth

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/dittofs/rpcsecgss/internal/logger"
	"github.com/dittofs/rpcsecgss/internal/mech"
	"github.com/dittofs/rpcsecgss/internal/reclaim"
	"github.com/dittofs/rpcsecgss/pkg/metrics"
)

// nextSecCtxID hands out the log/metric correlation ids for newly
// established contexts.
var nextSecCtxID atomic.Uint64

// SecCtx is a shared, reference-counted security context, immutable
// after construction except for its sequence counter.
// It is published onto a Cred via an atomic.Pointer store (release-store
// semantics come for free from Go's memory model for atomics) and read by
// any number of concurrent Marshal/Validate/Wrap/Unwrap calls without a
// lock, each holding a counted borrow obtained via Acquire/Release.
type SecCtx struct {
	id uint64

	mechCtx mech.Context
	wireCtx []byte
	proc    Proc

	seqMu sync.Mutex
	seq   uint32

	expiry time.Time
	window uint32

	refs      atomic.Int32
	reclaimer *reclaim.Reclaimer
	metrics   *metrics.GSSMetrics
}

var _ reclaim.Entry = (*SecCtx)(nil)

// newSecCtx builds a freshly established context with refcount 1 (the
// reference the owning Cred holds). reclaimer and m may be nil, in which
// case Release discards synchronously and destruction goes unrecorded.
func newSecCtx(mechCtx mech.Context, wireCtx []byte, expiry time.Time, window uint32, reclaimer *reclaim.Reclaimer, m *metrics.GSSMetrics) *SecCtx {
	sc := &SecCtx{
		id:        nextSecCtxID.Add(1),
		mechCtx:   mechCtx,
		wireCtx:   wireCtx,
		proc:      ProcData,
		expiry:    expiry,
		window:    window,
		reclaimer: reclaimer,
		metrics:   m,
	}
	sc.refs.Store(1)
	return sc
}

// ID is a log/metric correlation identifier, not part of the wire protocol.
func (s *SecCtx) ID() uint64 { return s.id }

// Expiry returns the wall-clock deadline after which refresh must run again.
func (s *SecCtx) Expiry() time.Time { return s.expiry }

// Window returns the server-advertised sequence window width.
func (s *SecCtx) Window() uint32 { return s.window }

// Proc returns the RPCSEC_GSS sub-procedure this context's calls use. A
// one-shot DESTROY call overrides this per-Call rather than mutating the
// shared context (see Call.Proc in wire.go).
func (s *SecCtx) Proc() Proc { return s.proc }

// WireCtx returns the opaque server-side handle echoed on every request.
func (s *SecCtx) WireCtx() []byte { return s.wireCtx }

// Expired reports whether now is past the context's advertised expiry.
func (s *SecCtx) Expired(now time.Time) bool { return now.After(s.expiry) }

// nextSeq advances and returns the per-context sequence counter, serialized
// by its own lock. The first call returns 1; some server
// implementations reject seqno 0.
func (s *SecCtx) nextSeq() uint32 {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	s.seq++
	return s.seq
}

// Acquire takes a counted reference and returns s, for callers that borrow
// a SecCtx loaded from a Cred's atomic pointer before a concurrent refresh
// can swap and retire it.
func (s *SecCtx) Acquire() *SecCtx {
	s.refs.Add(1)
	return s
}

// Release drops the caller's reference. Dropping the last reference
// retires the context for deferred reclamation (or discards it immediately
// if no reclaimer is attached).
func (s *SecCtx) Release() {
	if s.refs.Add(-1) != 0 {
		return
	}
	if s.reclaimer != nil {
		s.reclaimer.Retire(s)
		return
	}
	if err := s.Discard(); err != nil {
		logger.Warn("gssauth: secctx discard failed", logger.KeyError, err)
	}
}

// Refs implements reclaim.Entry.
func (s *SecCtx) Refs() int32 { return s.refs.Load() }

// Discard implements reclaim.Entry: it releases the mechanism context's
// resources. Called at most once: by the reclaimer, or directly from
// Release when no reclaimer is attached.
func (s *SecCtx) Discard() error {
	s.metrics.RecordContextDestruction()
	return s.mechCtx.Delete()
}
