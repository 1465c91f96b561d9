package gssauth

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/dittofs/rpcsecgss/internal/credcache"
	"github.com/dittofs/rpcsecgss/internal/errs"
	"github.com/dittofs/rpcsecgss/internal/logger"
	"github.com/dittofs/rpcsecgss/internal/mech"
	"github.com/dittofs/rpcsecgss/internal/reclaim"
	"github.com/dittofs/rpcsecgss/internal/upcall"
	"github.com/dittofs/rpcsecgss/pkg/metrics"
)

// Config bundles GssAuth's construction-time tunables and the ambient
// wiring a real deployment needs: the daemon transport, the reclaim/cache
// timing knobs, and an optional metrics sink.
type Config struct {
	Mechanism mech.Mechanism
	Daemon    upcall.Daemon

	// RetryDelay is the NEGATIVE-cred retry cooldown; defaults to
	// defaultRetryDelay when zero.
	RetryDelay time.Duration

	// Reclaim overrides the grace-period reclaimer's timing; the zero
	// value uses reclaim.New's own defaults.
	Reclaim reclaim.Config

	// Cache overrides the credential cache's cleanup interval; the zero
	// value uses credcache.New's own default.
	Cache credcache.Config

	// Metrics is optional; a nil value leaves instrumentation as a no-op.
	Metrics *metrics.GSSMetrics

	// DestroyTransport optionally supplies a Transport for the one-shot
	// proc=DESTROY RPC fired when the cache evicts a cred that still
	// holds an UPTODATE context. GssAuth has no connection of its own to
	// the cred's peer; this hook is how the embedding RPC client lends one
	// for the teardown call, keyed on the cred being destroyed. A nil
	// DestroyTransport makes destruction local-only: the context is still
	// released, but no wire teardown is attempted.
	DestroyTransport func(cred *Cred) (Transport, error)
}

// GssAuth is the top-level RPCSEC_GSS client authenticator: one
// instance per mechanism per process, owning the upcall broker, the
// credential cache, and the deferred SecCtx reclaimer every Cred it
// hands out shares.
type GssAuth struct {
	mechanism        mech.Mechanism
	broker           *upcall.Broker
	cache            *credcache.Cache
	reclaimer        *reclaim.Reclaimer
	metrics          *metrics.GSSMetrics
	destroyTransport func(cred *Cred) (Transport, error)

	retryDelay time.Duration

	mu    sync.Mutex
	creds map[string]*Cred // keyed by credKey(uid, principal)
}

// New constructs a GssAuth and starts its background reclaimer. Callers
// must call Destroy when done to stop the reclaimer goroutine.
func New(ctx context.Context, cfg Config) *GssAuth {
	retryDelay := cfg.RetryDelay
	if retryDelay == 0 {
		retryDelay = defaultRetryDelay
	}

	a := &GssAuth{
		mechanism:        cfg.Mechanism,
		broker:           upcall.NewBroker(cfg.Daemon),
		cache:            credcache.New(cfg.Cache),
		reclaimer:        reclaim.New(cfg.Reclaim),
		metrics:          cfg.Metrics,
		destroyTransport: cfg.DestroyTransport,
		retryDelay:       retryDelay,
		creds:            make(map[string]*Cred),
	}
	a.reclaimer.Start(ctx)
	a.cache.OnEvicted(a.onCacheEvicted)
	return a
}

// Destroy tears down the authenticator: it empties the credential cache,
// which drives per-cred destruction through onCacheEvicted (including any
// destroy-context RPCs for creds still holding an UPTODATE context), then
// stops the background reclaimer (discarding every still-pending SecCtx
// immediately) and detaches the upcall broker's daemon.
func (a *GssAuth) Destroy() {
	a.drainCache()
	a.reclaimer.Stop()
	a.broker.DetachDaemon()
}

// drainCache evicts every cached entry so each goes through onCacheEvicted
// exactly as a natural TTL expiry would, rather than duplicating the
// destroy-policy logic here.
func (a *GssAuth) drainCache() {
	a.mu.Lock()
	uids := make(map[uint32]struct{}, len(a.creds))
	for _, c := range a.creds {
		uids[c.UID] = struct{}{}
	}
	a.mu.Unlock()

	for uid := range uids {
		a.cache.Evict(uid)
	}
}

// Create is the pseudoflavor-driven constructor: it builds a
// GssAuth for cfg.Mechanism and resolves pseudoflavor into the service
// level new creds default to, failing if the pseudoflavor names an
// unknown or mismatched mechanism. There is no RPC-client type to bind
// to here, so callers get the *GssAuth and its default Service back
// directly and do their own binding.
func Create(ctx context.Context, cfg Config, pseudoflavor uint32) (*GssAuth, Service, error) {
	a := New(ctx, cfg)
	service, err := a.ResolvePseudoflavor(pseudoflavor)
	if err != nil {
		a.Destroy()
		return nil, 0, err
	}
	return a, service, nil
}

// AttachDaemon wires a live daemon (e.g. once a test or production
// rpc_pipefs-equivalent becomes available) into the broker.
func (a *GssAuth) AttachDaemon(daemon upcall.Daemon, version upcall.Version) {
	a.broker.AttachDaemon(daemon, version)
}

func credKey(uid uint32, principal string) string {
	return fmt.Sprintf("%d\x00%s", uid, principal)
}

// onCacheEvicted runs when credcache expires a NEGATIVE entry's cooldown,
// a TTL otherwise lapses, or Destroy drains the cache; it drops the
// in-memory Cred (so the next LookupOrCreateCred allocates fresh, back to
// NEW) and fires a one-shot proc=DESTROY
// RPC if the evicted cred still held an UPTODATE DATA-proc context.
func (a *GssAuth) onCacheEvicted(uid uint32, principal string, value any) {
	a.mu.Lock()
	delete(a.creds, credKey(uid, principal))
	a.mu.Unlock()

	cred, ok := value.(*Cred)
	if !ok {
		return
	}
	a.destroyCred(cred)
}

// destroyCred handles eviction of a cred that still holds an UPTODATE
// DATA-proc context: it sends a one-shot null RPC with proc=DESTROY so
// the server can drop its half of the context. Teardown is asynchronous
// and best-effort. A Call with Proc: ProcDestroy reuses the cred being
// destroyed without recursing back into Refresh, the same plaintext
// DESTROY framing cmd/gssauthctl's destroy command exercises.
func (a *GssAuth) destroyCred(cred *Cred) {
	sc := cred.Context()
	if sc == nil {
		return
	}
	if sc.Proc() != ProcData {
		sc.Release()
		return
	}
	if !cred.Flags().Has(CredUpToDate) {
		sc.Release()
		return
	}

	go func() {
		defer sc.Release()

		if a.destroyTransport == nil {
			logger.Debug("gssauth: evicted cred held a live context but no destroy transport is configured",
				logger.KeyUID, cred.UID)
			return
		}
		transport, err := a.destroyTransport(cred)
		if err != nil {
			logger.Warn("gssauth: destroy transport unavailable", logger.KeyUID, cred.UID, logger.KeyError, err)
			return
		}

		call := &Call{Cred: cred, Proc: ProcDestroy}
		var req bytes.Buffer
		var xid [4]byte
		binary.BigEndian.PutUint32(xid[:], cred.UID)
		if err := Marshal(&req, xid[:], call); err != nil {
			logger.Warn("gssauth: destroy RPC marshal failed", logger.KeyUID, cred.UID, logger.KeyError, err)
			return
		}
		if err := Wrap(call, &req, nil); err != nil {
			logger.Warn("gssauth: destroy RPC wrap failed", logger.KeyUID, cred.UID, logger.KeyError, err)
			return
		}
		if _, err := transport.Write(req.Bytes()); err != nil {
			logger.Warn("gssauth: destroy RPC write failed", logger.KeyUID, cred.UID, logger.KeyError, err)
		}
	}()
}

// LookupOrCreateCred returns an existing Cred if one matches
// (uid, principal) by Cred.Matches' rules, or allocates a fresh NEW one.
// service is the RPCSEC_GSS service level new creds are created with; it
// is ignored for an existing match.
func (a *GssAuth) LookupOrCreateCred(uid uint32, principal string, service Service) *Cred {
	now := time.Now()
	key := credKey(uid, principal)

	a.mu.Lock()
	defer a.mu.Unlock()

	if existing, ok := a.creds[key]; ok && existing.Matches(uid, principal, now) {
		return existing
	}

	c := newCred(a, uid, principal, service)
	a.creds[key] = c
	a.cache.Set(uid, principal, c, credcache.DefaultExpiration)
	return c
}

// Refresh is the synchronous refresh policy for cred:
//
//  1. If cred is in its NEGATIVE cooldown window, fail fast with
//     KeyExpired so the caller doesn't hammer the daemon.
//  2. If cred already has an UPTODATE, unexpired context, return it
//     without an upcall.
//  3. Otherwise drive an upcall (deduplicated per-uid by the broker) and
//     install the resulting context.
//
// Refreshes on the same cred are serialized by the cred's refresh lock:
// two racing refreshers on a NEW cred would otherwise each import their
// own mechanism context off the one shared upcall, and the first one
// installed would be replaced almost at once. With the lock, the second
// refresher finds the first one's context UPTODATE and borrows it instead.
func (a *GssAuth) Refresh(ctx context.Context, cred *Cred) (*SecCtx, error) {
	cred.refreshMu.Lock()
	defer cred.refreshMu.Unlock()

	now := time.Now()

	if cred.negativeCooldownActive(now, a.retryDelay) {
		a.recordRefresh("negative_cooldown")
		return nil, fmt.Errorf("%w: credential in retry cooldown", errs.ErrKeyExpired)
	}

	if cred.Flags().Has(CredUpToDate) {
		if sc := cred.Context(); sc != nil {
			if !sc.Expired(now) {
				a.recordRefresh("uptodate")
				return sc, nil
			}
			sc.Release()
			cred.clearUpToDate()
		}
	}

	sc, err := a.driveUpcall(ctx, cred)
	if err != nil {
		switch {
		case errs.Is(err, errs.KindKeyExpired):
			cred.markNegative(now)
			// Re-stamp the cache entry with the cooldown as its TTL so
			// the janitor evicts the NEGATIVE cred once the cooldown
			// lapses and the next lookup starts over from NEW.
			a.cache.Set(cred.UID, cred.Principal, cred, a.retryDelay)
			a.recordRefresh("key_expired")
			a.metrics.RecordContextCreation("key_expired")
		case errs.Is(err, errs.KindRetry):
			cred.markRetry(now)
			a.recordRefresh("retry")
			a.metrics.RecordContextCreation("retry")
		default:
			cred.markRetry(now)
			a.recordRefresh("error")
			a.metrics.RecordContextCreation("access_denied")
		}
		return nil, err
	}

	cred.installContext(sc)
	a.recordRefresh("new_upcall")
	a.metrics.RecordContextCreation("success")
	return sc.Acquire(), nil
}

func (a *GssAuth) recordRefresh(result string) {
	a.metrics.RecordRefreshResult(result)
}

// RefreshAsync is ObtainAsync's counterpart at the Cred layer, for
// callers modeled on RPC-task continuations rather than a blocking call
// stack: it returns immediately and invokes onComplete once Refresh would
// have returned.
func (a *GssAuth) RefreshAsync(ctx context.Context, cred *Cred, onComplete func(*SecCtx, error)) {
	go func() {
		sc, err := a.Refresh(ctx, cred)
		onComplete(sc, err)
	}()
}

// driveUpcall issues (or attaches to) an upcall for cred and imports the
// resulting context. It does not touch cred's flags or cache state;
// Refresh does that based on the outcome.
func (a *GssAuth) driveUpcall(ctx context.Context, cred *Cred) (*SecCtx, error) {
	req := upcall.Request{
		UID:     cred.UID,
		Mech:    a.mechanism.Name(),
		Target:  cred.Principal,
		Service: cred.Service.String(),
	}

	start := time.Now()
	result, err := a.broker.Obtain(ctx, req)
	if err != nil {
		return nil, err
	}
	if result.Attached {
		a.metrics.RecordUpcallDedupHit()
	}
	a.metrics.RecordUpcall(strconv.Itoa(int(result.PipeVersion)), time.Since(start))

	if result.Window == 0 {
		return nil, fmt.Errorf("%w: daemon rejected context establishment", errs.ErrAccessDenied)
	}

	mechCtx, err := a.mechanism.ImportSecContext(result.Token)
	if err != nil {
		logger.Warn("gssauth: import_sec_context failed", logger.KeyUID, cred.UID, logger.KeyError, err)
		return nil, fmt.Errorf("%w: import context: %v", errs.ErrRetry, err)
	}

	expiry := start.Add(result.Timeout)
	return newSecCtx(mechCtx, result.WireCtx, expiry, result.Window, a.reclaimer, a.metrics), nil
}
