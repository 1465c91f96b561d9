package upcall

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dittofs/rpcsecgss/internal/errs"
	"github.com/dittofs/rpcsecgss/internal/logger"
)

// normalWaitTimeout is how long a synchronous caller waits for a pipe
// version to appear when the daemon's liveness is still unknown.
const normalWaitTimeout = 15 * time.Second

// degradedWaitTimeout applies once the broker already believes the
// daemon isn't running.
const degradedWaitTimeout = 250 * time.Millisecond

// warnInterval rate-limits the "daemon not running" log line.
const warnInterval = 15 * time.Second

// Broker owns the v0/v1 pipe pair for one authenticator and the shared
// pipe-version state. Obtain/ObtainAsync are the two entry points
// an RPC call path and an RPC-task continuation respectively use to
// request context establishment; both drive the same Pipe/PipeVersionState
// machinery.
type Broker struct {
	pipes   [2]*Pipe // index 0 -> V0, index 1 -> V1
	version *PipeVersionState

	daemonRunning atomic.Bool
	lastWarn      atomic.Int64 // unix nanos

	openMu sync.Mutex
	opened [2]bool // whether pipes[i] currently holds a version.Open reference
}

// NewBroker constructs a Broker. daemon may be nil; set it later with
// AttachDaemon once a daemon becomes available (mirrors rpc_pipefs's
// open/release notifications).
func NewBroker(daemon Daemon) *Broker {
	b := &Broker{version: NewPipeVersionState()}
	b.pipes[1] = NewPipe(V1, daemon)
	b.pipes[0] = NewPipe(V0, daemon)
	if daemon != nil {
		b.daemonRunning.Store(true)
		b.openVersion(V1)
	}
	return b
}

// AttachDaemon simulates a daemon opening the pipe: it reopens the target
// pipe (clearing any prior Close), latches the given pipe version, and
// marks the daemon as running. Safe to call again after a
// DetachDaemon; that's exactly how a restarted daemon recovers.
func (b *Broker) AttachDaemon(daemon Daemon, version Version) {
	b.pipes[version].Open(daemon)
	b.daemonRunning.Store(true)
	b.openVersion(version)
}

// DetachDaemon simulates the daemon closing its pipe: in-flight upcalls
// fail with ErrRetry and daemon_running is cleared. Each pipe that
// currently holds a pipe_users reference releases it, so once every pipe
// has been released the pipe version resets to -1 instead of staying
// latched to a daemon that's gone.
func (b *Broker) DetachDaemon() {
	b.daemonRunning.Store(false)
	for i, p := range b.pipes {
		p.Close()
		b.closeVersion(Version(i))
	}
}

// openVersion latches version and takes a pipe_users reference for
// pipes[version], but only once per open/close cycle: re-AttachDaemon on
// an already-open pipe must not keep inflating the opener count.
func (b *Broker) openVersion(version Version) {
	b.openMu.Lock()
	already := b.opened[version]
	b.opened[version] = true
	b.openMu.Unlock()

	if already {
		return
	}
	b.version.Open(version)
}

func (b *Broker) closeVersion(version Version) {
	b.openMu.Lock()
	wasOpen := b.opened[version]
	b.opened[version] = false
	b.openMu.Unlock()

	if wasOpen {
		b.version.Release()
	}
}

// Obtain synchronously requests context establishment for req, blocking
// until the downcall arrives, the wait for a pipe version times out, or
// ctx is cancelled.
func (b *Broker) Obtain(ctx context.Context, req Request) (*Result, error) {
	version, err := b.awaitVersion(ctx)
	if err != nil {
		return nil, err
	}
	return b.pipes[version].Send(ctx, req)
}

// ObtainAsync is the callback-based counterpart to Obtain, for callers
// modeled on the kernel's RPC-task continuations: it returns immediately
// and invokes onComplete from a background goroutine once the upcall
// settles (or the context-acquisition wait itself times out).
func (b *Broker) ObtainAsync(ctx context.Context, req Request, onComplete func(*Result, error)) {
	go func() {
		result, err := b.Obtain(ctx, req)
		onComplete(result, err)
	}()
}

func (b *Broker) awaitVersion(ctx context.Context) (Version, error) {
	if v := b.version.Version(); v >= 0 {
		return Version(v), nil
	}

	timeout := normalWaitTimeout
	if !b.daemonRunning.Load() {
		timeout = degradedWaitTimeout
	}

	type result struct {
		v int
	}
	done := make(chan result, 1)
	go func() { done <- result{b.version.Await(timeout)} }()

	select {
	case r := <-done:
		if r.v < 0 {
			b.daemonRunning.Store(false)
			b.warnDaemonNotRunning()
			return 0, fmt.Errorf("%w: no upcall daemon present", errs.ErrAccessDenied)
		}
		return Version(r.v), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (b *Broker) warnDaemonNotRunning() {
	now := time.Now().UnixNano()
	last := b.lastWarn.Load()
	if now-last < int64(warnInterval) {
		return
	}
	if !b.lastWarn.CompareAndSwap(last, now) {
		return // another goroutine just logged it
	}
	logger.Warn("rpcsec_gss: upcall daemon not running")
}
