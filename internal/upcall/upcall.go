// Package upcall brokers RPCSEC_GSS context establishment requests to an
// out-of-process userspace daemon, the way the Linux kernel's sunrpc
// layer talks to rpc.gssd through rpc_pipefs. A real rpc_pipefs mount is
// out of scope here; Pipe instead
// writes requests directly to a Daemon implementation, keeping the wire
// encoding and the downcall parser (wire.go) exercised for real while the
// transport itself is swappable.
package upcall

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Daemon receives one encoded upcall request (v0 or v1 wire form)
// and returns the raw downcall bytes, or an error if the daemon could not
// be reached at all; the broker maps that to ErrRetry.
type Daemon interface {
	HandleUpcall(ctx context.Context, version int, payload []byte) ([]byte, error)
}

// Result is what a completed upcall produced: either a freshly
// established context description, or a daemon-signaled failure.
type Result struct {
	Timeout time.Duration
	Window  uint32
	WireCtx []byte

	// Token is the mechanism-specific security token the daemon produced;
	// it is handed to the mechanism's ImportSecContext verbatim.
	Token []byte

	// Errno is set (window == 0 on the wire) when the daemon rejected
	// context establishment. Zero otherwise.
	Errno int32

	// PipeVersion records which pipe encoding carried the upcall.
	PipeVersion Version

	// Attached is true for a caller that deduplicated onto an upcall
	// already in flight for the same uid rather than issuing its own.
	Attached bool
}

// Msg is one in-flight upcall, keyed by (pipe, uid). Exactly one Msg per
// key may be linked into a pipe's in-flight table at a time; concurrent
// requesters for the same key attach to the existing Msg instead of
// creating a new one.
type Msg struct {
	UID       uint32
	Principal string
	Databuf   []byte

	mu     sync.Mutex
	st     state
	done   chan struct{}
	result *Result
	err    error
	refs   int32
}

func newMsg(uid uint32, principal string, databuf []byte) *Msg {
	return &Msg{
		UID:       uid,
		Principal: principal,
		Databuf:   databuf,
		st:        statePreparing, // the broker acquired a pipe version before allocation
		done:      make(chan struct{}),
		refs:      1,
	}
}

// advance applies e to the message's lifecycle state (fsm.go) and returns
// the state after the transition.
func (m *Msg) advance(e event) state {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st = transition(m.st, e)
	return m.st
}

// State reports the message's current lifecycle state.
func (m *Msg) State() state {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st
}

// wait blocks until the message completes, is cancelled via ctx, or ctx's
// deadline elapses. Interruption is tied to ctx cancellation; callers that
// want the analogue of fatal-signal-only interruption should use
// context.WithoutCancel for everything except the signal source.
func (m *Msg) wait(ctx context.Context) (*Result, error) {
	select {
	case <-m.done:
		m.advance(eventConsumed)
		return m.result, m.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// complete settles the message: e names what ended it (a downcall, a
// pipe close, or a timeout) and drives the lifecycle to COMPLETED before
// waking waiters. A second completion from a racing path is ignored.
func (m *Msg) complete(e event, result *Result, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	select {
	case <-m.done:
		return // already completed by a racing pipe-close or downcall
	default:
	}
	m.st = transition(m.st, e)
	m.result, m.err = result, err
	close(m.done)
}

func (m *Msg) addRef() { atomic.AddInt32(&m.refs, 1) }

func (m *Msg) release() int32 { return atomic.AddInt32(&m.refs, -1) }
