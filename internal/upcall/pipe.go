package upcall

import (
	"context"
	"fmt"
	"sync"

	"github.com/dittofs/rpcsecgss/internal/errs"
	"github.com/dittofs/rpcsecgss/internal/logger"
)

// Version identifies which upcall wire encoding a Pipe speaks.
type Version int

const (
	V0 Version = 0 // legacy binary uid-only request
	V1 Version = 1 // ASCII key=value request, carries mech/target/service
)

// Pipe is one (authenticator, version) upcall channel: a table of
// in-flight messages keyed by uid, and the Daemon that services them.
// In production this would be backed by an rpc_pipefs mount; here
// requests are written directly to Daemon.HandleUpcall.
type Pipe struct {
	version Version
	daemon  Daemon

	mu       sync.Mutex
	inFlight map[uint32]*Msg
	closed   bool
}

// NewPipe constructs a Pipe bound to daemon. A nil daemon is valid: the
// pipe behaves as if no daemon is currently attached (every Send fails
// with ErrRetry), matching "no daemon has opened this pipe yet".
func NewPipe(version Version, daemon Daemon) *Pipe {
	return &Pipe{
		version:  version,
		daemon:   daemon,
		inFlight: make(map[uint32]*Msg),
	}
}

// Open (re)attaches daemon to a pipe a prior Close left closed, clearing
// closed so Send stops failing with ErrRetry. Without this, a daemon that
// restarts can never be reattached: closed only ever goes false->true.
func (p *Pipe) Open(daemon Daemon) {
	p.mu.Lock()
	p.daemon = daemon
	p.closed = false
	p.mu.Unlock()
}

// Send dedups against any in-flight message for (p, req.UID): if one
// exists, the caller attaches to it instead of issuing a new upcall
// and its freshly encoded payload is dropped. Otherwise it links
// a new Msg carrying the encoded request, calls the daemon, parses the
// downcall, completes the Msg, and unlinks it.
func (p *Pipe) Send(ctx context.Context, req Request) (*Result, error) {
	payload, err := p.encode(req)
	if err != nil {
		return nil, err
	}

	msg, isNew, err := p.linkOrAttach(req, payload)
	if err != nil {
		return nil, err
	}
	defer p.unref(msg)

	if !isNew {
		res, err := msg.wait(ctx)
		if res == nil {
			return nil, err
		}
		attached := *res
		attached.Attached = true
		return &attached, err
	}

	go p.drive(ctx, msg)
	return msg.wait(ctx)
}

// encode renders req into the wire form this pipe's version speaks.
func (p *Pipe) encode(req Request) ([]byte, error) {
	switch p.version {
	case V0:
		return encodeV0(req), nil
	case V1:
		return encodeV1(req)
	default:
		return nil, fmt.Errorf("%w: unknown pipe version %d", errs.ErrFormat, p.version)
	}
}

// linkOrAttach installs a new Msg carrying payload into the in-flight
// table, or returns the existing one for the same uid with an extra
// reference taken (in which case payload is discarded).
func (p *Pipe) linkOrAttach(req Request, payload []byte) (msg *Msg, isNew bool, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, false, fmt.Errorf("%w: upcall pipe not open", errs.ErrRetry)
	}
	if p.daemon == nil {
		return nil, false, fmt.Errorf("%w: no daemon attached to pipe", errs.ErrRetry)
	}

	if existing, ok := p.inFlight[req.UID]; ok {
		existing.addRef()
		return existing, false, nil
	}

	msg = newMsg(req.UID, req.Target, payload)
	p.inFlight[req.UID] = msg
	msg.advance(eventEnqueued)
	return msg, true, nil
}

// drive delivers msg's encoded payload to the daemon, parses the
// downcall, and completes msg. It runs once per newly-linked Msg, never
// for attachers.
func (p *Pipe) drive(ctx context.Context, msg *Msg) {
	raw, err := p.daemon.HandleUpcall(ctx, int(p.version), msg.Databuf)
	if err != nil {
		p.complete(msg, eventTimeout, nil, fmt.Errorf("%w: %v", errs.ErrRetry, err))
		return
	}

	_, result, err := decodeDowncall(raw)
	if err != nil {
		p.complete(msg, eventDowncallReceived, nil, err)
		return
	}
	result.PipeVersion = p.version
	if result.Errno != 0 {
		p.complete(msg, eventDowncallReceived, result, classifyErrno(result.Errno))
		return
	}
	p.complete(msg, eventDowncallReceived, result, nil)
}

func (p *Pipe) complete(msg *Msg, e event, result *Result, err error) {
	p.mu.Lock()
	delete(p.inFlight, msg.UID)
	p.mu.Unlock()

	if err != nil {
		logger.Debug("upcall completed with error", logger.KeyUID, msg.UID, logger.KeyError, err)
	}
	msg.complete(e, result, err)
}

// unref drops the caller's reference on msg. Unlike the kernel's
// refcounted upcall_msg, Go's GC reclaims Msg once unreferenced, so this
// exists purely to keep the dedup/attach bookkeeping symmetric and
// testable.
func (p *Pipe) unref(msg *Msg) {
	msg.release()
}

// Close marks the pipe closed, failing any future Send calls and waking
// in-flight waiters with ErrRetry (the caller should reopen and retry,
// per the broker's pipe-close handling).
func (p *Pipe) Close() {
	p.mu.Lock()
	p.closed = true
	inFlight := make([]*Msg, 0, len(p.inFlight))
	for _, msg := range p.inFlight {
		inFlight = append(inFlight, msg)
	}
	p.inFlight = make(map[uint32]*Msg)
	p.mu.Unlock()

	for _, msg := range inFlight {
		msg.complete(eventPipeClosed, nil, fmt.Errorf("%w: upcall pipe closed", errs.ErrRetry))
	}
}

// classifyErrno maps a daemon-signaled errno to a Kind: -EKEYEXPIRED
// passes through verbatim, everything else becomes access-denied.
func classifyErrno(errno int32) error {
	const ekeyexpired = -127 // matches Linux's EKEYEXPIRED on amd64/arm64
	if errno == ekeyexpired {
		return errs.ErrKeyExpired
	}
	return errs.ErrAccessDenied
}
