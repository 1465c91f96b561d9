package logger

import (
	"context"
	"time"
)

// contextKey is a private type for context keys to avoid collisions
type contextKey struct{}

// logContextKey is the key for LogContext in context.Context
var logContextKey = contextKey{}

// LogContext holds request-scoped logging context for a single RPCSEC_GSS
// operation: a marshal/validate/wrap/unwrap call, a refresh, or an upcall.
type LogContext struct {
	UID       uint32    // owning user id of the credential
	Principal string    // machine-credential principal, if any
	PipeVers  int       // upcall pipe version (0 or 1) in play, -1 if unknown
	GSSProc   uint32    // RPCSEC_GSS proc: DATA or DESTROY
	SeqNum    uint32    // sequence number assigned to this call
	StartTime time.Time // for duration calculation
}

// WithContext returns a new context with the given LogContext
func WithContext(ctx context.Context, lc *LogContext) context.Context {
	return context.WithValue(ctx, logContextKey, lc)
}

// FromContext retrieves the LogContext from context, or nil if not present
func FromContext(ctx context.Context) *LogContext {
	if ctx == nil {
		return nil
	}
	lc, _ := ctx.Value(logContextKey).(*LogContext)
	return lc
}

// NewLogContext creates a new LogContext for the given uid.
func NewLogContext(uid uint32) *LogContext {
	return &LogContext{
		UID:       uid,
		PipeVers:  -1,
		StartTime: time.Now(),
	}
}

// Clone creates a copy of the LogContext
func (lc *LogContext) Clone() *LogContext {
	if lc == nil {
		return nil
	}
	clone := *lc
	return &clone
}

// WithPrincipal returns a copy with the principal set
func (lc *LogContext) WithPrincipal(principal string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.Principal = principal
	}
	return clone
}

// WithSeq returns a copy with the gss_proc and seq_num set
func (lc *LogContext) WithSeq(gssProc, seqNum uint32) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.GSSProc = gssProc
		clone.SeqNum = seqNum
	}
	return clone
}

// DurationMs returns the duration since StartTime in milliseconds
func (lc *LogContext) DurationMs() float64 {
	if lc == nil || lc.StartTime.IsZero() {
		return 0
	}
	return float64(time.Since(lc.StartTime).Microseconds()) / 1000.0
}
