package logger

// Standard field keys for structured logging across the gss client.
// Use these keys consistently so log aggregation/querying stays uniform.
const (
	// Credential / context identity
	KeyUID       = "uid"
	KeyPrincipal = "principal"
	KeyService   = "service"
	KeyHandle    = "wire_ctx_len"

	// GSS procedure / sequencing
	KeyGSSProc = "gss_proc"
	KeySeqNum  = "seq_num"
	KeyWindow  = "window"
	KeyExpiry  = "expiry"

	// Upcall / pipe
	KeyPipeVersion = "pipe_version"
	KeyPipeUsers   = "pipe_users"
	KeyUpcallState = "upcall_state"

	// Errors / results
	KeyError     = "error"
	KeyErrno     = "errno"
	KeyResult    = "result"
	KeyDuration  = "duration_ms"
	KeyAttempt   = "attempt"
	KeyRetryable = "retryable"
)
