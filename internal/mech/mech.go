// Package mech defines the boundary between the RPCSEC_GSS core (credential
// lifecycle, upcall brokering, wire framing) and the GSS mechanism itself.
//
// Mechanism cryptography (token import, MIC, wrap/unwrap) is an external
// collaborator: the core only ever reaches it through these two
// interfaces. internal/krb5mech provides the concrete krb5 implementation;
// tests use a scripted fake (see mech/mechtest).
package mech

import "time"

// Context is an established, usable security context: the client-side
// analogue of a kernel gss_ctx after gss_import_sec_context has succeeded.
//
// Implementations must be safe for concurrent use by multiple goroutines;
// the core never mutates a Context directly (it only reads Expiry/Window and
// calls the per-message methods), so implementations that are immutable
// after construction satisfy this trivially.
type Context interface {
	// Expiry returns the wall-clock deadline after which the context must
	// be refreshed.
	Expiry() time.Time

	// Window returns the sequence window width the mechanism context knows
	// of. It may be 0 (internal/krb5mech always returns 0): the core takes
	// the window from the downcall, not from this method.
	Window() uint32

	// GetMIC computes a Message Integrity Code over msg using the
	// context's initiator-sign key.
	GetMIC(msg []byte) ([]byte, error)

	// VerifyMIC checks mic against msg using the context's acceptor-sign
	// key (the server is the acceptor from the client's point of view).
	// Returns ErrContextExpired (internal/errs) if the mechanism reports
	// the context has expired.
	VerifyMIC(msg, mic []byte) error

	// Wrap produces a privacy- or integrity-protected rendering of msg:
	// encrypted (sealed) when conf is true, integrity-only framing when
	// false.
	Wrap(msg []byte, conf bool) ([]byte, error)

	// Unwrap reverses Wrap, decrypting if necessary and validating the
	// embedded integrity check.
	Unwrap(msg []byte) ([]byte, error)

	// Delete releases mechanism-specific resources held by the context
	// (e.g. the decoded session key). Idempotent.
	Delete() error
}

// Mechanism names and imports security contexts for one GSS mechanism
// (e.g. krb5). It never negotiates a context itself; that is the
// userspace daemon's job, reached only through the upcall.Daemon
// interface. It only imports the opaque result.
type Mechanism interface {
	// Name returns the mechanism name as used in the v1 upcall payload's
	// mech= field (e.g. "krb5").
	Name() string

	// ImportSecContext decodes a context-import token (the downcall's
	// opaque security token field) into a usable Context.
	ImportSecContext(token []byte) (Context, error)
}
