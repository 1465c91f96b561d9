// Package mechtest provides a scripted fake mech.Mechanism/mech.Context
// pair so gssauth and upcall-adjacent tests can exercise the core's
// marshal/validate/wrap/unwrap/refresh logic without pulling in gokrb5 or
// a real daemon. It mirrors internal/krb5mech's shape closely enough that
// swapping one for the other changes only construction, not call sites.
package mechtest

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"github.com/dittofs/rpcsecgss/internal/errs"
	"github.com/dittofs/rpcsecgss/internal/mech"
)

const micSuffix = "|mic"

// Context is an in-memory stand-in for a krb5mech.Context. MICs and wrap
// tokens are plain tagged byte sequences, not real cryptography; good
// enough to exercise round-trips and failure injection.
type Context struct {
	mu sync.Mutex

	expiry  time.Time
	window  uint32
	expired bool // when true, the next MIC/Wrap/Unwrap call reports context-expired
	deleted bool
}

var _ mech.Context = (*Context)(nil)

// NewContext returns a Context that expires at expiry and advertises the
// given sequence window.
func NewContext(expiry time.Time, window uint32) *Context {
	return &Context{expiry: expiry, window: window}
}

// SetExpired arms or disarms context-expired injection for subsequent
// calls, for exercising the context-expired-during-marshal/wrap paths.
func (c *Context) SetExpired(expired bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expired = expired
}

// Deleted reports whether Delete has been called.
func (c *Context) Deleted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deleted
}

func (c *Context) Expiry() time.Time { return c.expiry }
func (c *Context) Window() uint32    { return c.window }

func (c *Context) GetMIC(msg []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	mic := append(append([]byte{}, msg...), micSuffix...)
	if c.expired {
		return mic, fmt.Errorf("%w: mechtest context expired", errs.ErrContextExpired)
	}
	return mic, nil
}

func (c *Context) VerifyMIC(msg, mic []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.expired {
		return fmt.Errorf("%w: mechtest context expired", errs.ErrContextExpired)
	}
	want := append(append([]byte{}, msg...), micSuffix...)
	if !bytes.Equal(want, mic) {
		return fmt.Errorf("%w: mic mismatch", errs.ErrFormat)
	}
	return nil
}

func (c *Context) Wrap(msg []byte, conf bool) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tag := byte(0)
	if conf {
		tag = 1
	}
	out := append([]byte{tag}, msg...)
	if c.expired {
		return out, fmt.Errorf("%w: mechtest context expired", errs.ErrContextExpired)
	}
	return out, nil
}

func (c *Context) Unwrap(msg []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.expired {
		return nil, fmt.Errorf("%w: mechtest context expired", errs.ErrContextExpired)
	}
	if len(msg) < 1 {
		return nil, fmt.Errorf("%w: wrap token too short", errs.ErrFormat)
	}
	return msg[1:], nil
}

func (c *Context) Delete() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleted = true
	return nil
}

// Mechanism is a scriptable mech.Mechanism: Import defaults to handing
// back a fresh Context with a one-hour expiry, but tests can override
// ImportFunc to inject failures.
type Mechanism struct {
	NameStr    string
	ImportFunc func(token []byte) (mech.Context, error)
}

var _ mech.Mechanism = (*Mechanism)(nil)

// New returns a Mechanism named name whose ImportSecContext always
// succeeds with a fresh one-hour Context.
func New(name string) *Mechanism {
	return &Mechanism{NameStr: name}
}

func (m *Mechanism) Name() string {
	if m.NameStr == "" {
		return "mechtest"
	}
	return m.NameStr
}

func (m *Mechanism) ImportSecContext(token []byte) (mech.Context, error) {
	if m.ImportFunc != nil {
		return m.ImportFunc(token)
	}
	return NewContext(time.Now().Add(time.Hour), 128), nil
}
