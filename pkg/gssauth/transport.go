package gssauth

import "net"

// NetTransport adapts a net.Conn to the Transport interface, for
// exercising Marshal/Validate/Wrap/Unwrap against a real ONC-RPC peer
// (cmd/gssauthctl's ping demo uses this).
type NetTransport struct {
	conn net.Conn
}

var _ Transport = (*NetTransport)(nil)

// NewNetTransport wraps conn as a Transport.
func NewNetTransport(conn net.Conn) *NetTransport {
	return &NetTransport{conn: conn}
}

func (t *NetTransport) Write(p []byte) (int, error) { return t.conn.Write(p) }
func (t *NetTransport) Read(p []byte) (int, error)  { return t.conn.Read(p) }

// Close closes the underlying connection.
func (t *NetTransport) Close() error { return t.conn.Close() }
