package upcall

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/dittofs/rpcsecgss/internal/errs"
)

// v1PayloadCap is the fixed 128-byte ceiling for a v1 upcall line.
const v1PayloadCap = 128

// maxDowncallBytes caps a whole downcall message.
const maxDowncallBytes = 1024

// defaultDowncallTimeout is substituted when the daemon sends timeout=0.
const defaultDowncallTimeout = time.Hour

func secondsOrDefault(secs uint32) time.Duration {
	if secs == 0 {
		return defaultDowncallTimeout
	}
	return time.Duration(secs) * time.Second
}

// Request describes what's being requested for one upcall, independent
// of wire version.
type Request struct {
	UID      uint32
	Mech     string
	Target   string
	Service  string
	Enctypes string
}

// encodeV0 renders the legacy binary request: 4-byte native-endian uid.
func encodeV0(r Request) []byte {
	buf := make([]byte, 4)
	binary.NativeEndian.PutUint32(buf, r.UID)
	return buf
}

// encodeV1 renders the ASCII key=value request line:
//
//	mech=<name> uid=<n> [target=<principal> ][service=<name> ][enctypes=<list> ]\n
func encodeV1(r Request) ([]byte, error) {
	var b bytes.Buffer
	fmt.Fprintf(&b, "mech=%s uid=%d ", r.Mech, r.UID)
	if r.Target != "" {
		fmt.Fprintf(&b, "target=%s ", r.Target)
	}
	if r.Service != "" {
		fmt.Fprintf(&b, "service=%s ", r.Service)
	}
	if r.Enctypes != "" {
		fmt.Fprintf(&b, "enctypes=%s ", r.Enctypes)
	}
	b.WriteByte('\n')
	if b.Len() > v1PayloadCap {
		return nil, fmt.Errorf("%w: v1 upcall line %d bytes exceeds %d byte cap", errs.ErrFormat, b.Len(), v1PayloadCap)
	}
	return b.Bytes(), nil
}

// decodeDowncall parses the daemon's reply:
//
//	uid (4B native-endian), timeout (4B secs), window (4B; 0 => error),
//	then either a signed errno (4B) or wire_ctx (opaque) followed by the
//	mechanism-specific security token (opaque), which the caller passes
//	to ImportSecContext. Trailing bytes are ignored.
func decodeDowncall(raw []byte) (uid uint32, res *Result, err error) {
	if len(raw) > maxDowncallBytes {
		return 0, nil, fmt.Errorf("%w: downcall %d bytes exceeds %d byte maximum", errs.ErrFormat, len(raw), maxDowncallBytes)
	}
	r := bytes.NewReader(raw)

	if err := binary.Read(r, binary.NativeEndian, &uid); err != nil {
		return 0, nil, fmt.Errorf("%w: read uid: %v", errs.ErrFormat, err)
	}

	var timeoutSecs, window uint32
	if err := binary.Read(r, binary.BigEndian, &timeoutSecs); err != nil {
		return uid, nil, fmt.Errorf("%w: read timeout: %v", errs.ErrFormat, err)
	}
	if err := binary.Read(r, binary.BigEndian, &window); err != nil {
		return uid, nil, fmt.Errorf("%w: read window: %v", errs.ErrFormat, err)
	}

	if window == 0 {
		var errno int32
		if err := binary.Read(r, binary.BigEndian, &errno); err != nil {
			return uid, nil, fmt.Errorf("%w: read errno: %v", errs.ErrFormat, err)
		}
		return uid, &Result{Errno: errno}, nil
	}

	wireCtx, err := readOpaque(r)
	if err != nil {
		return uid, nil, fmt.Errorf("%w: read wire_ctx: %v", errs.ErrFormat, err)
	}
	token, err := readOpaque(r)
	if err != nil {
		return uid, nil, fmt.Errorf("%w: read token: %v", errs.ErrFormat, err)
	}

	return uid, &Result{
		Timeout: secondsOrDefault(timeoutSecs),
		Window:  window,
		WireCtx: wireCtx,
		Token:   token,
	}, nil
}

func readOpaque(r *bytes.Reader) ([]byte, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, err
	}
	if length > maxDowncallBytes {
		return nil, fmt.Errorf("opaque length %d exceeds maximum", length)
	}
	data := make([]byte, length)
	if _, err := readFullReader(r, data); err != nil {
		return nil, err
	}
	if pad := (4 - (length % 4)) % 4; pad > 0 {
		if _, err := r.Seek(int64(pad), 1); err != nil {
			return nil, err
		}
	}
	return data, nil
}

func readFullReader(r *bytes.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
		if m == 0 {
			return n, fmt.Errorf("unexpected EOF")
		}
	}
	return n, nil
}
