package daemond

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseUpcallV0(t *testing.T) {
	payload := make([]byte, 4)
	binary.NativeEndian.PutUint32(payload, 1000)

	uid, target, err := parseUpcall(0, payload)
	require.NoError(t, err)
	assert.Equal(t, uint32(1000), uid)
	assert.Empty(t, target)
}

func TestParseUpcallV1(t *testing.T) {
	uid, target, err := parseUpcall(1, []byte("mech=krb5 uid=1000 target=nfs/host@EXAMPLE.COM \n"))
	require.NoError(t, err)
	assert.Equal(t, uint32(1000), uid)
	assert.Equal(t, "nfs/host@EXAMPLE.COM", target)
}

func TestParseUpcallV1MissingUID(t *testing.T) {
	_, _, err := parseUpcall(1, []byte("mech=krb5 \n"))
	require.Error(t, err)
}

func TestParseUpcallV0TooShort(t *testing.T) {
	_, _, err := parseUpcall(0, []byte{0x01})
	require.Error(t, err)
}

// readOpaqueForTest mirrors internal/upcall's decodeDowncall readOpaque
// exactly (4-byte big-endian length, data, zero pad to a 4-byte boundary)
// so this test proves okDowncall's output actually parses the way the
// broker's downcall parser expects, not just that the fixed-width uid/
// timeout/window prefix looks right.
func readOpaqueForTest(t *testing.T, r *bytes.Reader) []byte {
	t.Helper()
	var length uint32
	require.NoError(t, binary.Read(r, binary.BigEndian, &length))
	data := make([]byte, length)
	_, err := io.ReadFull(r, data)
	require.NoError(t, err)
	if pad := (4 - (length % 4)) % 4; pad > 0 {
		_, err := r.Seek(int64(pad), io.SeekCurrent)
		require.NoError(t, err)
	}
	return data
}

func TestOkDowncallLayout(t *testing.T) {
	token := []byte("ctx-token")
	d := okDowncall(1000, 3600, 128, nil, token)

	var uid uint32
	uid = binary.NativeEndian.Uint32(d[0:4])
	assert.Equal(t, uint32(1000), uid)
	assert.Equal(t, uint32(3600), binary.BigEndian.Uint32(d[4:8]))
	assert.Equal(t, uint32(128), binary.BigEndian.Uint32(d[8:12]))

	r := bytes.NewReader(d[12:])
	assert.Empty(t, readOpaqueForTest(t, r))
	assert.Equal(t, token, readOpaqueForTest(t, r))
	assert.Zero(t, r.Len())
}

func TestOkDowncallLayoutWithWireCtxAndOddLengths(t *testing.T) {
	// wire_ctx/token lengths not multiples of 4 force padding on every
	// opaque; if okDowncall ever drops the padding the reader desyncs
	// and every later field shifts.
	wireCtx := []byte("wc")
	token := []byte("odd-len-token")
	d := okDowncall(1000, 3600, 128, wireCtx, token)

	r := bytes.NewReader(d[12:])
	assert.Equal(t, wireCtx, readOpaqueForTest(t, r))
	assert.Equal(t, token, readOpaqueForTest(t, r))
	assert.Zero(t, r.Len())
}

func TestErrDowncallSignalsZeroWindow(t *testing.T) {
	d := errDowncall(1000, -127)
	window := binary.BigEndian.Uint32(d[8:12])
	assert.Zero(t, window)
	errno := int32(binary.BigEndian.Uint32(d[12:16]))
	assert.Equal(t, int32(-127), errno)
}
