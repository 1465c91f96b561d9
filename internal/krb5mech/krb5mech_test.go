package krb5mech

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	"github.com/jcmturner/gokrb5/v8/crypto"
	"github.com/jcmturner/gokrb5/v8/gssapi"
	"github.com/jcmturner/gokrb5/v8/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey() types.EncryptionKey {
	return types.EncryptionKey{
		KeyType:  18, // aes256-cts-hmac-sha1-96
		KeyValue: bytes.Repeat([]byte{0x11}, 32),
	}
}

// acceptorMIC builds the MIC token a server (acceptor) would send over msg,
// signed under the acceptor-sign key usage with the acceptor flag set.
func acceptorMIC(t *testing.T, key types.EncryptionKey, msg []byte) []byte {
	t.Helper()
	tok := gssapi.MICToken{
		Flags:   gssapi.MICTokenFlagSentByAcceptor,
		Payload: msg,
	}
	require.NoError(t, tok.SetChecksum(key, KeyUsageAcceptorSign))
	b, err := tok.Marshal()
	require.NoError(t, err)
	return b
}

// acceptorWrap builds the non-sealed Wrap token a server would send over
// msg, checksummed under the acceptor-seal key usage.
func acceptorWrap(t *testing.T, key types.EncryptionKey, msg []byte) []byte {
	t.Helper()
	encType, err := crypto.GetEtype(key.KeyType)
	require.NoError(t, err)
	tok := gssapi.WrapToken{
		Flags:   wrapFlagSentByAcceptor,
		EC:      uint16(encType.GetHMACBitLength() / 8),
		Payload: msg,
	}
	require.NoError(t, tok.SetCheckSum(key, KeyUsageAcceptorSeal))
	b, err := tok.Marshal()
	require.NoError(t, err)
	return b
}

// acceptorSealedWrap builds the sealed (encrypted) Wrap token a server
// would send over msg: ciphertext = E(plaintext | header-with-EC/RRC-zero)
// under the acceptor-seal key usage.
func acceptorSealedWrap(t *testing.T, key types.EncryptionKey, msg []byte) []byte {
	t.Helper()
	header := make([]byte, wrapTokenHdrLen)
	header[0], header[1] = 0x05, 0x04
	header[2] = wrapFlagSentByAcceptor | wrapFlagSealed
	header[3] = 0xFF
	binary.BigEndian.PutUint16(header[4:6], 0)
	binary.BigEndian.PutUint16(header[6:8], 0)
	binary.BigEndian.PutUint64(header[8:16], 0)

	toEncrypt := make([]byte, len(msg)+wrapTokenHdrLen)
	copy(toEncrypt, msg)
	copy(toEncrypt[len(msg):], header)

	encType, err := crypto.GetEtype(key.KeyType)
	require.NoError(t, err)
	_, ciphertext, err := encType.EncryptMessage(key.KeyValue, toEncrypt, KeyUsageAcceptorSeal)
	require.NoError(t, err)

	out := make([]byte, wrapTokenHdrLen+len(ciphertext))
	copy(out, header)
	copy(out[wrapTokenHdrLen:], ciphertext)
	return out
}

func TestContextImportRoundTrip(t *testing.T) {
	key := testKey()
	expiry := time.Unix(1800000000, 0)
	token := EncodeContextToken(key, expiry, true)

	mechanism := New()
	ctx, err := mechanism.ImportSecContext(token)
	require.NoError(t, err)

	kc := ctx.(*Context)
	assert.Equal(t, key.KeyType, kc.key.KeyType)
	assert.Equal(t, key.KeyValue, kc.key.KeyValue)
	assert.True(t, kc.hasAcceptorSubkey)
	assert.WithinDuration(t, expiry, ctx.Expiry(), 0)
}

func TestImportSecContextRejectsTruncatedToken(t *testing.T) {
	_, err := New().ImportSecContext([]byte{0x00, 0x00})
	require.Error(t, err)
}

func TestGetMICProducesAToken(t *testing.T) {
	ctx := &Context{key: testKey(), expiry: time.Now().Add(time.Hour)}

	mic, err := ctx.GetMIC([]byte("rpc call body"))
	require.NoError(t, err)
	require.True(t, len(mic) >= 16)
	assert.Equal(t, []byte{0x04, 0x04}, mic[:2], "MIC token ID")
	assert.Zero(t, mic[2]&0x01, "initiator token must not carry the acceptor flag")
}

func TestGetMICPastExpiryStillReturnsToken(t *testing.T) {
	ctx := &Context{key: testKey(), expiry: time.Now().Add(-time.Minute)}

	mic, err := ctx.GetMIC([]byte("late call"))
	require.Error(t, err)
	assert.NotEmpty(t, mic, "token bytes are still handed back on expiry")
}

func TestVerifyMICAcceptsAcceptorToken(t *testing.T) {
	key := testKey()
	ctx := &Context{key: key, expiry: time.Now().Add(time.Hour)}

	msg := []byte("reply verifier body")
	mic := acceptorMIC(t, key, msg)

	assert.NoError(t, ctx.VerifyMIC(msg, mic))
}

func TestVerifyMICRejectsTamperedMessage(t *testing.T) {
	key := testKey()
	ctx := &Context{key: key, expiry: time.Now().Add(time.Hour)}

	mic := acceptorMIC(t, key, []byte("reply verifier body"))
	err := ctx.VerifyMIC([]byte("reply verifier bodX"), mic)
	require.Error(t, err)
}

func TestUnwrapAcceptsAcceptorWrapToken(t *testing.T) {
	key := testKey()
	ctx := &Context{key: key, expiry: time.Now().Add(time.Hour)}

	msg := []byte("integrity protected payload")
	got, err := ctx.Unwrap(acceptorWrap(t, key, msg))
	require.NoError(t, err)
	assert.Equal(t, msg, got)
}

func TestUnwrapAcceptsAcceptorSealedToken(t *testing.T) {
	key := testKey()
	ctx := &Context{key: key, expiry: time.Now().Add(time.Hour)}

	msg := []byte("confidential payload")
	got, err := ctx.Unwrap(acceptorSealedWrap(t, key, msg))
	require.NoError(t, err)
	assert.Equal(t, msg, got)
}

func TestWrapSealedMarksSealedFlag(t *testing.T) {
	ctx := &Context{key: testKey(), expiry: time.Now().Add(time.Hour)}

	wrapped, err := ctx.Wrap([]byte("confidential payload"), true)
	require.NoError(t, err)
	require.True(t, len(wrapped) >= wrapTokenHdrLen)
	assert.Equal(t, []byte{0x05, 0x04}, wrapped[:2], "wrap token ID")
	assert.NotZero(t, wrapped[2]&wrapFlagSealed)
	assert.Zero(t, wrapped[2]&wrapFlagSentByAcceptor)
}

func TestUnwrapRejectsBadTokenID(t *testing.T) {
	c := &Context{key: testKey()}
	_, err := c.Unwrap(make([]byte, 20))
	require.Error(t, err)
}

func TestUnwrapRejectsNonAcceptorToken(t *testing.T) {
	key := testKey()
	client := &Context{key: key, expiry: time.Now().Add(time.Hour)}
	wrapped, err := client.Wrap([]byte("x"), false)
	require.NoError(t, err)

	// wrapped carries the initiator's own flags (no acceptor bit).
	_, err = client.Unwrap(wrapped)
	require.Error(t, err)
}

func TestDeleteClearsKey(t *testing.T) {
	c := &Context{key: testKey()}
	require.NoError(t, c.Delete())
	assert.Nil(t, c.key.KeyValue)
}
