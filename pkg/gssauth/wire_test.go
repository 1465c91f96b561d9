package gssauth

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dittofs/rpcsecgss/internal/errs"
	"github.com/dittofs/rpcsecgss/internal/mech/mechtest"
)

func newTestCred(service Service) (*Cred, *mechtest.Context) {
	cred := newCred(nil, 1000, "nfs/host@EXAMPLE.COM", service)
	mc := mechtest.NewContext(time.Now().Add(time.Hour), 128)
	sc := newSecCtx(mc, []byte("wire-ctx"), time.Now().Add(time.Hour), 128, nil, nil)
	cred.installContext(sc)
	return cred, mc
}

func TestMarshalWritesCredentialAndVerifier(t *testing.T) {
	cred, _ := newTestCred(ServiceIntegrity)
	var w bytes.Buffer
	call := &Call{Cred: cred}

	err := Marshal(&w, []byte("xid-prefix"), call)
	require.NoError(t, err)
	assert.EqualValues(t, 1, call.Seq)

	r := bytes.NewReader(w.Bytes())
	var flavor, credLen uint32
	require.NoError(t, binary.Read(r, binary.BigEndian, &flavor))
	assert.EqualValues(t, FlavorRPCSECGSS, flavor)
	require.NoError(t, binary.Read(r, binary.BigEndian, &credLen))

	body := make([]byte, credLen)
	_, err = r.Read(body)
	require.NoError(t, err)

	var verFlavor uint32
	require.NoError(t, binary.Read(r, binary.BigEndian, &verFlavor))
	assert.EqualValues(t, FlavorRPCSECGSS, verFlavor)
}

func TestMarshalAssignsIncreasingSeq(t *testing.T) {
	cred, _ := newTestCred(ServiceNone)
	var w1, w2 bytes.Buffer

	call1 := &Call{Cred: cred}
	require.NoError(t, Marshal(&w1, nil, call1))
	call2 := &Call{Cred: cred}
	require.NoError(t, Marshal(&w2, nil, call2))

	assert.EqualValues(t, 1, call1.Seq)
	assert.EqualValues(t, 2, call2.Seq)
}

func TestMarshalContextExpiredClearsUpToDateButStillWrites(t *testing.T) {
	cred, mc := newTestCred(ServiceNone)
	mc.SetExpired(true)

	var w bytes.Buffer
	call := &Call{Cred: cred}
	err := Marshal(&w, nil, call)

	require.NoError(t, err)
	assert.EqualValues(t, 1, call.Seq, "the call still gets its sequence number on context-expired")
	assert.False(t, cred.Flags().Has(CredUpToDate))
	assert.Greater(t, w.Len(), 0, "header bytes must still be written on context-expired")
}

func TestValidateAcceptsMatchingSeq(t *testing.T) {
	cred, mc := newTestCred(ServiceNone)
	call := &Call{Cred: cred, Seq: 42}

	var seqBuf [4]byte
	binary.BigEndian.PutUint32(seqBuf[:], 42)
	mic, err := mc.GetMIC(seqBuf[:])
	require.NoError(t, err)

	var w bytes.Buffer
	binary.Write(&w, binary.BigEndian, FlavorRPCSECGSS)
	writeOpaque(&w, mic)

	err = Validate(bytes.NewReader(w.Bytes()), call)
	assert.NoError(t, err)
}

func TestValidateRejectsWrongFlavor(t *testing.T) {
	cred, _ := newTestCred(ServiceNone)
	call := &Call{Cred: cred, Seq: 1}

	var w bytes.Buffer
	binary.Write(&w, binary.BigEndian, uint32(99))
	writeOpaque(&w, []byte("mic"))

	err := Validate(bytes.NewReader(w.Bytes()), call)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindFormat))
}

func TestValidateContextExpiredClearsUpToDateAndFails(t *testing.T) {
	cred, mc := newTestCred(ServiceNone)
	call := &Call{Cred: cred, Seq: 1}

	var seqBuf [4]byte
	binary.BigEndian.PutUint32(seqBuf[:], 1)
	mic, err := mc.GetMIC(seqBuf[:])
	require.NoError(t, err)

	mc.SetExpired(true)

	var w bytes.Buffer
	binary.Write(&w, binary.BigEndian, FlavorRPCSECGSS)
	writeOpaque(&w, mic)

	err = Validate(bytes.NewReader(w.Bytes()), call)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindContextExpired))
	assert.False(t, cred.Flags().Has(CredUpToDate))
}

func TestWrapUnwrapRoundTripIntegrity(t *testing.T) {
	cred, _ := newTestCred(ServiceIntegrity)
	call := &Call{Cred: cred, Seq: 7}
	body := []byte("hello world, 17 b")

	var w bytes.Buffer
	require.NoError(t, Wrap(call, &w, body))

	got, err := Unwrap(call, bytes.NewReader(w.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestWrapUnwrapRoundTripPrivacy(t *testing.T) {
	cred, _ := newTestCred(ServicePrivacy)
	call := &Call{Cred: cred, Seq: 3}
	body := []byte("super secret payload")

	var w bytes.Buffer
	require.NoError(t, Wrap(call, &w, body))

	got, err := Unwrap(call, bytes.NewReader(w.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestWrapNoneWritesBodyPlainly(t *testing.T) {
	cred, _ := newTestCred(ServiceNone)
	call := &Call{Cred: cred, Seq: 1}
	body := []byte("plaintext body")

	var w bytes.Buffer
	require.NoError(t, Wrap(call, &w, body))
	assert.Equal(t, body, w.Bytes())

	got, err := Unwrap(call, bytes.NewReader(w.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestWrapDestroyProcWritesBodyPlainlyRegardlessOfService(t *testing.T) {
	cred, _ := newTestCred(ServicePrivacy)
	call := &Call{Cred: cred, Seq: 1, Proc: ProcDestroy}
	body := []byte("destroy body")

	var w bytes.Buffer
	require.NoError(t, Wrap(call, &w, body))
	assert.Equal(t, body, w.Bytes())
}

func TestUnwrapRejectsSeqMismatchIntegrity(t *testing.T) {
	cred, _ := newTestCred(ServiceIntegrity)
	call := &Call{Cred: cred, Seq: 1}
	body := []byte("hello world, 17 b")

	var w bytes.Buffer
	require.NoError(t, Wrap(call, &w, body))

	call.Seq = 2 // pretend the caller now expects a different seqno
	_, err := Unwrap(call, bytes.NewReader(w.Bytes()))
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindFormat))
}

func TestWrapContextExpiredClearsUpToDateButStillSends(t *testing.T) {
	cred, mc := newTestCred(ServiceIntegrity)
	mc.SetExpired(true)
	call := &Call{Cred: cred, Seq: 1}
	body := []byte("hello world, 17 b")

	var w bytes.Buffer
	err := Wrap(call, &w, body)

	require.NoError(t, err)
	assert.EqualValues(t, 4+len(body), binary.BigEndian.Uint32(w.Bytes()[:4]), "the length field is still patched on context-expired")
	assert.False(t, cred.Flags().Has(CredUpToDate))
	assert.Greater(t, w.Len(), 0, "ciphertext/MIC must still be written on context-expired")
}

func TestWrapIntegrityLengthFieldCoversSeqPlusBody(t *testing.T) {
	cred, _ := newTestCred(ServiceIntegrity)
	call := &Call{Cred: cred, Seq: 9}
	body := bytes.Repeat([]byte{0xAB}, 17)

	var w bytes.Buffer
	require.NoError(t, Wrap(call, &w, body))

	var length uint32
	require.NoError(t, binary.Read(bytes.NewReader(w.Bytes()), binary.BigEndian, &length))
	assert.EqualValues(t, 4+17, length, "length field must cover the 4-byte seqno plus the body")
}

func TestWrapPrivacyOutputIsFourByteAligned(t *testing.T) {
	for _, bodyLen := range []int{0, 1, 2, 3, 4, 17, 31} {
		cred, _ := newTestCred(ServicePrivacy)
		call := &Call{Cred: cred, Seq: 5}
		body := bytes.Repeat([]byte{0xCD}, bodyLen)

		var w bytes.Buffer
		require.NoError(t, Wrap(call, &w, body))
		assert.Zero(t, w.Len()%4, "privacy payload for body length %d must be 4-byte aligned", bodyLen)
	}
}

func TestUnwrapIntegrityRejectsCorruptedMIC(t *testing.T) {
	cred, _ := newTestCred(ServiceIntegrity)
	call := &Call{Cred: cred, Seq: 2}
	body := []byte("cover me")

	var w bytes.Buffer
	require.NoError(t, Wrap(call, &w, body))

	raw := w.Bytes()
	raw[len(raw)-1] ^= 0x01 // flip a bit inside the trailing MIC

	_, err := Unwrap(call, bytes.NewReader(raw))
	require.Error(t, err)
}

func TestUnwrapRejectsLengthNotMultipleOfFour(t *testing.T) {
	cred, _ := newTestCred(ServiceIntegrity)
	call := &Call{Cred: cred, Seq: 1}

	var w bytes.Buffer
	binary.Write(&w, binary.BigEndian, uint32(7))
	w.Write(bytes.Repeat([]byte{0}, 7))

	_, err := Unwrap(call, bytes.NewReader(w.Bytes()))
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindFormat))
}

func TestUnwrapRejectsLengthBeyondBuffer(t *testing.T) {
	cred, _ := newTestCred(ServiceIntegrity)
	call := &Call{Cred: cred, Seq: 1}

	var w bytes.Buffer
	binary.Write(&w, binary.BigEndian, uint32(64))
	w.Write(bytes.Repeat([]byte{0}, 8))

	_, err := Unwrap(call, bytes.NewReader(w.Bytes()))
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindFormat))
}
