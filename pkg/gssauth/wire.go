package gssauth

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/dittofs/rpcsecgss/internal/errs"
)

// Call carries the per-request state Marshal produces and Validate/Wrap/
// Unwrap consume: the seqno a call was assigned at marshal time, which
// cred/SecCtx it used, and the verifier length validate recorded (so
// unwrap can size its slack correctly).
type Call struct {
	Cred *Cred

	// Proc is this call's RPCSEC_GSS sub-procedure. Callers constructing
	// a destroy-context RPC (the cache-eviction teardown path) set this to
	// ProcDestroy to get plaintext wrap/unwrap regardless of service;
	// every other call leaves it at the zero value, ProcData.
	Proc Proc

	// Seq is the sequence number Marshal assigned. Validate/Wrap/Unwrap
	// all key off this, not a fresh allocation.
	Seq uint32

	// VerifierLen is filled in by Validate; Unwrap uses it to size
	// trailing auth slack for the caller.
	VerifierLen int
}

// writeOpaque writes an XDR-style opaque<>: a 4-byte big-endian length
// followed by the bytes and 0-3 zero pad bytes so the total is a multiple
// of 4. Hand-rolled rather than pulled from an XDR library: the
// patch-length-after-MIC discipline below is imperative in a way a
// reflection-based XDR marshaler can't express.
func writeOpaque(w *bytes.Buffer, data []byte) {
	binary.Write(w, binary.BigEndian, uint32(len(data)))
	w.Write(data)
	if pad := (4 - (len(data) % 4)) % 4; pad > 0 {
		w.Write(make([]byte, pad))
	}
}

// readOpaque is writeOpaque's inverse.
func readOpaque(r io.Reader) ([]byte, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, fmt.Errorf("%w: read opaque length: %v", errs.ErrFormat, err)
	}
	const maxOpaque = 1 << 20
	if length > maxOpaque {
		return nil, fmt.Errorf("%w: opaque length %d exceeds maximum", errs.ErrFormat, length)
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("%w: read opaque data: %v", errs.ErrFormat, err)
	}
	if pad := (4 - (length % 4)) % 4; pad > 0 {
		if _, err := io.CopyN(io.Discard, r, int64(pad)); err != nil {
			return nil, fmt.Errorf("%w: read opaque pad: %v", errs.ErrFormat, err)
		}
	}
	return data, nil
}

// Marshal writes the RPCSEC_GSS flavor tag, credential body, and MIC
// verifier for call: flavor, placeholder length, version, proc,
// seq (freshly allocated under the context's seq-lock), service, opaque
// wire_ctx, patched length, then a verifier computed over everything
// written so far (the credential body; callers pass in the preceding
// xid-through-credential bytes via xidPrefix so the MIC covers the full
// xid-through-credential range).
func Marshal(w *bytes.Buffer, xidPrefix []byte, call *Call) error {
	sc := call.Cred.Context()
	if sc == nil {
		return fmt.Errorf("%w: no security context installed", errs.ErrRetry)
	}
	defer sc.Release()

	call.Seq = sc.nextSeq()

	binary.Write(w, binary.BigEndian, FlavorRPCSECGSS)

	credStart := w.Len()
	binary.Write(w, binary.BigEndian, uint32(0)) // placeholder credential length

	bodyStart := w.Len()
	binary.Write(w, binary.BigEndian, CredVersion)
	binary.Write(w, binary.BigEndian, uint32(call.Proc))
	binary.Write(w, binary.BigEndian, call.Seq)
	binary.Write(w, binary.BigEndian, uint32(call.Cred.Service))
	writeOpaque(w, sc.WireCtx())
	bodyLen := w.Len() - bodyStart

	patchUint32(w, credStart, uint32(bodyLen))

	micInput := make([]byte, 0, len(xidPrefix)+w.Len())
	micInput = append(micInput, xidPrefix...)
	micInput = append(micInput, w.Bytes()...)

	mic, err := sc.mechCtx.GetMIC(micInput)
	if errs.Is(err, errs.KindContextExpired) {
		call.Cred.clearUpToDate()
		call.Cred.metricsSink().RecordMICFailure("marshal", call.Cred.Service.String())
	} else if err != nil {
		call.Cred.metricsSink().RecordMICFailure("marshal", call.Cred.Service.String())
		return fmt.Errorf("marshal: get_mic: %w", err)
	}

	binary.Write(w, binary.BigEndian, FlavorRPCSECGSS)
	writeOpaque(w, mic)
	if call.Proc == ProcData {
		call.Cred.metricsSink().RecordDataRequest(call.Cred.Service.String())
	}
	return nil
}

// Validate checks the reply verifier: flavor must be
// RPCSEC_GSS, length bounded by maxVerifierBytes, and the MIC must cover
// a 4-byte big-endian encoding of call.Seq (the request's seqno, not the
// reply's).
func Validate(r io.Reader, call *Call) error {
	sc := call.Cred.Context()
	if sc == nil {
		return fmt.Errorf("%w: no security context installed", errs.ErrRetry)
	}
	defer sc.Release()

	var flavor uint32
	if err := binary.Read(r, binary.BigEndian, &flavor); err != nil {
		return fmt.Errorf("%w: read verifier flavor: %v", errs.ErrFormat, err)
	}
	if flavor != FlavorRPCSECGSS {
		return fmt.Errorf("%w: unexpected verifier flavor %d", errs.ErrFormat, flavor)
	}

	mic, err := readOpaque(r)
	if err != nil {
		return err
	}
	if len(mic) > maxVerifierBytes {
		return fmt.Errorf("%w: verifier %d bytes exceeds %d byte maximum", errs.ErrFormat, len(mic), maxVerifierBytes)
	}
	call.VerifierLen = len(mic)

	var seqBuf [4]byte
	binary.BigEndian.PutUint32(seqBuf[:], call.Seq)

	verr := sc.mechCtx.VerifyMIC(seqBuf[:], mic)
	if errs.Is(verr, errs.KindContextExpired) {
		call.Cred.clearUpToDate()
		call.Cred.metricsSink().RecordMICFailure("validate", call.Cred.Service.String())
		return fmt.Errorf("validate: %w", verr)
	}
	if verr != nil {
		call.Cred.metricsSink().RecordMICFailure("validate", call.Cred.Service.String())
		return fmt.Errorf("validate: verify_mic: %w", verr)
	}
	return nil
}

// Wrap applies call.Cred.Service's protection to body:
//
//	NONE, or call.Proc == ProcDestroy: body is written plainly.
//	INTEGRITY: placeholder length, seqno, body, MIC over the covered
//	  subrange, length patched to the subrange's byte length.
//	PRIVACY: placeholder length, seqno, body, mechanism Wrap over the
//	  covered subrange, length patched to ciphertext length, 0-3 zero
//	  pad bytes so the total is a multiple of 4.
//
// A context-expired MIC/Wrap result clears UPTODATE but does not fail the
// send; the already-computed ciphertext/MIC is still written.
func Wrap(call *Call, w *bytes.Buffer, body []byte) error {
	sc := call.Cred.Context()
	if sc == nil {
		return fmt.Errorf("%w: no security context installed", errs.ErrRetry)
	}
	defer sc.Release()

	if call.Cred.Service == ServiceNone || call.Proc == ProcDestroy {
		w.Write(body)
		return nil
	}

	lenOffset := w.Len()
	binary.Write(w, binary.BigEndian, uint32(0)) // placeholder
	subrangeStart := w.Len()
	binary.Write(w, binary.BigEndian, call.Seq)
	w.Write(body)
	subrange := w.Bytes()[subrangeStart:]

	switch call.Cred.Service {
	case ServiceIntegrity:
		mic, err := sc.mechCtx.GetMIC(subrange)
		if errs.Is(err, errs.KindContextExpired) {
			call.Cred.clearUpToDate()
			call.Cred.metricsSink().RecordWrapFailure("wrap", "integrity")
		} else if err != nil {
			call.Cred.metricsSink().RecordWrapFailure("wrap", "integrity")
			return fmt.Errorf("wrap: get_mic: %w", err)
		}
		covered := w.Len() - subrangeStart
		patchUint32(w, lenOffset, uint32(covered))
		writeOpaque(w, mic)

	case ServicePrivacy:
		cipher, err := sc.mechCtx.Wrap(append([]byte{}, subrange...), true)
		if errs.Is(err, errs.KindContextExpired) {
			call.Cred.clearUpToDate()
			call.Cred.metricsSink().RecordWrapFailure("wrap", "privacy")
		} else if err != nil {
			call.Cred.metricsSink().RecordWrapFailure("wrap", "privacy")
			return fmt.Errorf("wrap: wrap: %w", err)
		}
		// Replace the plaintext subrange with the ciphertext.
		w.Truncate(subrangeStart)
		w.Write(cipher)
		patchUint32(w, lenOffset, uint32(len(cipher)))
		if pad := (4 - (len(cipher) % 4)) % 4; pad > 0 {
			w.Write(make([]byte, pad))
		}

	default:
		return fmt.Errorf("%w: unknown service %d", errs.ErrFormat, call.Cred.Service)
	}

	return nil
}

// Unwrap reverses Wrap. NONE and DESTROY pass bytes through
// unchanged; INTEGRITY verifies the embedded seqno and MIC; PRIVACY
// decrypts and verifies the embedded seqno. Only the INTEGRITY length must
// be a multiple of 4. Sequence mismatches are fatal ErrFormat errors; MIC
// and decryption failures carry the mechanism's error kind, and a
// context-expired result also clears UPTODATE.
func Unwrap(call *Call, r *bytes.Reader) ([]byte, error) {
	sc := call.Cred.Context()
	if sc == nil {
		return nil, fmt.Errorf("%w: no security context installed", errs.ErrRetry)
	}
	defer sc.Release()

	if call.Cred.Service == ServiceNone || call.Proc == ProcDestroy {
		rest := make([]byte, r.Len())
		if _, err := io.ReadFull(r, rest); err != nil {
			return nil, fmt.Errorf("%w: read body: %v", errs.ErrFormat, err)
		}
		return rest, nil
	}

	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, fmt.Errorf("%w: read wrap length: %v", errs.ErrFormat, err)
	}
	if int(length) > r.Len() {
		return nil, fmt.Errorf("%w: wrap length %d exceeds receive buffer", errs.ErrFormat, length)
	}

	switch call.Cred.Service {
	case ServiceIntegrity:
		if length%4 != 0 {
			return nil, fmt.Errorf("%w: wrap length %d not a multiple of 4", errs.ErrFormat, length)
		}
		covered := make([]byte, length)
		if _, err := io.ReadFull(r, covered); err != nil {
			return nil, fmt.Errorf("%w: read covered subrange: %v", errs.ErrFormat, err)
		}
		mic, err := readOpaque(r)
		if err != nil {
			return nil, err
		}
		if err := verifySeqAndMIC(sc, call.Seq, covered, mic); err != nil {
			if errs.Is(err, errs.KindContextExpired) {
				call.Cred.clearUpToDate()
			}
			call.Cred.metricsSink().RecordWrapFailure("unwrap", "integrity")
			return nil, err
		}
		return covered[4:], nil

	case ServicePrivacy:
		cipher := make([]byte, length)
		if _, err := io.ReadFull(r, cipher); err != nil {
			return nil, fmt.Errorf("%w: read ciphertext: %v", errs.ErrFormat, err)
		}
		plain, err := sc.mechCtx.Unwrap(cipher)
		if err != nil {
			if errs.Is(err, errs.KindContextExpired) {
				call.Cred.clearUpToDate()
			}
			call.Cred.metricsSink().RecordWrapFailure("unwrap", "privacy")
			return nil, fmt.Errorf("unwrap: %w", err)
		}
		if len(plain) < 4 {
			return nil, fmt.Errorf("%w: unwrapped body too short for seqno", errs.ErrFormat)
		}
		gotSeq := binary.BigEndian.Uint32(plain[:4])
		if gotSeq != call.Seq {
			call.Cred.metricsSink().RecordWrapFailure("unwrap", "privacy")
			return nil, fmt.Errorf("%w: reply seqno %d does not match request seqno %d", errs.ErrFormat, gotSeq, call.Seq)
		}
		return plain[4:], nil

	default:
		return nil, fmt.Errorf("%w: unknown service %d", errs.ErrFormat, call.Cred.Service)
	}
}

// verifySeqAndMIC checks the embedded seqno in covered (its first 4
// bytes) against expectedSeq, then verifies mic over the full covered
// subrange.
func verifySeqAndMIC(sc *SecCtx, expectedSeq uint32, covered, mic []byte) error {
	if len(covered) < 4 {
		return fmt.Errorf("%w: covered subrange too short for seqno", errs.ErrFormat)
	}
	gotSeq := binary.BigEndian.Uint32(covered[:4])
	if gotSeq != expectedSeq {
		return fmt.Errorf("%w: reply seqno %d does not match request seqno %d", errs.ErrFormat, gotSeq, expectedSeq)
	}
	if err := sc.mechCtx.VerifyMIC(covered, mic); err != nil {
		return fmt.Errorf("unwrap: verify_mic: %w", err)
	}
	return nil
}

// patchUint32 overwrites the 4 big-endian bytes at offset in w's
// underlying buffer with v. w must already have written at least
// offset+4 bytes.
func patchUint32(w *bytes.Buffer, offset int, v uint32) {
	b := w.Bytes()
	binary.BigEndian.PutUint32(b[offset:offset+4], v)
}
