package upcall

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dittofs/rpcsecgss/internal/errs"
)

// fakeDaemon lets tests script downcall bytes per call and count how many
// times HandleUpcall actually ran, to assert dedup behavior.
type fakeDaemon struct {
	calls  atomic.Int32
	block  chan struct{} // if non-nil, HandleUpcall waits on it before returning
	raw    []byte
	err    error
	mu     sync.Mutex
	onCall func()
}

func (d *fakeDaemon) HandleUpcall(ctx context.Context, version int, payload []byte) ([]byte, error) {
	d.calls.Add(1)
	if d.onCall != nil {
		d.onCall()
	}
	if d.block != nil {
		<-d.block
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.raw, d.err
}

func TestPipeSendSuccess(t *testing.T) {
	raw := buildOKDowncall(1000, 3600, 128, nil, []byte("tok"))
	daemon := &fakeDaemon{raw: raw}
	p := NewPipe(V1, daemon)

	res, err := p.Send(context.Background(), Request{Mech: "krb5", UID: 1000})
	require.NoError(t, err)
	assert.Equal(t, []byte("tok"), res.Token)
	assert.Equal(t, int32(1), daemon.calls.Load())
}

func TestPipeSendDedups(t *testing.T) {
	raw := buildOKDowncall(1000, 3600, 128, nil, []byte("tok"))
	block := make(chan struct{})
	daemon := &fakeDaemon{raw: raw, block: block}
	p := NewPipe(V1, daemon)

	var wg sync.WaitGroup
	results := make([]*Result, 2)
	errs2 := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs2[i] = p.Send(context.Background(), Request{Mech: "krb5", UID: 1000})
		}(i)
	}

	// give both goroutines a chance to reach linkOrAttach before unblocking
	time.Sleep(20 * time.Millisecond)
	close(block)
	wg.Wait()

	require.NoError(t, errs2[0])
	require.NoError(t, errs2[1])
	assert.Equal(t, results[0].Token, results[1].Token)
	assert.Equal(t, int32(1), daemon.calls.Load(), "second Send should attach, not re-call the daemon")
}

func TestPipeSendDaemonFailure(t *testing.T) {
	daemon := &fakeDaemon{err: errors.New("pipe write failed")}
	p := NewPipe(V1, daemon)

	_, err := p.Send(context.Background(), Request{Mech: "krb5", UID: 1000})
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrRetry)
}

func TestPipeSendErrnoKeyExpired(t *testing.T) {
	raw := buildErrDowncall(1000, -127)
	daemon := &fakeDaemon{raw: raw}
	p := NewPipe(V1, daemon)

	_, err := p.Send(context.Background(), Request{Mech: "krb5", UID: 1000})
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrKeyExpired)
}

func TestPipeSendNoDaemonAttached(t *testing.T) {
	p := NewPipe(V1, nil)
	_, err := p.Send(context.Background(), Request{Mech: "krb5", UID: 1000})
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrRetry)
}

func TestPipeCloseWakesWaiters(t *testing.T) {
	block := make(chan struct{})
	daemon := &fakeDaemon{block: block}
	p := NewPipe(V1, daemon)

	done := make(chan error, 1)
	go func() {
		_, err := p.Send(context.Background(), Request{Mech: "krb5", UID: 1000})
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	p.Close()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.ErrorIs(t, err, errs.ErrRetry)
	case <-time.After(time.Second):
		t.Fatal("Send did not return after Close")
	}
	close(block)
}

func TestPipeSendAfterCloseFailsFast(t *testing.T) {
	daemon := &fakeDaemon{raw: buildOKDowncall(1000, 3600, 128, nil, nil)}
	p := NewPipe(V1, daemon)
	p.Close()

	_, err := p.Send(context.Background(), Request{Mech: "krb5", UID: 1000})
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrRetry)
	assert.Equal(t, int32(0), daemon.calls.Load())
}

func TestPipeOpenAfterCloseRecoversSend(t *testing.T) {
	daemon := &fakeDaemon{raw: buildOKDowncall(1000, 3600, 128, nil, []byte("tok"))}
	p := NewPipe(V1, daemon)
	p.Close()

	_, err := p.Send(context.Background(), Request{Mech: "krb5", UID: 1000})
	require.Error(t, err, "pipe should still be closed before Open is called")

	p.Open(daemon)
	res, err := p.Send(context.Background(), Request{Mech: "krb5", UID: 1000})
	require.NoError(t, err)
	assert.Equal(t, []byte("tok"), res.Token)
}

func TestClassifyErrno(t *testing.T) {
	assert.ErrorIs(t, classifyErrno(-127), errs.ErrKeyExpired)
	assert.ErrorIs(t, classifyErrno(-13), errs.ErrAccessDenied)
}

func TestPipeSendMarksAttacherResult(t *testing.T) {
	raw := buildOKDowncall(1000, 3600, 128, nil, []byte("tok"))
	block := make(chan struct{})
	started := make(chan struct{}, 1)
	daemon := &fakeDaemon{raw: raw, block: block, onCall: func() { started <- struct{}{} }}
	p := NewPipe(V1, daemon)

	first := make(chan *Result, 1)
	go func() {
		res, err := p.Send(context.Background(), Request{Mech: "krb5", UID: 1000})
		require.NoError(t, err)
		first <- res
	}()

	<-started // the first Send's upcall is in flight; the second must attach
	second := make(chan *Result, 1)
	go func() {
		res, err := p.Send(context.Background(), Request{Mech: "krb5", UID: 1000})
		require.NoError(t, err)
		second <- res
	}()

	time.Sleep(20 * time.Millisecond)
	close(block)

	r1, r2 := <-first, <-second
	assert.False(t, r1.Attached)
	assert.True(t, r2.Attached, "the deduplicated caller's result must be marked Attached")
	assert.Equal(t, V1, r1.PipeVersion)
}
