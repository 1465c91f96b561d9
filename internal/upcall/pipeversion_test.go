package upcall

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPipeVersionStateInitiallyUnset(t *testing.T) {
	s := NewPipeVersionState()
	assert.Equal(t, -1, s.Version())
}

func TestPipeVersionStateOpenThenVersion(t *testing.T) {
	s := NewPipeVersionState()
	s.Open(V1)
	assert.Equal(t, int(V1), s.Version())
}

func TestPipeVersionStateAwaitTimesOut(t *testing.T) {
	s := NewPipeVersionState()
	start := time.Now()
	got := s.Await(50 * time.Millisecond)
	assert.Equal(t, -1, got)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestPipeVersionStateAwaitWakesOnOpen(t *testing.T) {
	s := NewPipeVersionState()
	done := make(chan int, 1)
	go func() { done <- s.Await(5 * time.Second) }()

	time.Sleep(20 * time.Millisecond)
	s.Open(V0)

	select {
	case got := <-done:
		assert.Equal(t, int(V0), got)
	case <-time.After(time.Second):
		t.Fatal("Await did not wake on Open")
	}
}

func TestPipeVersionStateReleaseResetsVersionAtZeroUsers(t *testing.T) {
	s := NewPipeVersionState()
	s.Open(V1)
	assert.Equal(t, 1, s.Users())

	s.Release()
	assert.Zero(t, s.Users())
	assert.Equal(t, -1, s.Version())
}

func TestPipeVersionStateReleaseKeepsVersionWhileUsersRemain(t *testing.T) {
	s := NewPipeVersionState()
	s.Open(V1)
	s.Open(V0) // a second opener; this implementation's version field is just "latest opened"

	s.Release()
	assert.Equal(t, 1, s.Users())
	assert.NotEqual(t, -1, s.Version())
}

func TestPipeVersionStateReleaseWithoutOpenIsNoop(t *testing.T) {
	s := NewPipeVersionState()
	s.Release()
	assert.Zero(t, s.Users())
}

func TestPipeVersionStateAwaitReturnsImmediatelyIfAlreadyOpen(t *testing.T) {
	s := NewPipeVersionState()
	s.Open(V1)
	start := time.Now()
	got := s.Await(5 * time.Second)
	assert.Equal(t, int(V1), got)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}
