package upcall

import (
	"sync"
	"time"
)

// PipeVersionState is the process-global singleton tracking which upcall
// wire version is currently in use. The kernel keeps one of
// these per network namespace; this module has no netns concept, so it
// collapses to a single process-wide instance.
//
// users counts openers of the latched pipe. Open increments it;
// Release decrements it and resets version to −1 once it reaches zero, so
// the next upcall sees "no pipe open" again rather than a stale version.
type PipeVersionState struct {
	mu      sync.Mutex
	cond    *sync.Cond
	version int // -1 until a pipe has been opened
	users   int
}

// NewPipeVersionState returns a state with no pipe opened yet.
func NewPipeVersionState() *PipeVersionState {
	s := &PipeVersionState{version: -1}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Open latches the active version (0 or 1), counts the opener, and wakes
// anyone waiting in Await. Call once per opener; pair with Release.
func (s *PipeVersionState) Open(version Version) {
	s.mu.Lock()
	s.version = int(version)
	s.users++
	s.mu.Unlock()
	s.cond.Broadcast()
}

// Release drops one opener's reference. Once the last opener releases,
// the version resets to -1, so a subsequent Await waits for a fresh Open
// instead of reusing a version nobody is actually serving anymore; the
// broker reports access-denied if none arrives before its wait times out.
func (s *PipeVersionState) Release() {
	s.mu.Lock()
	if s.users > 0 {
		s.users--
	}
	if s.users == 0 {
		s.version = -1
	}
	s.mu.Unlock()
}

// Users returns the current opener count.
func (s *PipeVersionState) Users() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.users
}

// Version returns the active version, or -1 if no pipe has opened yet.
func (s *PipeVersionState) Version() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// Await blocks until a pipe version is latched or timeout elapses,
// returning the version (or -1 on timeout). Callers pass a shorter
// timeout once they already suspect the daemon isn't running (0.25s
// degraded vs 15s normal).
func (s *PipeVersionState) Await(timeout time.Duration) int {
	deadline := time.Now().Add(timeout)

	s.mu.Lock()
	defer s.mu.Unlock()

	for s.version == -1 {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return -1
		}
		timer := time.AfterFunc(remaining, s.cond.Broadcast)
		s.cond.Wait()
		timer.Stop()
	}
	return s.version
}
