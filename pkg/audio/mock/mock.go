// Package mock provides in-memory mock implementations of the [audio.Source],
// [audio.Sink], and [audio.Releaser] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every call so that tests
// can assert on call counts and arguments, and they expose exported fields
// that the test can set to control behaviour.
//
// Typical usage:
//
//	src := mock.NewSource(frames...)
//	sink := &mock.Sink{Decline: func(f *audio.Frame) bool { return f.Seq%2 == 1 }}
//	rel := &mock.Releaser{}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/uacbridge/pkg/audio"
)

// ─── Source ───────────────────────────────────────────────────────────────────

// Source is a mock implementation of [audio.Source]. It hands out the queued
// frames in order; once they are exhausted Next blocks until ctx is done and
// then returns nil.
type Source struct {
	mu     sync.Mutex
	frames []*audio.Frame

	// NilEvery makes every n-th call to Next return nil before the frame is
	// delivered, exercising the "no frame, poll again" path. Zero disables.
	NilEvery int

	// CallCountNext records how many times Next was called.
	CallCountNext int

	drained chan struct{}
	once    sync.Once
}

// NewSource returns a Source that will deliver frames in order.
func NewSource(frames ...*audio.Frame) *Source {
	return &Source{frames: frames, drained: make(chan struct{})}
}

// Next implements [audio.Source].
func (s *Source) Next(ctx context.Context) *audio.Frame {
	s.mu.Lock()
	s.CallCountNext++
	if s.NilEvery > 0 && s.CallCountNext%s.NilEvery == 0 {
		s.mu.Unlock()
		return nil
	}
	if len(s.frames) > 0 {
		f := s.frames[0]
		s.frames = s.frames[1:]
		if len(s.frames) == 0 {
			s.once.Do(func() { close(s.drained) })
		}
		s.mu.Unlock()
		return f
	}
	s.once.Do(func() { close(s.drained) })
	s.mu.Unlock()
	<-ctx.Done()
	return nil
}

// Drained is closed once every queued frame has been handed out.
func (s *Source) Drained() <-chan struct{} { return s.drained }

// ─── Sink ─────────────────────────────────────────────────────────────────────

// Sink is a mock implementation of [audio.Sink].
type Sink struct {
	mu sync.Mutex

	// Decline decides per frame whether ownership is declined. A nil Decline
	// retains every frame.
	Decline func(f *audio.Frame) bool

	// Accepted records the sequence numbers of all frames handed to Accept, in
	// arrival order.
	Accepted []uint64

	// Retained holds the frames the sink kept.
	Retained []*audio.Frame

	// OnAccept, when non-nil, is called after each Accept with the running
	// count of frames seen.
	OnAccept func(n int)
}

// Accept implements [audio.Sink].
func (s *Sink) Accept(_ context.Context, f *audio.Frame) audio.Disposition {
	s.mu.Lock()
	s.Accepted = append(s.Accepted, f.Seq)
	d := audio.Retained
	if s.Decline != nil && s.Decline(f) {
		d = audio.Declined
	} else {
		s.Retained = append(s.Retained, f)
	}
	n := len(s.Accepted)
	cb := s.OnAccept
	s.mu.Unlock()
	if cb != nil {
		cb(n)
	}
	return d
}

// Seqs returns a copy of Accepted.
func (s *Sink) Seqs() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint64, len(s.Accepted))
	copy(out, s.Accepted)
	return out
}

// RetainedCount returns len(Retained).
func (s *Sink) RetainedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Retained)
}

// ─── Releaser ─────────────────────────────────────────────────────────────────

// Releaser is a mock implementation of [audio.Releaser].
type Releaser struct {
	mu sync.Mutex

	// Released records the sequence numbers of released frames in order.
	Released []uint64
}

// Release implements [audio.Releaser].
func (r *Releaser) Release(f *audio.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Released = append(r.Released, f.Seq)
}

// Count returns the number of releases recorded.
func (r *Releaser) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Released)
}
