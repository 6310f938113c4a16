package app

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/fr13n8/connmux/endpoint"
	"github.com/lithammer/shortuuid/v4"
	"go.uber.org/multierr"
)

// Session is one accepted stream tracked by a Registry.
type Session struct {
	ID       string
	Stream   *endpoint.Stream
	Opened   time.Time
	Received atomic.Uint64
}

type Registry struct {
	sessions map[string]*Session
	mu       sync.Mutex
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
	}
}

// Add registers s under a fresh id.
func (r *Registry) Add(s *endpoint.Stream) *Session {
	sess := &Session{
		ID:     shortuuid.New(),
		Stream: s,
		Opened: time.Now(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.sessions[sess.ID] = sess

	return sess
}

func (r *Registry) Get(id string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.sessions[id]
}

func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.sessions, id)
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.sessions)
}

// Sessions returns a snapshot of the live sessions.
func (r *Registry) Sessions() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Cleanup closes every session and empties the registry.
func (r *Registry) Cleanup() error {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	var err error
	for _, s := range sessions {
		err = multierr.Append(err, s.Stream.Close())
	}
	return err
}
