package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrDraining = errors.New("pipeline: registry is draining")

// Session is one live call and its pipeline.
type Session struct {
	CallSID  string
	StreamID string
	TraceID  string
	Orch     Orchestrator
	Ctx      context.Context
	Cancel   context.CancelFunc
	Created  time.Time
	// Data holds whatever per-call state the factory attached.
	Data any
}

// SessionFactory builds the pipeline for a new call. The returned data is
// stored on the Session.
type SessionFactory func(ctx context.Context, callSID, streamID, traceID string) (Orchestrator, any, error)

// SessionRegistry owns the live calls of a process, keyed by call sid.
// The factory runs at most once per call sid at a time; concurrent callers
// for the same sid wait for that build and share its session.
type SessionRegistry struct {
	factory SessionFactory

	mu       sync.Mutex
	sessions map[string]*Session
	building map[string]chan struct{}
	draining bool
}

func NewSessionRegistry(factory SessionFactory) *SessionRegistry {
	return &SessionRegistry{
		factory:  factory,
		sessions: make(map[string]*Session),
		building: make(map[string]chan struct{}),
	}
}

// GetOrCreate returns the call's session, building it when absent. The
// bool reports whether this call built it.
func (r *SessionRegistry) GetOrCreate(callSID, streamID, traceID string) (*Session, bool, error) {
	if callSID == "" {
		return nil, false, nil
	}
	for {
		r.mu.Lock()
		if sess, ok := r.sessions[callSID]; ok {
			r.mu.Unlock()
			return sess, false, nil
		}
		if r.draining {
			r.mu.Unlock()
			return nil, false, ErrDraining
		}
		wait, busy := r.building[callSID]
		if !busy {
			done := make(chan struct{})
			r.building[callSID] = done
			r.mu.Unlock()
			sess, err := r.build(callSID, streamID, traceID)
			r.mu.Lock()
			delete(r.building, callSID)
			if err == nil {
				r.sessions[callSID] = sess
			}
			close(done)
			r.mu.Unlock()
			return sess, err == nil, err
		}
		r.mu.Unlock()
		<-wait
	}
}

func (r *SessionRegistry) build(callSID, streamID, traceID string) (*Session, error) {
	ctx, cancel := context.WithCancel(context.Background())
	orch, data, err := r.factory(ctx, callSID, streamID, traceID)
	if err != nil {
		cancel()
		return nil, err
	}
	if err := orch.Start(); err != nil {
		cancel()
		return nil, err
	}
	return &Session{
		CallSID:  callSID,
		StreamID: streamID,
		TraceID:  traceID,
		Orch:     orch,
		Ctx:      ctx,
		Cancel:   cancel,
		Created:  time.Now(),
		Data:     data,
	}, nil
}

func (r *SessionRegistry) Get(callSID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[callSID]
	return sess, ok
}

// ByStream finds a live session by its media stream id.
func (r *SessionRegistry) ByStream(streamID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sess := range r.sessions {
		if sess.StreamID == streamID {
			return sess, true
		}
	}
	return nil, false
}

// List returns a snapshot of live sessions.
func (r *SessionRegistry) List() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, sess)
	}
	return out
}

// Remove stops and forgets a session. It reports whether one was removed.
func (r *SessionRegistry) Remove(callSID string) bool {
	r.mu.Lock()
	sess, ok := r.sessions[callSID]
	delete(r.sessions, callSID)
	r.mu.Unlock()
	if !ok {
		return false
	}
	stopSession(sess)
	return true
}

// CloseAll stops every live session.
func (r *SessionRegistry) CloseAll() {
	r.mu.Lock()
	live := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()
	for _, sess := range live {
		stopSession(sess)
	}
}

func stopSession(sess *Session) {
	if sess.Cancel != nil {
		sess.Cancel()
	}
	if sess.Orch != nil {
		_ = sess.Orch.Stop()
	}
}

func (r *SessionRegistry) Count() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int64(len(r.sessions))
}

// SetDraining makes GetOrCreate refuse new calls. Live calls are untouched.
func (r *SessionRegistry) SetDraining(v bool) {
	r.mu.Lock()
	r.draining = v
	r.mu.Unlock()
}

func (r *SessionRegistry) Draining() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.draining
}

// WaitForEmpty polls until no sessions remain or ctx ends. It reports
// whether the registry emptied.
func (r *SessionRegistry) WaitForEmpty(ctx context.Context, interval time.Duration) bool {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for r.Count() != 0 {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
	return true
}
