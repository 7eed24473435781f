package session

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/proctorwatch/proctor-server/internal/logger"
	"github.com/proctorwatch/proctor-server/internal/monitor"
	"github.com/proctorwatch/proctor-server/pkg/types"
)

// ErrShuttingDown is returned by Start after Shutdown.
var ErrShuttingDown = errors.New("session: manager shutting down")

// Manager creates sessions when a client stream opens and forgets them when
// their loop exits.
type Manager struct {
	cfg  Config
	deps Deps

	mu       sync.Mutex
	sessions map[string]*Session
	env      types.Environment
	closed   bool
	wg       sync.WaitGroup
}

// NewManager returns a manager for the given collaborators.
func NewManager(cfg Config, deps Deps) *Manager {
	return &Manager{
		cfg:      cfg,
		deps:     deps,
		sessions: make(map[string]*Session),
		env:      types.EnvironmentClassroom,
	}
}

// Start opens a new monitored session. The session runs until its monitor
// terminates, capture fails, Stop is called or parent is cancelled.
func (m *Manager) Start(parent context.Context) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrShuttingDown
	}

	id := uuid.NewString()
	ctx, cancel := context.WithCancel(parent)
	s := &Session{
		id:     id,
		cfg:    m.cfg,
		deps:   m.deps,
		frames: NewFrameBroadcaster(),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.monitor = monitor.New(m.deps.Verifier, m.deps.Models, monitor.Options{
		SessionID:           id,
		Environment:         m.env,
		VerificationTimeout: m.cfg.VerificationTimeout,
		NoFaceTimeout:       m.cfg.NoFaceTimeout,
		GazeTimeout:         m.cfg.GazeTimeout,
		Gaze:                m.cfg.Gaze,
		Sink:                m.deps.Sink,
	})
	m.sessions[id] = s
	if met := m.deps.Metrics; met != nil {
		met.SessionsStarted.Add(1)
		met.ActiveSessions.Add(1)
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		s.run(ctx)
		cancel()
		m.remove(id)
		close(s.done)
	}()

	logger.Info("Session", "Session %s started (environment=%s)", id, m.env)
	return s, nil
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return
	}
	if met := m.deps.Metrics; met != nil {
		met.ActiveSessions.Add(-1)
	}
	st := s.monitor.State()
	logger.Info("Session", "Session %s ended (phase=%s reason=%q frames=%d)", id, st.Phase(), st.TerminationReason, st.FramesProcessed)
	if m.deps.OnEnd != nil {
		m.deps.OnEnd(id)
	}
}

// Get looks up a live session.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// List returns live sessions ordered by start time.
func (m *Manager) List() []Info {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	out := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Environment returns the mode applied to new sessions.
func (m *Manager) Environment() types.Environment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.env
}

// SetEnvironment switches every live session and all future ones.
func (m *Manager) SetEnvironment(env types.Environment) {
	m.mu.Lock()
	m.env = env
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.monitor.SetEnvironment(env)
	}
	logger.Info("Session", "Environment changed to %s (%d live sessions)", env, len(sessions))
}

// Shutdown stops all sessions and waits for their loops to exit.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.closed = true
	for _, s := range m.sessions {
		s.Stop()
	}
	m.mu.Unlock()
	m.wg.Wait()
}
