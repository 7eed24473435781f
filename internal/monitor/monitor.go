// Package monitor implements the per-frame proctoring state machine. One
// Monitor owns one session; Process is called once per captured frame and
// the verification timer may call back concurrently.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/proctorwatch/proctor-server/internal/detector"
	"github.com/proctorwatch/proctor-server/internal/events"
	"github.com/proctorwatch/proctor-server/internal/gaze"
	"github.com/proctorwatch/proctor-server/internal/identity"
	"github.com/proctorwatch/proctor-server/internal/logger"
	"github.com/proctorwatch/proctor-server/internal/presence"
	"github.com/proctorwatch/proctor-server/pkg/types"
)

// ErrSessionTerminated is returned when a frame arrives after the session ended.
var ErrSessionTerminated = errors.New("monitor: session terminated")

// Default timeouts.
const (
	DefaultVerificationTimeout = 20 * time.Second
	DefaultGazeTimeout         = 5 * time.Second
)

// Verifier matches a live frame against the enrolled gallery.
type Verifier interface {
	Verify(ctx context.Context, frame types.Frame) (identity.Match, bool, error)
}

// Models is the subset of the detector adapter used after verification.
type Models interface {
	detector.FaceDetector
	detector.Mesher
}

// Timer is the cancellable handle returned by Options.AfterFunc.
type Timer interface {
	Stop() bool
}

// Options configures a Monitor. Zero values fall back to defaults.
type Options struct {
	SessionID           string
	Environment         types.Environment
	VerificationTimeout time.Duration
	NoFaceTimeout       time.Duration
	GazeTimeout         time.Duration
	Gaze                gaze.Evaluator
	Sink                events.Sink

	Now       func() time.Time
	AfterFunc func(time.Duration, func()) Timer
}

// Outcome is what one call to Process decided.
type Outcome struct {
	Events          []events.Event
	Verified        bool
	VerifyAttempted bool
	Terminated      bool
}

// Monitor is the session state machine.
type Monitor struct {
	verifier Verifier
	models   Models
	opts     Options
	tracker  *presence.Tracker

	mu       sync.Mutex
	state    SessionState
	timer    Timer
	timerGen uint64
	done     chan struct{}
}

// New creates a monitor in the unverified state.
func New(verifier Verifier, models Models, opts Options) *Monitor {
	if opts.VerificationTimeout <= 0 {
		opts.VerificationTimeout = DefaultVerificationTimeout
	}
	if opts.NoFaceTimeout <= 0 {
		opts.NoFaceTimeout = presence.DefaultNoFaceTimeout
	}
	if opts.GazeTimeout <= 0 {
		opts.GazeTimeout = DefaultGazeTimeout
	}
	if opts.Gaze.HorizontalDivisor <= 0 || opts.Gaze.VerticalDivisor <= 0 {
		opts.Gaze = gaze.NewEvaluator(opts.Gaze.HorizontalDivisor, opts.Gaze.VerticalDivisor)
	}
	if opts.Sink == nil {
		opts.Sink = events.Discard
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.AfterFunc == nil {
		opts.AfterFunc = func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
	}
	if opts.Environment == "" {
		opts.Environment = types.EnvironmentClassroom
	}

	return &Monitor{
		verifier: verifier,
		models:   models,
		opts:     opts,
		tracker:  presence.NewTracker(opts.NoFaceTimeout),
		state: SessionState{
			ID:          opts.SessionID,
			Environment: opts.Environment,
			Active:      true,
			StartedAt:   opts.Now(),
		},
		done: make(chan struct{}),
	}
}

// ID returns the session id.
func (m *Monitor) ID() string {
	return m.opts.SessionID
}

// State returns a snapshot of the session state.
func (m *Monitor) State() SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.clone()
}

// Done is closed once the session terminates, from either Process or the timer.
func (m *Monitor) Done() <-chan struct{} {
	return m.done
}

// SetEnvironment changes the multiplicity policy from the next frame on.
func (m *Monitor) SetEnvironment(env types.Environment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Environment != env {
		logger.Info("Monitor", "Session %s environment %s -> %s", m.state.ID, m.state.Environment, env)
	}
	m.state.Environment = env
}

// Process runs the state machine over one frame. Model errors emit no
// events and are returned for the caller to log, but they do not stop the
// clocks: a failed verification starts the verification timer, and a failed
// face detection after verification counts as a frame without a face.
func (m *Monitor) Process(ctx context.Context, frame types.Frame) (Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out Outcome
	if !m.state.Active {
		out.Terminated = true
		return out, ErrSessionTerminated
	}
	now := frame.Timestamp
	if now.IsZero() {
		now = m.opts.Now()
	}

	if m.verificationExpiredLocked(now) {
		m.terminateLocked(&out, ReasonVerificationTimeout, events.NotRecognized(m.state.ID, now))
		return out, nil
	}

	var (
		match        identity.Match
		newlyMatched bool
	)
	if !m.state.Verified {
		out.VerifyAttempted = true
		var err error
		match, newlyMatched, err = m.verifier.Verify(ctx, frame)
		if err != nil {
			// An unverifiable frame still runs the verification clock.
			m.startVerificationTimerLocked(now)
			return out, fmt.Errorf("verify: %w", err)
		}
		if !newlyMatched {
			m.startVerificationTimerLocked(now)
			m.state.FramesProcessed++
			m.emitLocked(&out, events.Verifying(m.state.ID, now))
			return out, nil
		}
	}

	boxes, err := m.models.DetectFaces(ctx, frame)
	if err != nil {
		if m.state.Verified {
			m.absentLocked(&out, now)
		}
		return out, fmt.Errorf("detect faces: %w", err)
	}
	var (
		mesh   []types.Landmark
		meshOK bool
	)
	if len(boxes) > 0 {
		mesh, meshOK, err = m.models.FaceMesh(ctx, frame)
		if err != nil {
			return out, fmt.Errorf("face mesh: %w", err)
		}
	}

	m.state.FramesProcessed++
	if newlyMatched {
		m.markVerifiedLocked(&out, match, now)
	}
	out.Verified = true

	res := m.tracker.Update(boxes, now)
	m.state.PresenceTimerStart = sinceLocked(m.tracker)
	if res.ShouldTerminate {
		m.terminateLocked(&out, ReasonNoFace, events.CloseCamera(m.state.ID, now))
		return out, nil
	}
	m.state.MultipleFaces = presence.ReportMultiple(m.state.Environment, res.MultipleFaces)
	m.emitLocked(&out, events.Flag(events.NameMultipleFaces, m.state.ID, now, m.state.MultipleFaces))
	m.emitLocked(&out, events.Flag(events.NameNoFace, m.state.ID, now, !res.FaceDetected))

	width, height := frameSize(frame)
	looking, ok := m.opts.Gaze.Evaluate(mesh, width, height)
	m.updateGazeLocked(meshOK && ok && looking, now)
	m.emitLocked(&out, events.Flag(events.NameNotLooking, m.state.ID, now, m.state.NotLooking))

	return out, nil
}

// absentLocked advances the no-face clock for a frame whose faces could not
// be detected.
func (m *Monitor) absentLocked(out *Outcome, now time.Time) {
	res := m.tracker.Update(nil, now)
	m.state.PresenceTimerStart = sinceLocked(m.tracker)
	if res.ShouldTerminate {
		m.terminateLocked(out, ReasonNoFace, events.CloseCamera(m.state.ID, now))
	}
}

// Expire checks the verification deadline against now. It is the
// asynchronous counterpart of the check at the top of Process.
func (m *Monitor) Expire(now time.Time) (Outcome, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out Outcome
	if !m.verificationExpiredLocked(now) {
		return out, false
	}
	m.terminateLocked(&out, ReasonVerificationTimeout, events.NotRecognized(m.state.ID, now))
	return out, true
}

// Stop ends the session without a terminal event, e.g. when the client leaves.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.state.Active {
		return
	}
	m.cancelTimerLocked()
	m.state.Active = false
	m.state.EndedAt = m.opts.Now()
	close(m.done)
}

func (m *Monitor) verificationExpiredLocked(now time.Time) bool {
	if !m.state.Active || m.state.Verified || m.state.VerifyTimerStart == nil {
		return false
	}
	return now.Sub(*m.state.VerifyTimerStart) >= m.opts.VerificationTimeout
}

func (m *Monitor) startVerificationTimerLocked(now time.Time) {
	if m.state.VerifyTimerStart != nil {
		return
	}
	start := now
	m.state.VerifyTimerStart = &start
	m.timerGen++
	gen := m.timerGen
	m.timer = m.opts.AfterFunc(m.opts.VerificationTimeout, func() { m.fireVerificationTimer(gen) })
	logger.Debug("Monitor", "Session %s verification timer started (%v)", m.state.ID, m.opts.VerificationTimeout)
}

// fireVerificationTimer runs on the timer goroutine. A generation mismatch
// means the timer was cancelled before this callback acquired the lock.
func (m *Monitor) fireVerificationTimer(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.timerGen || !m.state.Active || m.state.Verified {
		return
	}
	var out Outcome
	m.terminateLocked(&out, ReasonVerificationTimeout, events.NotRecognized(m.state.ID, m.opts.Now()))
}

func (m *Monitor) cancelTimerLocked() {
	m.timerGen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Monitor) markVerifiedLocked(out *Outcome, match identity.Match, now time.Time) {
	m.cancelTimerLocked()
	m.state.Verified = true
	m.state.SubjectID = match.SubjectID
	m.state.VerifyDistance = match.Distance
	m.state.VerifyTimerStart = nil
	logger.Info("Monitor", "Session %s verified as %s (distance %.4f)", m.state.ID, match.SubjectID, match.Distance)
	m.emitLocked(out, events.Verified(m.state.ID, now, match.SubjectID, match.Distance))
}

func (m *Monitor) updateGazeLocked(attentive bool, now time.Time) {
	if attentive {
		m.state.GazeTimerStart = nil
		m.state.NotLooking = false
		return
	}
	if m.state.GazeTimerStart == nil {
		start := now
		m.state.GazeTimerStart = &start
	}
	m.state.NotLooking = now.Sub(*m.state.GazeTimerStart) >= m.opts.GazeTimeout
}

func (m *Monitor) terminateLocked(out *Outcome, reason Reason, ev events.Event) {
	m.cancelTimerLocked()
	m.tracker.Reset()
	m.state.Active = false
	m.state.TerminationReason = reason
	m.state.PresenceTimerStart = nil
	m.state.GazeTimerStart = nil
	m.state.EndedAt = ev.Timestamp
	out.Terminated = true
	logger.Warn("Monitor", "Session %s terminated: %s", m.state.ID, reason)
	m.emitLocked(out, ev)
	close(m.done)
}

// emitLocked publishes while holding the lock so sink order matches decision order.
func (m *Monitor) emitLocked(out *Outcome, ev events.Event) {
	out.Events = append(out.Events, ev)
	m.opts.Sink.Publish(ev)
}

func sinceLocked(t *presence.Tracker) *time.Time {
	since, running := t.Since()
	if !running {
		return nil
	}
	return &since
}

func frameSize(frame types.Frame) (int, int) {
	if frame.Width > 0 && frame.Height > 0 {
		return frame.Width, frame.Height
	}
	if frame.Image != nil {
		b := frame.Image.Bounds()
		return b.Dx(), b.Dy()
	}
	return 0, 0
}
