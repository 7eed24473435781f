// Package session runs monitored camera streams: one goroutine per session
// captures frames, feeds the monitor and publishes preview frames.
package session

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"time"

	"github.com/proctorwatch/proctor-server/internal/capture"
	"github.com/proctorwatch/proctor-server/internal/config"
	"github.com/proctorwatch/proctor-server/internal/events"
	"github.com/proctorwatch/proctor-server/internal/gaze"
	"github.com/proctorwatch/proctor-server/internal/logger"
	"github.com/proctorwatch/proctor-server/internal/metrics"
	"github.com/proctorwatch/proctor-server/internal/monitor"
	"github.com/proctorwatch/proctor-server/internal/recorder"
	"github.com/proctorwatch/proctor-server/pkg/types"
)

// DefaultFrameInterval is the pause between processed frames.
const DefaultFrameInterval = 100 * time.Millisecond

// Config holds per-session tuning.
type Config struct {
	FrameInterval       time.Duration
	VerificationTimeout time.Duration
	NoFaceTimeout       time.Duration
	GazeTimeout         time.Duration
	Gaze                gaze.Evaluator
	Output              Encoder
	// RecordingDir enables evidence files when non-empty.
	RecordingDir string
}

// ConfigFrom maps the file configuration onto session tuning.
func ConfigFrom(cfg *config.Config) Config {
	c := Config{
		FrameInterval:       cfg.FrameInterval(),
		VerificationTimeout: cfg.Thresholds.VerificationTimeout(),
		NoFaceTimeout:       cfg.Thresholds.NoFaceTimeout(),
		GazeTimeout:         cfg.Thresholds.GazeTimeout(),
		Gaze:                gaze.NewEvaluator(cfg.Thresholds.GazeHorizontalDivisor, cfg.Thresholds.GazeVerticalDivisor),
		Output: Encoder{
			Width:   cfg.Output.Width,
			Height:  cfg.Output.Height,
			Quality: cfg.Output.JPEGQuality,
		},
	}
	if cfg.Recording.Enabled {
		c.RecordingDir = filepath.Clean(cfg.Recording.Dir)
	}
	return c
}

// Deps are the collaborators shared by all sessions.
type Deps struct {
	Opener   capture.Opener
	Verifier monitor.Verifier
	Models   monitor.Models
	Sink     events.Sink
	Metrics  *metrics.Metrics
	// OnEnd runs once per session after it is unregistered.
	OnEnd func(sessionID string)
}

// Info summarizes a session for the API.
type Info struct {
	ID          string            `json:"id"`
	Phase       string            `json:"phase"`
	Subject     string            `json:"subject,omitempty"`
	Environment types.Environment `json:"environment"`
	Frames      uint64            `json:"frames_processed"`
	NotLooking  bool              `json:"not_looking"`
	Reason      string            `json:"termination_reason,omitempty"`
	StartedAt   time.Time         `json:"started_at"`
	Viewers     int               `json:"viewers"`
}

// Session is one monitored stream.
type Session struct {
	id       string
	cfg      Config
	deps     Deps
	monitor  *monitor.Monitor
	frames   *FrameBroadcaster
	recorder *recorder.Recorder
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Monitor returns the session state machine.
func (s *Session) Monitor() *monitor.Monitor { return s.monitor }

// Frames returns the preview broadcaster.
func (s *Session) Frames() *FrameBroadcaster { return s.frames }

// Done is closed after the capture loop exits and the session is unregistered.
func (s *Session) Done() <-chan struct{} { return s.done }

// Stop cancels the capture loop.
func (s *Session) Stop() {
	s.stopOnce.Do(s.cancel)
}

// Info returns a snapshot for listing.
func (s *Session) Info() Info {
	st := s.monitor.State()
	return Info{
		ID:          s.id,
		Phase:       st.Phase().String(),
		Subject:     st.SubjectID,
		Environment: st.Environment,
		Frames:      st.FramesProcessed,
		NotLooking:  st.NotLooking,
		Reason:      string(st.TerminationReason),
		StartedAt:   st.StartedAt,
		Viewers:     s.frames.ClientCount(),
	}
}

func (s *Session) run(ctx context.Context) {
	defer s.frames.Close()
	defer s.monitor.Stop()

	m := s.deps.Metrics
	src, err := s.deps.Opener.Open(ctx)
	if err != nil {
		logger.Error("Session", "Session %s: cannot open camera: %v", s.id, err)
		if m != nil {
			m.CaptureErrors.Add(1)
		}
		if blank, berr := s.cfg.Output.BlankJPEG(); berr == nil {
			s.frames.Publish(blank)
		}
		return
	}
	defer src.Close()

	if s.cfg.RecordingDir != "" {
		s.recorder = recorder.New(s.cfg.RecordingDir, s.id)
		if err := s.recorder.Start(); err != nil {
			logger.Warn("Session", "Session %s: evidence recording disabled: %v", s.id, err)
			s.recorder = nil
		} else {
			defer func() {
				if err := s.recorder.Stop(); err != nil && m != nil {
					m.RecorderErrors.Add(1)
				}
			}()
		}
	}

	interval := s.cfg.FrameInterval
	if interval <= 0 {
		interval = DefaultFrameInterval
	}
	pause := time.NewTimer(interval)
	defer pause.Stop()

	detectorErrors := 0
	for {
		frame, err := src.Next(ctx)
		if err != nil {
			if ctx.Err() == nil {
				logger.Warn("Session", "Session %s: capture failed, ending stream: %v", s.id, err)
				if m != nil {
					m.CaptureErrors.Add(1)
				}
			}
			return
		}
		if m != nil {
			m.FramesCaptured.Add(1)
		}

		start := time.Now()
		out, err := s.monitor.Process(ctx, frame)
		switch {
		case errors.Is(err, monitor.ErrSessionTerminated):
			return
		case err != nil:
			detectorErrors++
			if detectorErrors == 1 || detectorErrors%50 == 0 {
				logger.Warn("Session", "Session %s: frame %d skipped (%d so far): %v", s.id, frame.FrameNum, detectorErrors, err)
			}
			if m != nil {
				m.DetectorErrors.Add(1)
			}
		default:
			s.record(out, time.Since(start))
		}
		if out.Terminated {
			return
		}

		s.deliver(frame)

		pause.Reset(interval)
		select {
		case <-ctx.Done():
			return
		case <-s.monitor.Done():
			return
		case <-pause.C:
		}
	}
}

func (s *Session) record(out monitor.Outcome, took time.Duration) {
	m := s.deps.Metrics
	if m == nil {
		return
	}
	m.FramesProcessed.Add(1)
	m.UpdateProcessLatency(took)
	if out.VerifyAttempted {
		m.VerificationAttempts.Add(1)
	}
	for _, e := range out.Events {
		if e.Name == events.NameVerificationMessage && e.Subject != "" {
			m.Verifications.Add(1)
		}
	}
}

func (s *Session) deliver(frame types.Frame) {
	if frame.Image == nil {
		return
	}
	data, err := s.cfg.Output.Encode(frame.Image)
	if err != nil {
		logger.Warn("Session", "Session %s: encode frame %d: %v", s.id, frame.FrameNum, err)
		return
	}
	n := s.frames.Publish(data)
	if m := s.deps.Metrics; m != nil && n > 0 {
		m.FramesDelivered.Add(uint64(n))
	}
	if s.recorder != nil {
		s.recorder.SendFrame(data)
	}
}
