package monitor

import (
	"time"

	"github.com/proctorwatch/proctor-server/pkg/types"
)

// Phase is the coarse state of a session.
type Phase int

const (
	// PhaseUnverified covers both the idle and the verifying (timer running) state.
	PhaseUnverified Phase = iota
	PhaseVerified
	PhaseTerminated
)

func (p Phase) String() string {
	switch p {
	case PhaseUnverified:
		return "unverified"
	case PhaseVerified:
		return "verified"
	case PhaseTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Reason records why a session ended.
type Reason string

const (
	ReasonNone                Reason = ""
	ReasonVerificationTimeout Reason = "verification_timeout"
	ReasonNoFace              Reason = "no_face_timeout"
)

// SessionState is the mutable per-stream state owned by one Monitor.
type SessionState struct {
	ID                 string
	Verified           bool
	SubjectID          string
	VerifyDistance     float64
	VerifyTimerStart   *time.Time
	PresenceTimerStart *time.Time
	GazeTimerStart     *time.Time
	MultipleFaces      bool
	NotLooking         bool
	Environment        types.Environment
	Active             bool
	TerminationReason  Reason
	FramesProcessed    uint64
	StartedAt          time.Time
	EndedAt            time.Time
}

// Phase derives the state machine position.
func (s SessionState) Phase() Phase {
	switch {
	case !s.Active:
		return PhaseTerminated
	case s.Verified:
		return PhaseVerified
	default:
		return PhaseUnverified
	}
}

func (s SessionState) clone() SessionState {
	out := s
	out.VerifyTimerStart = copyTime(s.VerifyTimerStart)
	out.PresenceTimerStart = copyTime(s.PresenceTimerStart)
	out.GazeTimerStart = copyTime(s.GazeTimerStart)
	return out
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
