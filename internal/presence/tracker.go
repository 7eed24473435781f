// Package presence derives face-count signals per frame and debounces face
// absence against a timeout.
package presence

import (
	"time"

	"github.com/proctorwatch/proctor-server/pkg/types"
)

// DefaultNoFaceTimeout is how long no face may be seen before termination.
const DefaultNoFaceTimeout = 10 * time.Second

// Result is the per-frame presence verdict.
type Result struct {
	FaceDetected    bool
	MultipleFaces   bool
	ShouldTerminate bool
	// Absent is how long the no-face clock has been running.
	Absent time.Duration
}

// Tracker owns the no-face clock. The zero value is not usable; call NewTracker.
type Tracker struct {
	timeout time.Duration
	since   time.Time
	running bool
}

// NewTracker returns a tracker terminating after timeout of continuous absence.
func NewTracker(timeout time.Duration) *Tracker {
	if timeout <= 0 {
		timeout = DefaultNoFaceTimeout
	}
	return &Tracker{timeout: timeout}
}

// Update feeds one frame's boxes observed at now.
func (t *Tracker) Update(boxes []types.BoundingBox, now time.Time) Result {
	res := Result{
		FaceDetected:  len(boxes) > 0,
		MultipleFaces: len(boxes) > 1,
	}

	if res.FaceDetected {
		t.Reset()
		return res
	}

	if !t.running {
		t.since = now
		t.running = true
	}
	res.Absent = now.Sub(t.since)
	if res.Absent >= t.timeout {
		res.ShouldTerminate = true
		t.Reset()
	}
	return res
}

// Reset cancels the no-face clock.
func (t *Tracker) Reset() {
	t.running = false
	t.since = time.Time{}
}

// Since returns when the no-face clock started, if it is running.
func (t *Tracker) Since() (time.Time, bool) {
	return t.since, t.running
}

// Timeout returns the configured absence limit.
func (t *Tracker) Timeout() time.Duration {
	return t.timeout
}

// ReportMultiple applies the environment policy: multiple people are only
// reported for unsupervised (home) sessions.
func ReportMultiple(env types.Environment, multiple bool) bool {
	return env == types.EnvironmentHome && multiple
}
