package presence

import (
	"testing"
	"time"

	"github.com/proctorwatch/proctor-server/internal/testsupport"
	"github.com/proctorwatch/proctor-server/pkg/types"
)

var epoch = time.Unix(1_700_000_000, 0)

func at(sec float64) time.Time {
	return epoch.Add(time.Duration(sec * float64(time.Second)))
}

func TestUpdateCountsFaces(t *testing.T) {
	tr := NewTracker(10 * time.Second)

	cases := []struct {
		faces    int
		detected bool
		multiple bool
	}{
		{0, false, false},
		{1, true, false},
		{2, true, true},
		{5, true, true},
	}
	for _, tc := range cases {
		res := tr.Update(testsupport.Boxes(tc.faces), epoch)
		if res.FaceDetected != tc.detected || res.MultipleFaces != tc.multiple {
			t.Fatalf("%d faces: %+v", tc.faces, res)
		}
	}
}

func TestTerminatesAfterContinuousAbsence(t *testing.T) {
	tr := NewTracker(10 * time.Second)

	terminations := 0
	for sec := 0.0; sec <= 10.0; sec += 0.5 {
		if tr.Update(nil, at(sec)).ShouldTerminate {
			terminations++
			if sec != 10.0 {
				t.Fatalf("terminated early at %.1f", sec)
			}
		}
	}
	if terminations != 1 {
		t.Fatalf("terminations = %d, want 1", terminations)
	}
	if _, running := tr.Since(); running {
		t.Fatal("clock must reset after signalling termination")
	}
}

func TestSingleFaceFrameResetsClock(t *testing.T) {
	tr := NewTracker(10 * time.Second)

	for sec := 0.0; sec < 9.95; sec += 0.1 {
		if tr.Update(nil, at(sec)).ShouldTerminate {
			t.Fatalf("terminated at %.1f", sec)
		}
	}
	tr.Update(testsupport.Boxes(1), at(9.95))
	start := 10.0
	for sec := start; sec < start+9.9; sec += 0.1 {
		if res := tr.Update(nil, at(sec)); res.ShouldTerminate {
			t.Fatalf("terminated at %.1f after reset (absent %v)", sec, res.Absent)
		}
	}
}

func TestReportMultipleHonoursEnvironment(t *testing.T) {
	if ReportMultiple(types.EnvironmentClassroom, true) {
		t.Fatal("classroom must never report multiple faces")
	}
	if !ReportMultiple(types.EnvironmentHome, true) {
		t.Fatal("home must report multiple faces")
	}
	if ReportMultiple(types.EnvironmentHome, false) {
		t.Fatal("home with one face must not report multiple faces")
	}
}
