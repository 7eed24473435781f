package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/proctorwatch/proctor-server/internal/events"
)

func TestHandlerExposesCounters(t *testing.T) {
	m := New()
	m.FramesProcessed.Add(3)
	m.ActiveSessions.Add(2)
	m.Publish(events.Flag(events.NameNoFace, "s", time.Now(), true))
	m.Publish(events.CloseCamera("s", time.Now()))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	text := string(body)

	for _, want := range []string{
		"proctor_frames_processed_total 3",
		"proctor_active_sessions 2",
		`proctor_events_total{event="close_camera"} 1`,
		`proctor_events_total{event="no_face"} 1`,
		"proctor_terminations_total 1",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
