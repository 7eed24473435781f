package session

import (
	"bytes"
	"context"
	"errors"
	"image/color"
	"image/jpeg"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/proctorwatch/proctor-server/internal/capture"
	"github.com/proctorwatch/proctor-server/internal/events"
	"github.com/proctorwatch/proctor-server/internal/identity"
	"github.com/proctorwatch/proctor-server/internal/metrics"
	"github.com/proctorwatch/proctor-server/internal/monitor"
	"github.com/proctorwatch/proctor-server/internal/testsupport"
	"github.com/proctorwatch/proctor-server/pkg/types"
)

type memSource struct {
	mu     sync.Mutex
	count  int
	served int
	loop   bool
}

func (s *memSource) Next(ctx context.Context) (types.Frame, error) {
	if err := ctx.Err(); err != nil {
		return types.Frame{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loop && s.served >= s.count {
		return types.Frame{}, capture.ErrSourceClosed
	}
	s.served++
	img := testsupport.SolidImage(64, 48, color.RGBA{R: 200, A: 255})
	return types.NewFrame(img, nil, time.Now(), uint64(s.served)), nil
}

func (s *memSource) Close() error { return nil }

func openerFor(src capture.Source) capture.Opener {
	return capture.OpenerFunc(func(context.Context) (capture.Source, error) { return src, nil })
}

type stubVerifier struct{ ok bool }

func (v stubVerifier) Verify(context.Context, types.Frame) (identity.Match, bool, error) {
	if !v.ok {
		return identity.Match{}, false, nil
	}
	return identity.Match{SubjectID: "alice", Distance: 0.2}, true, nil
}

func presentDetector() *testsupport.Detector {
	return &testsupport.Detector{
		FacesFn: func(types.Frame) ([]types.BoundingBox, error) { return testsupport.Boxes(1), nil },
		MeshFn: func(types.Frame) ([]types.Landmark, bool, error) {
			return testsupport.ForwardMesh(), true, nil
		},
	}
}

func testConfig() Config {
	return Config{
		FrameInterval: time.Millisecond,
		Output:        Encoder{Width: 32, Height: 24, Quality: 80},
	}
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not end")
	}
}

func TestSessionEndsWhenCaptureFails(t *testing.T) {
	met := metrics.New()
	rec := &events.Recorder{}
	var ended []string
	mgr := NewManager(testConfig(), Deps{
		Opener:   openerFor(&memSource{count: 3}),
		Verifier: stubVerifier{ok: true},
		Models:   presentDetector(),
		Sink:     rec,
		Metrics:  met,
		OnEnd:    func(id string) { ended = append(ended, id) },
	})

	s, err := mgr.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, s)

	if got := met.FramesProcessed.Load(); got != 3 {
		t.Fatalf("frames processed = %d", got)
	}
	if met.CaptureErrors.Load() != 1 || met.Verifications.Load() != 1 || met.ActiveSessions.Load() != 0 {
		t.Fatalf("capture errors=%d verifications=%d active=%d",
			met.CaptureErrors.Load(), met.Verifications.Load(), met.ActiveSessions.Load())
	}
	if _, ok := mgr.Get(s.ID()); ok {
		t.Fatal("ended session still registered")
	}
	if len(ended) != 1 || ended[0] != s.ID() {
		t.Fatalf("ended = %v, want [%s]", ended, s.ID())
	}
	for _, e := range rec.Events() {
		if e.Terminal {
			t.Fatalf("capture failure must not emit terminal events: %+v", e)
		}
	}
}

func TestOpenFailurePublishesPlaceholderOnce(t *testing.T) {
	met := metrics.New()
	mgr := NewManager(Config{Output: Encoder{Width: 320, Height: 240}}, Deps{
		Opener: capture.OpenerFunc(func(context.Context) (capture.Source, error) {
			return nil, errors.New("no camera")
		}),
		Verifier: stubVerifier{},
		Models:   presentDetector(),
		Metrics:  met,
	})

	s, err := mgr.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, s)

	_, ch := s.Frames().Subscribe()
	var frames [][]byte
	for data := range ch {
		frames = append(frames, data)
	}
	if len(frames) != 1 {
		t.Fatalf("placeholder frames = %d", len(frames))
	}
	img, err := jpeg.Decode(bytes.NewReader(frames[0]))
	if err != nil {
		t.Fatalf("decode placeholder: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 320 || b.Dy() != 240 {
		t.Fatalf("placeholder size %v", b)
	}
	if met.CaptureErrors.Load() != 1 {
		t.Fatalf("capture errors = %d", met.CaptureErrors.Load())
	}
}

func TestVerificationTimeoutStopsStream(t *testing.T) {
	rec := &events.Recorder{}
	cfg := testConfig()
	cfg.VerificationTimeout = 30 * time.Millisecond
	mgr := NewManager(cfg, Deps{
		Opener:   openerFor(&memSource{loop: true}),
		Verifier: stubVerifier{},
		Models:   presentDetector(),
		Sink:     rec,
	})

	s, err := mgr.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, s)

	evs := rec.Events()
	last := evs[len(evs)-1]
	if last.Message != events.MessageNotRecognized {
		t.Fatalf("last event = %+v", last)
	}
	if st := s.Monitor().State(); st.TerminationReason != monitor.ReasonVerificationTimeout {
		t.Fatalf("reason = %q", st.TerminationReason)
	}
}

func TestEnvironmentAppliesToLiveAndNewSessions(t *testing.T) {
	mgr := NewManager(testConfig(), Deps{
		Opener:   openerFor(&memSource{loop: true}),
		Verifier: stubVerifier{ok: true},
		Models:   presentDetector(),
	})
	defer mgr.Shutdown()

	s, err := mgr.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	mgr.SetEnvironment(types.EnvironmentHome)
	if env := s.Monitor().State().Environment; env != types.EnvironmentHome {
		t.Fatalf("live session environment = %s", env)
	}
	if len(mgr.List()) != 1 {
		t.Fatalf("sessions = %+v", mgr.List())
	}

	mgr.Shutdown()
	waitDone(t, s)
	if _, err := mgr.Start(context.Background()); !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("Start after shutdown: %v", err)
	}
}

func TestRecordingWritesEvidence(t *testing.T) {
	cfg := testConfig()
	cfg.RecordingDir = t.TempDir()
	mgr := NewManager(cfg, Deps{
		Opener:   openerFor(&memSource{count: 2}),
		Verifier: stubVerifier{ok: true},
		Models:   presentDetector(),
	})
	s, err := mgr.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, s)

	entries, err := os.ReadDir(cfg.RecordingDir)
	if err != nil || len(entries) != 1 {
		t.Fatalf("evidence files = %v err=%v", entries, err)
	}
	info, _ := entries[0].Info()
	if info.Size() == 0 {
		t.Fatal("evidence file is empty")
	}
}

func TestEncoderDownsamples(t *testing.T) {
	data, err := Encoder{Width: 320, Height: 240, Quality: 75}.Encode(testsupport.SolidImage(640, 480, color.White))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 320 || b.Dy() != 240 {
		t.Fatalf("size %v", b)
	}
}

func TestFrameBroadcasterReplaysLatest(t *testing.T) {
	fb := NewFrameBroadcaster()
	_, early := fb.Subscribe()
	if n := fb.Publish([]byte("one")); n != 1 {
		t.Fatalf("delivered to %d", n)
	}
	_, late := fb.Subscribe()
	if got := <-late; string(got) != "one" {
		t.Fatalf("late subscriber got %q", got)
	}
	fb.Close()
	if got := <-early; string(got) != "one" {
		t.Fatalf("early subscriber got %q", got)
	}
	if _, ok := <-early; ok {
		t.Fatal("channel should close with the broadcaster")
	}
	if fb.Publish([]byte("two")) != 0 {
		t.Fatal("publish after close delivered")
	}
}
