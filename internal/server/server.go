// Package server exposes proctoring sessions over HTTP: the MJPEG preview that
// drives a session, the event stream and the attendance lookups.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/proctorwatch/proctor-server/internal/events"
	"github.com/proctorwatch/proctor-server/internal/logger"
	"github.com/proctorwatch/proctor-server/internal/session"
	"github.com/proctorwatch/proctor-server/internal/store"
	"github.com/proctorwatch/proctor-server/internal/webrtc"
	"github.com/proctorwatch/proctor-server/pkg/types"
)

const timeLayout = "2006-01-02 15:04:05"

// Students looks up logged attendance.
type Students interface {
	StudentRecord(ctx context.Context, name string) (*store.StudentRecord, error)
}

// Offers negotiates WebRTC event channels.
type Offers interface {
	HandleOffer(offerJSON []byte, session string) ([]byte, error)
}

// Config tunes the HTTP handlers.
type Config struct {
	// KeepAlive is the SSE comment interval on idle event streams.
	KeepAlive time.Duration
	// IdleFrame is how long the preview may stall before a placeholder is sent.
	IdleFrame time.Duration
	// Placeholder renders the idle preview frame.
	Placeholder session.Encoder
}

// DefaultConfig returns the stock timings.
func DefaultConfig() Config {
	return Config{
		KeepAlive:   30 * time.Second,
		IdleFrame:   5 * time.Second,
		Placeholder: session.Encoder{Width: 320, Height: 240, Quality: 75},
	}
}

// Server serves the proctoring endpoints.
type Server struct {
	cfg      Config
	sessions *session.Manager
	events   *events.Broadcaster
	students Students
	offers   Offers
	probe    func(context.Context) error
	blank    []byte
}

// Option customizes a Server.
type Option func(*Server)

// WithStudents enables the attendance lookup route.
func WithStudents(st Students) Option { return func(s *Server) { s.students = st } }

// WithOffers enables WebRTC event channels.
func WithOffers(o Offers) Option { return func(s *Server) { s.offers = o } }

// WithProbe adds a dependency check to /health.
func WithProbe(fn func(context.Context) error) Option { return func(s *Server) { s.probe = fn } }

// New returns a server over the session manager and event broadcaster.
func New(cfg Config, sessions *session.Manager, broadcaster *events.Broadcaster, opts ...Option) *Server {
	def := DefaultConfig()
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = def.KeepAlive
	}
	if cfg.IdleFrame <= 0 {
		cfg.IdleFrame = def.IdleFrame
	}
	if cfg.Placeholder.Width <= 0 || cfg.Placeholder.Height <= 0 {
		cfg.Placeholder = def.Placeholder
	}
	s := &Server{cfg: cfg, sessions: sessions, events: broadcaster}
	for _, opt := range opts {
		opt(s)
	}
	blank, err := cfg.Placeholder.BlankJPEG()
	if err != nil {
		logger.Warn("Server", "Placeholder frame unavailable: %v", err)
	}
	s.blank = blank
	return s
}

// Handler exposes the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/{$}", s.handleIndex)
	mux.HandleFunc("/video_feed", s.handleVideoFeed)
	mux.HandleFunc("/api/events", s.handleEvents)
	mux.HandleFunc("/api/sessions", s.handleSessions)
	mux.HandleFunc("/api/environment", s.handleEnvironment)
	mux.HandleFunc("/api/students/{name}", s.handleStudent)
	mux.HandleFunc("POST /start_exam", s.handleStartExam)
	mux.HandleFunc("/api/webrtc/offer", s.handleWebRTCOffer)
	mux.HandleFunc("/health", s.handleHealth)

	return mux
}

// Serve runs the HTTP listener until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("Server", "Listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(indexHTML))
}

// handleVideoFeed starts a monitored session that lives as long as the request.
func (s *Server) handleVideoFeed(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Start(r.Context())
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusServiceUnavailable)
		return
	}
	defer sess.Stop()

	w.Header().Set("X-Session-ID", sess.ID())
	id, frameCh := sess.Frames().Subscribe()
	defer sess.Frames().Unsubscribe(id)
	streamMJPEGFromChannel(w, frameCh, s.blank, s.cfg.IdleFrame)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id, eventCh := s.events.Subscribe(r.URL.Query().Get("session"))
	defer s.events.Unsubscribe(id)

	accept := r.Header.Get("Accept")
	useProtobuf := strings.Contains(accept, "application/protobuf") ||
		strings.Contains(accept, "application/x-protobuf")

	streamEventsFromChannel(r.Context(), w, eventCh, useProtobuf, s.cfg.KeepAlive)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"environment": s.sessions.Environment(),
		"sessions":    s.sessions.List(),
	})
}

type environmentRequest struct {
	Environment string `json:"environment"`
}

func (s *Server) handleEnvironment(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, map[string]any{"environment": s.sessions.Environment()})
		return
	case http.MethodPost:
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	raw := r.FormValue("environment")
	if raw == "" {
		var req environmentRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&req); err != nil {
			writeJSONWithStatus(w, map[string]any{"error": "Invalid environment"}, http.StatusBadRequest)
			return
		}
		raw = req.Environment
	}
	env, err := types.ParseEnvironment(raw)
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusBadRequest)
		return
	}
	s.sessions.SetEnvironment(env)
	writeJSON(w, map[string]any{"environment": env})
}

type attendanceJSON struct {
	SessionID string  `json:"session_id"`
	Distance  float64 `json:"distance"`
	Timestamp string  `json:"timestamp"`
}

type warningJSON struct {
	SessionID string `json:"session_id"`
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// handleStartExam marks the start of an exam for an enrolled student. The name
// comes from the student_name form field or a JSON body.
func (s *Server) handleStartExam(w http.ResponseWriter, r *http.Request) {
	if s.students == nil {
		writeJSONWithStatus(w, map[string]any{"error": "Attendance store disabled"}, http.StatusServiceUnavailable)
		return
	}
	var name string
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var req struct {
			StudentName string `json:"student_name"`
		}
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
			writeJSONWithStatus(w, map[string]any{"error": "invalid JSON body"}, http.StatusBadRequest)
			return
		}
		name = req.StudentName
	} else {
		name = r.FormValue("student_name")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		writeJSONWithStatus(w, map[string]any{"error": "student_name is required"}, http.StatusBadRequest)
		return
	}

	_, err := s.students.StudentRecord(r.Context(), name)
	if errors.Is(err, store.ErrStudentNotFound) {
		writeJSONWithStatus(w, map[string]any{"error": "Student not found."}, http.StatusNotFound)
		return
	}
	if err != nil {
		logger.Error("Server", "Student lookup failed: %v", err)
		writeJSONWithStatus(w, map[string]any{"error": "lookup failed"}, http.StatusInternalServerError)
		return
	}

	started := time.Now()
	logger.Info("Server", "Exam started for %s from %s", name, r.RemoteAddr)
	writeJSON(w, map[string]any{
		"message":    fmt.Sprintf("Exam started for %s", name),
		"started_at": started.Local().Format(timeLayout),
	})
}

func (s *Server) handleStudent(w http.ResponseWriter, r *http.Request) {
	if s.students == nil {
		writeJSONWithStatus(w, map[string]any{"error": "Attendance store disabled"}, http.StatusServiceUnavailable)
		return
	}
	rec, err := s.students.StudentRecord(r.Context(), r.PathValue("name"))
	if errors.Is(err, store.ErrStudentNotFound) {
		writeJSONWithStatus(w, map[string]any{"error": "Student not found."}, http.StatusNotFound)
		return
	}
	if err != nil {
		logger.Error("Server", "Student lookup failed: %v", err)
		writeJSONWithStatus(w, map[string]any{"error": "lookup failed"}, http.StatusInternalServerError)
		return
	}

	attendance := make([]attendanceJSON, 0, len(rec.Attendance))
	for _, a := range rec.Attendance {
		attendance = append(attendance, attendanceJSON{
			SessionID: a.SessionID,
			Distance:  a.Distance,
			Timestamp: a.RecordedAt.Local().Format(timeLayout),
		})
	}
	warnings := make([]warningJSON, 0, len(rec.Warnings))
	for _, wr := range rec.Warnings {
		warnings = append(warnings, warningJSON{
			SessionID: wr.SessionID,
			Kind:      wr.Kind,
			Message:   wr.Message,
			Timestamp: wr.RecordedAt.Local().Format(timeLayout),
		})
	}
	writeJSON(w, map[string]any{
		"student":    rec.Student.Name,
		"attendance": attendance,
		"warnings":   warnings,
	})
}

func (s *Server) handleWebRTCOffer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.offers == nil {
		writeJSONWithStatus(w, map[string]any{"error": "WebRTC disabled"}, http.StatusServiceUnavailable)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": "Invalid offer data"}, http.StatusBadRequest)
		return
	}

	answer, err := s.offers.HandleOffer(body, r.URL.Query().Get("session"))
	switch {
	case errors.Is(err, webrtc.ErrTooManyClients):
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusServiceUnavailable)
		return
	case err != nil:
		logger.Warn("Server", "WebRTC offer rejected: %v", err)
		writeJSONWithStatus(w, map[string]any{"error": "Invalid offer data"}, http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(answer)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{
		"status":      "ok",
		"sessions":    len(s.sessions.List()),
		"environment": s.sessions.Environment(),
		"subscribers": s.events.ClientCount(),
	}
	if s.probe != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.probe(ctx); err != nil {
			payload["status"] = "degraded"
			payload["detector"] = err.Error()
			writeJSONWithStatus(w, payload, http.StatusServiceUnavailable)
			return
		}
	}
	writeJSON(w, payload)
}

func writeJSON(w http.ResponseWriter, payload any) {
	writeJSONWithStatus(w, payload, http.StatusOK)
}

func writeJSONWithStatus(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		_, _ = fmt.Fprintf(w, `{"error":%s}`, strconv.Quote(err.Error()))
	}
}
