// Package store persists the attendance and warning log in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// ErrStudentNotFound is returned for names that were never enrolled.
var ErrStudentNotFound = errors.New("student not found")

// Warning kinds.
const (
	KindNoFaceTimeout       = "no_face_timeout"
	KindVerificationTimeout = "verification_timeout"
	KindMultipleFaces       = "multiple_faces"
	KindNotLooking          = "not_looking"
)

// Student is an enrolled subject.
type Student struct {
	Name       string
	Embeddings int
	EnrolledAt time.Time
}

// Attendance records a successful verification.
type Attendance struct {
	Student    string
	SessionID  string
	Distance   float64
	RecordedAt time.Time
}

// Warning records a proctoring incident. Student is empty when the session
// never verified.
type Warning struct {
	Student    string
	SessionID  string
	Kind       string
	Message    string
	RecordedAt time.Time
}

// StudentRecord is everything logged for one student.
type StudentRecord struct {
	Student    Student
	Attendance []Attendance
	Warnings   []Warning
}

// Store manages attendance persistence backed by SQLite.
type Store struct {
	db   *sql.DB
	path string
}

// Open initializes or connects to the database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	s := &Store{db: db, path: path}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database file.
func (s *Store) Path() string {
	return s.path
}

// SyncStudents upserts the enrolled gallery.
func (s *Store) SyncStudents(ctx context.Context, students []Student) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin sync tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, st := range students {
		at := st.EnrolledAt
		if at.IsZero() {
			at = time.Now()
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO students (name, embeddings, enrolled_at) VALUES (?, ?, ?)
             ON CONFLICT(name) DO UPDATE SET embeddings = excluded.embeddings`,
			st.Name, st.Embeddings, formatTime(at),
		)
		if err != nil {
			return fmt.Errorf("upsert student %s: %w", st.Name, err)
		}
	}
	return tx.Commit()
}

// Students lists enrolled students by name.
func (s *Store) Students(ctx context.Context) ([]Student, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name, embeddings, enrolled_at FROM students ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("list students: %w", err)
	}
	defer rows.Close()

	var out []Student
	for rows.Next() {
		var (
			st Student
			at string
		)
		if err := rows.Scan(&st.Name, &st.Embeddings, &at); err != nil {
			return nil, fmt.Errorf("scan student: %w", err)
		}
		st.EnrolledAt = parseTime(at)
		out = append(out, st)
	}
	return out, rows.Err()
}

// RecordAttendance appends an attendance row.
func (s *Store) RecordAttendance(ctx context.Context, a Attendance) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO attendance (student, session_id, distance, recorded_at) VALUES (?, ?, ?, ?)",
		a.Student, a.SessionID, a.Distance, formatTime(a.RecordedAt),
	)
	if err != nil {
		return fmt.Errorf("insert attendance: %w", err)
	}
	return nil
}

// RecordWarning appends a warning row.
func (s *Store) RecordWarning(ctx context.Context, w Warning) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO warnings (student, session_id, kind, message, recorded_at) VALUES (?, ?, ?, ?, ?)",
		w.Student, w.SessionID, w.Kind, w.Message, formatTime(w.RecordedAt),
	)
	if err != nil {
		return fmt.Errorf("insert warning: %w", err)
	}
	return nil
}

// StudentRecord returns the attendance and warnings of an enrolled student.
func (s *Store) StudentRecord(ctx context.Context, name string) (*StudentRecord, error) {
	rec := &StudentRecord{}
	var at string
	err := s.db.QueryRowContext(ctx,
		"SELECT name, embeddings, enrolled_at FROM students WHERE name = ?", name,
	).Scan(&rec.Student.Name, &rec.Student.Embeddings, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrStudentNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("load student: %w", err)
	}
	rec.Student.EnrolledAt = parseTime(at)

	if rec.Attendance, err = s.attendanceFor(ctx, name); err != nil {
		return nil, err
	}
	if rec.Warnings, err = s.warningsWhere(ctx, "student = ?", name); err != nil {
		return nil, err
	}
	return rec, nil
}

// SessionWarnings returns the warnings logged for one session.
func (s *Store) SessionWarnings(ctx context.Context, sessionID string) ([]Warning, error) {
	return s.warningsWhere(ctx, "session_id = ?", sessionID)
}

func (s *Store) attendanceFor(ctx context.Context, name string) ([]Attendance, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT student, session_id, distance, recorded_at FROM attendance WHERE student = ? ORDER BY id", name)
	if err != nil {
		return nil, fmt.Errorf("query attendance: %w", err)
	}
	defer rows.Close()

	var out []Attendance
	for rows.Next() {
		var (
			a  Attendance
			at string
		)
		if err := rows.Scan(&a.Student, &a.SessionID, &a.Distance, &at); err != nil {
			return nil, fmt.Errorf("scan attendance: %w", err)
		}
		a.RecordedAt = parseTime(at)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) warningsWhere(ctx context.Context, where string, arg interface{}) ([]Warning, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT student, session_id, kind, message, recorded_at FROM warnings WHERE "+where+" ORDER BY id", arg)
	if err != nil {
		return nil, fmt.Errorf("query warnings: %w", err)
	}
	defer rows.Close()

	var out []Warning
	for rows.Next() {
		var (
			w  Warning
			at string
		)
		if err := rows.Scan(&w.Student, &w.SessionID, &w.Kind, &w.Message, &at); err != nil {
			return nil, fmt.Errorf("scan warning: %w", err)
		}
		w.RecordedAt = parseTime(at)
		out = append(out, w)
	}
	return out, rows.Err()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
