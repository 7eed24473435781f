package store

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/proctorwatch/proctor-server/internal/events"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "db", "proctor.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStudentRecord(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	if err := s.SyncStudents(ctx, []Student{{Name: "alice", Embeddings: 2}, {Name: "bob", Embeddings: 1}}); err != nil {
		t.Fatalf("SyncStudents: %v", err)
	}
	if err := s.SyncStudents(ctx, []Student{{Name: "alice", Embeddings: 3}}); err != nil {
		t.Fatalf("SyncStudents again: %v", err)
	}
	if err := s.RecordAttendance(ctx, Attendance{Student: "alice", SessionID: "s1", Distance: 0.3, RecordedAt: now}); err != nil {
		t.Fatalf("RecordAttendance: %v", err)
	}
	if err := s.RecordWarning(ctx, Warning{Student: "alice", SessionID: "s1", Kind: KindNotLooking, RecordedAt: now.Add(time.Minute)}); err != nil {
		t.Fatalf("RecordWarning: %v", err)
	}

	rec, err := s.StudentRecord(ctx, "alice")
	if err != nil {
		t.Fatalf("StudentRecord: %v", err)
	}
	if rec.Student.Embeddings != 3 || len(rec.Attendance) != 1 || len(rec.Warnings) != 1 {
		t.Fatalf("record = %+v", rec)
	}
	if !rec.Attendance[0].RecordedAt.Equal(now) {
		t.Fatalf("recorded at %v", rec.Attendance[0].RecordedAt)
	}

	if _, err := s.StudentRecord(ctx, "mallory"); !errors.Is(err, ErrStudentNotFound) {
		t.Fatalf("unknown student: %v", err)
	}
	students, err := s.Students(ctx)
	if err != nil || len(students) != 2 || students[0].Name != "alice" {
		t.Fatalf("students = %+v err=%v", students, err)
	}
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proctor.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s.SyncStudents(context.Background(), []Student{{Name: "alice"}})
	s.Close()

	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	if _, err := s.StudentRecord(context.Background(), "alice"); err != nil {
		t.Fatalf("StudentRecord after reopen: %v", err)
	}
}

func TestJournalRecordsOnsetsAndTerminations(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	s.SyncStudents(ctx, []Student{{Name: "alice"}})
	ts := time.Now()

	j := NewJournal(s, 64)
	j.Publish(events.Verifying("s1", ts))
	j.Publish(events.Verified("s1", ts, "alice", 0.2))
	j.Publish(events.Flag(events.NameNotLooking, "s1", ts, true))
	j.Publish(events.Flag(events.NameNotLooking, "s1", ts, true))
	j.Publish(events.Flag(events.NameNotLooking, "s1", ts, false))
	j.Publish(events.Flag(events.NameNotLooking, "s1", ts, true))
	j.Publish(events.Flag(events.NameMultipleFaces, "s1", ts, true))
	j.Publish(events.CloseCamera("s1", ts))
	j.Publish(events.NotRecognized("s2", ts))
	j.Close()
	j.Publish(events.CloseCamera("s3", ts))

	rec, err := s.StudentRecord(ctx, "alice")
	if err != nil {
		t.Fatalf("StudentRecord: %v", err)
	}
	if len(rec.Attendance) != 1 {
		t.Fatalf("attendance = %+v", rec.Attendance)
	}
	kinds := map[string]int{}
	for _, w := range rec.Warnings {
		kinds[w.Kind]++
	}
	if kinds[KindNotLooking] != 2 || kinds[KindMultipleFaces] != 1 || kinds[KindNoFaceTimeout] != 1 {
		t.Fatalf("warnings = %v", kinds)
	}

	anon, err := s.SessionWarnings(ctx, "s2")
	if err != nil || len(anon) != 1 || anon[0].Kind != KindVerificationTimeout || anon[0].Student != "" {
		t.Fatalf("session s2 warnings = %+v err=%v", anon, err)
	}
	if j.Dropped() != 1 {
		t.Fatalf("dropped = %d", j.Dropped())
	}
}

func TestJournalForgetsSessionsWithoutTermination(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	s.SyncStudents(ctx, []Student{{Name: "alice"}})
	ts := time.Now()

	j := NewJournal(s, 256)
	for i := 0; i < 20; i++ {
		id := "open-" + strconv.Itoa(i)
		j.Publish(events.Verifying(id, ts))
		j.Publish(events.Verified(id, ts, "alice", 0.2))
		j.Publish(events.Flag(events.NameNotLooking, id, ts, true))
		j.Forget(id)
	}
	j.Publish(events.Verifying("kept", ts))
	j.Close()
	j.Forget("late")

	if len(j.sessions) != 1 {
		t.Fatalf("tracked sessions = %d, want 1", len(j.sessions))
	}
	if _, ok := j.sessions["kept"]; !ok {
		t.Fatalf("tracked sessions = %v", j.sessions)
	}
	rec, err := s.StudentRecord(ctx, "alice")
	if err != nil {
		t.Fatalf("StudentRecord: %v", err)
	}
	if len(rec.Attendance) != 20 || len(rec.Warnings) != 20 {
		t.Fatalf("attendance = %d warnings = %d", len(rec.Attendance), len(rec.Warnings))
	}
}
