package store

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/proctorwatch/proctor-server/internal/events"
	"github.com/proctorwatch/proctor-server/internal/logger"
)

// entry is one queued journal operation. forget drops the session's onset
// state instead of applying an event.
type entry struct {
	event  events.Event
	forget bool
}

type sessionLog struct {
	student    string
	multiple   bool
	notLooking bool
}

// Journal is an events.Sink that turns session events into attendance and
// warning rows. Writes happen on a background goroutine; Publish never blocks.
type Journal struct {
	store   *Store
	queue   chan entry
	wg      sync.WaitGroup
	dropped atomic.Uint64

	mu     sync.RWMutex
	closed bool

	// owned by the writer goroutine
	sessions map[string]*sessionLog
}

// NewJournal starts a journal writing to s.
func NewJournal(s *Store, buffer int) *Journal {
	if buffer <= 0 {
		buffer = 256
	}
	j := &Journal{
		store:    s,
		queue:    make(chan entry, buffer),
		sessions: make(map[string]*sessionLog),
	}
	j.wg.Add(1)
	go j.run()
	return j
}

// Publish implements events.Sink.
func (j *Journal) Publish(e events.Event) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		j.dropped.Add(1)
		return
	}
	select {
	case j.queue <- entry{event: e}:
	default:
		if j.dropped.Add(1) == 1 {
			logger.Warn("Journal", "Queue full, dropping events")
		}
	}
}

// Forget releases the state kept for a session that ended without a terminal
// event. It is queued behind the session's pending events and is never dropped.
func (j *Journal) Forget(sessionID string) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return
	}
	j.queue <- entry{event: events.Event{SessionID: sessionID}, forget: true}
}

// Dropped returns how many events were not journaled.
func (j *Journal) Dropped() uint64 {
	return j.dropped.Load()
}

// Close flushes queued events and stops the writer.
func (j *Journal) Close() {
	j.mu.Lock()
	if !j.closed {
		j.closed = true
		close(j.queue)
	}
	j.mu.Unlock()
	j.wg.Wait()
}

func (j *Journal) run() {
	defer j.wg.Done()
	for en := range j.queue {
		if en.forget {
			delete(j.sessions, en.event.SessionID)
			continue
		}
		if err := j.apply(en.event); err != nil {
			logger.Error("Journal", "Session %s: %v", en.event.SessionID, err)
		}
	}
}

func (j *Journal) apply(e events.Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sl := j.sessions[e.SessionID]
	if sl == nil {
		sl = &sessionLog{}
		j.sessions[e.SessionID] = sl
	}
	if e.Terminal {
		defer delete(j.sessions, e.SessionID)
	}

	warn := func(kind, message string) error {
		return j.store.RecordWarning(ctx, Warning{
			Student:    sl.student,
			SessionID:  e.SessionID,
			Kind:       kind,
			Message:    message,
			RecordedAt: e.Timestamp,
		})
	}

	switch e.Name {
	case events.NameVerificationMessage:
		if e.Terminal {
			return warn(KindVerificationTimeout, e.Message)
		}
		if e.Subject != "" {
			sl.student = e.Subject
			return j.store.RecordAttendance(ctx, Attendance{
				Student:    e.Subject,
				SessionID:  e.SessionID,
				Distance:   e.Distance,
				RecordedAt: e.Timestamp,
			})
		}
	case events.NameCloseCamera:
		return warn(KindNoFaceTimeout, "Face not detected for too long!")
	case events.NameMultipleFaces:
		onset := e.Flag() && !sl.multiple
		sl.multiple = e.Flag()
		if onset {
			return warn(KindMultipleFaces, "Multiple faces detected")
		}
	case events.NameNotLooking:
		onset := e.Flag() && !sl.notLooking
		sl.notLooking = e.Flag()
		if onset {
			return warn(KindNotLooking, "Student not looking at the screen")
		}
	}
	return nil
}
