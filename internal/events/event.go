// Package events defines the typed session events emitted by the monitor and
// the sinks that deliver them.
package events

import (
	"fmt"
	"sync"
	"time"
)

// Name identifies an event on the wire.
type Name string

const (
	NameVerificationMessage Name = "verification_message"
	NameMultipleFaces       Name = "multiple_faces"
	NameNoFace              Name = "no_face"
	NameNotLooking          Name = "not_looking"
	NameCloseCamera         Name = "close_camera"
)

// User-visible verification messages.
const (
	MessageVerifying     = "Verifying student identity..."
	MessageNotRecognized = "Student not recognized. Video feed stopped."
)

// Event is one decision made by the session monitor.
type Event struct {
	Name      Name      `json:"event"`
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message,omitempty"`
	Value     *bool     `json:"value,omitempty"`
	Subject   string    `json:"subject,omitempty"`
	Distance  float64   `json:"distance,omitempty"`
	// Terminal events end the session; at most one is emitted per session.
	Terminal bool `json:"terminal,omitempty"`
}

// Payload is the body a socket-style client expects for this event name.
func (e Event) Payload() map[string]interface{} {
	switch e.Name {
	case NameVerificationMessage:
		return map[string]interface{}{"message": e.Message}
	case NameCloseCamera:
		return map[string]interface{}{}
	default:
		v := false
		if e.Value != nil {
			v = *e.Value
		}
		return map[string]interface{}{string(e.Name): v}
	}
}

// Flag reports the boolean carried by flag events.
func (e Event) Flag() bool {
	return e.Value != nil && *e.Value
}

// VerifiedMessage formats the success notice shown to the proctor.
func VerifiedMessage(subject string, distance float64) string {
	return fmt.Sprintf("Student Verified: %s, Distance: %.4f", subject, distance)
}

// Verifying is the progress message emitted for each unverified frame.
func Verifying(session string, ts time.Time) Event {
	return Event{Name: NameVerificationMessage, SessionID: session, Timestamp: ts, Message: MessageVerifying}
}

// Verified announces the one-time identity match.
func Verified(session string, ts time.Time, subject string, distance float64) Event {
	return Event{
		Name:      NameVerificationMessage,
		SessionID: session,
		Timestamp: ts,
		Message:   VerifiedMessage(subject, distance),
		Subject:   subject,
		Distance:  distance,
	}
}

// NotRecognized is the terminal verification-timeout message.
func NotRecognized(session string, ts time.Time) Event {
	return Event{Name: NameVerificationMessage, SessionID: session, Timestamp: ts, Message: MessageNotRecognized, Terminal: true}
}

// Flag builds one of the boolean presence or gaze events.
func Flag(name Name, session string, ts time.Time, v bool) Event {
	return Event{Name: name, SessionID: session, Timestamp: ts, Value: &v}
}

// CloseCamera is the terminal no-face event.
func CloseCamera(session string, ts time.Time) Event {
	return Event{Name: NameCloseCamera, SessionID: session, Timestamp: ts, Terminal: true}
}

// Sink receives events. Publish must not block the frame loop.
type Sink interface {
	Publish(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

// Publish implements Sink.
func (f SinkFunc) Publish(e Event) { f(e) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(Event) {})

// Fanout publishes to every sink in order.
type Fanout []Sink

// Publish implements Sink.
func (f Fanout) Publish(e Event) {
	for _, s := range f {
		if s != nil {
			s.Publish(e)
		}
	}
}

// Recorder keeps every published event; used by tests and the verify command.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Publish implements Sink.
func (r *Recorder) Publish(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Reset forgets recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}
