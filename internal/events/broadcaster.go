package events

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/proctorwatch/proctor-server/internal/logger"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// SerializedEvent holds one event pre-serialized in both wire formats so
// fan-out to many SSE clients does not re-encode per client.
type SerializedEvent struct {
	Name         Name
	SessionID    string
	JSONData     []byte
	ProtobufData []byte // base64 for SSE transport
}

type subscriber struct {
	session string
	ch      chan *SerializedEvent
}

// Broadcaster fans events out to SSE subscribers. A slow subscriber misses
// events instead of stalling the publisher.
type Broadcaster struct {
	mu      sync.Mutex
	clients map[int]subscriber
	nextID  int
	buffer  int
	closed  bool

	dropped atomic.Uint64
	onDrop  func()
}

// NewBroadcaster creates a broadcaster whose subscriber channels hold buffer events.
func NewBroadcaster(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = 16
	}
	return &Broadcaster{clients: make(map[int]subscriber), buffer: buffer}
}

// OnDrop registers a callback invoked whenever a subscriber misses an event.
func (b *Broadcaster) OnDrop(fn func()) {
	b.mu.Lock()
	b.onDrop = fn
	b.mu.Unlock()
}

// Subscribe adds a client. An empty session receives events of all sessions.
func (b *Broadcaster) Subscribe(session string) (int, <-chan *SerializedEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan *SerializedEvent, b.buffer)
	if b.closed {
		close(ch)
		return id, ch
	}
	b.clients[id] = subscriber{session: session, ch: ch}

	logger.Debug("EventBroadcaster", "Client #%d subscribed (session=%q, total clients: %d)", id, session, len(b.clients))
	return id, ch
}

// Unsubscribe removes a client and closes its channel.
func (b *Broadcaster) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.clients[id]; ok {
		close(sub.ch)
		delete(b.clients, id)
		logger.Debug("EventBroadcaster", "Client #%d unsubscribed (remaining clients: %d)", id, len(b.clients))
	}
}

// ClientCount returns the number of live subscribers.
func (b *Broadcaster) ClientCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// Dropped returns how many deliveries were skipped because a client was slow.
func (b *Broadcaster) Dropped() uint64 {
	return b.dropped.Load()
}

// Close disconnects every subscriber.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.clients {
		close(sub.ch)
		delete(b.clients, id)
	}
}

// Publish implements Sink.
func (b *Broadcaster) Publish(e Event) {
	b.mu.Lock()
	n := len(b.clients)
	b.mu.Unlock()
	if n == 0 {
		return
	}

	se, err := Serialize(e)
	if err != nil {
		logger.Error("EventBroadcaster", "Serialize %s: %v", e.Name, err)
		return
	}
	b.broadcast(se)
}

func (b *Broadcaster) broadcast(se *SerializedEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.clients {
		if sub.session != "" && sub.session != se.SessionID {
			continue
		}
		select {
		case sub.ch <- se:
		default:
			b.dropped.Add(1)
			if b.onDrop != nil {
				b.onDrop()
			}
		}
	}
}

// Serialize encodes e as JSON and as a base64 protobuf Struct.
func Serialize(e Event) (*SerializedEvent, error) {
	jsonData, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("json: %w", err)
	}

	pbData, err := MarshalProto(e)
	if err != nil {
		return nil, err
	}

	return &SerializedEvent{
		Name:         e.Name,
		SessionID:    e.SessionID,
		JSONData:     jsonData,
		ProtobufData: []byte(base64.StdEncoding.EncodeToString(pbData)),
	}, nil
}

// MarshalProto encodes e as a google.protobuf.Struct.
func MarshalProto(e Event) ([]byte, error) {
	fields := map[string]interface{}{
		"event":      string(e.Name),
		"session_id": e.SessionID,
		"timestamp":  float64(e.Timestamp.UnixNano()) / float64(time.Second),
		"terminal":   e.Terminal,
		"payload":    e.Payload(),
	}
	if e.Subject != "" {
		fields["subject"] = e.Subject
		fields["distance"] = e.Distance
	}

	st, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("protobuf struct: %w", err)
	}
	data, err := proto.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("protobuf marshal: %w", err)
	}
	return data, nil
}

// UnmarshalProto decodes data produced by MarshalProto into a generic map.
func UnmarshalProto(data []byte) (map[string]interface{}, error) {
	var st structpb.Struct
	if err := proto.Unmarshal(data, &st); err != nil {
		return nil, err
	}
	return st.AsMap(), nil
}
