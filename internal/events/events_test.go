package events

import (
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"
)

var ts = time.Unix(1_700_000_000, 0)

func TestPayloadShapes(t *testing.T) {
	if got := Verifying("s", ts).Payload()["message"]; got != MessageVerifying {
		t.Fatalf("verifying payload = %v", got)
	}
	if got := Flag(NameNoFace, "s", ts, true).Payload()["no_face"]; got != true {
		t.Fatalf("no_face payload = %v", got)
	}
	if got := Flag(NameMultipleFaces, "s", ts, false).Payload()["multiple_faces"]; got != false {
		t.Fatalf("multiple_faces payload = %v", got)
	}
	if p := CloseCamera("s", ts).Payload(); len(p) != 0 {
		t.Fatalf("close_camera payload = %v", p)
	}
	if !CloseCamera("s", ts).Terminal || !NotRecognized("s", ts).Terminal {
		t.Fatal("close_camera and not-recognized must be terminal")
	}
	if msg := Verified("s", ts, "alice", 0.25).Message; msg != "Student Verified: alice, Distance: 0.2500" {
		t.Fatalf("verified message = %q", msg)
	}
}

func TestSerializeBothFormats(t *testing.T) {
	se, err := Serialize(Verified("sess-1", ts, "alice", 0.3))
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}

	var decoded Event
	if err := json.Unmarshal(se.JSONData, &decoded); err != nil {
		t.Fatalf("json: %v", err)
	}
	if decoded.Name != NameVerificationMessage || decoded.Subject != "alice" {
		t.Fatalf("json event = %+v", decoded)
	}

	raw, err := base64.StdEncoding.DecodeString(string(se.ProtobufData))
	if err != nil {
		t.Fatalf("base64: %v", err)
	}
	m, err := UnmarshalProto(raw)
	if err != nil {
		t.Fatalf("UnmarshalProto: %v", err)
	}
	if m["event"] != "verification_message" || m["session_id"] != "sess-1" || m["subject"] != "alice" {
		t.Fatalf("proto map = %v", m)
	}
	payload, _ := m["payload"].(map[string]interface{})
	if payload["message"] != "Student Verified: alice, Distance: 0.3000" {
		t.Fatalf("proto payload = %v", payload)
	}
}

func TestBroadcasterFiltersBySession(t *testing.T) {
	b := NewBroadcaster(4)
	defer b.Close()

	_, all := b.Subscribe("")
	_, onlyA := b.Subscribe("a")

	b.Publish(Flag(NameNoFace, "a", ts, true))
	b.Publish(Flag(NameNoFace, "b", ts, false))

	if len(all) != 2 {
		t.Fatalf("unfiltered client got %d events", len(all))
	}
	if len(onlyA) != 1 {
		t.Fatalf("filtered client got %d events", len(onlyA))
	}
	if se := <-onlyA; se.SessionID != "a" {
		t.Fatalf("filtered client got session %q", se.SessionID)
	}
}

func TestBroadcasterDropsForSlowClient(t *testing.T) {
	b := NewBroadcaster(1)
	defer b.Close()

	drops := 0
	b.OnDrop(func() { drops++ })
	_, ch := b.Subscribe("")

	for i := 0; i < 3; i++ {
		b.Publish(Flag(NameNotLooking, "s", ts, true))
	}
	if len(ch) != 1 || b.Dropped() != 2 || drops != 2 {
		t.Fatalf("buffered=%d dropped=%d callbacks=%d", len(ch), b.Dropped(), drops)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroadcaster(1)
	id, ch := b.Subscribe("")
	b.Unsubscribe(id)
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed")
	}
	if b.ClientCount() != 0 {
		t.Fatalf("clients = %d", b.ClientCount())
	}
	b.Close()
	if _, ch := b.Subscribe(""); func() bool { _, ok := <-ch; return ok }() {
		t.Fatal("subscribe after close should yield a closed channel")
	}
}

func TestFanoutAndRecorder(t *testing.T) {
	var a, c Recorder
	Fanout{&a, nil, &c}.Publish(CloseCamera("s", ts))
	if len(a.Events()) != 1 || len(c.Events()) != 1 {
		t.Fatalf("a=%d c=%d", len(a.Events()), len(c.Events()))
	}
	a.Reset()
	if len(a.Events()) != 0 {
		t.Fatal("reset should clear events")
	}
}
