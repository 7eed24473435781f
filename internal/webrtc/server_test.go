package webrtc

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"

	"github.com/proctorwatch/proctor-server/internal/events"
)

func TestHandleOfferRejectsGarbage(t *testing.T) {
	s := NewServer(Options{})
	if _, err := s.HandleOffer([]byte("{not json"), ""); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestHandleOfferEnforcesClientLimit(t *testing.T) {
	s := NewServer(Options{MaxClients: 1})
	s.clients["existing"] = &Client{id: "existing"}
	_, err := s.HandleOffer([]byte(`{"type":"offer","sdp":""}`), "")
	if !errors.Is(err, ErrTooManyClients) {
		t.Fatalf("err = %v", err)
	}
}

func TestPublishFiltersAndDrops(t *testing.T) {
	s := NewServer(Options{})
	a := &Client{id: "a", session: "s1", eventChan: make(chan []byte, 1), closeChan: make(chan struct{})}
	all := &Client{id: "all", eventChan: make(chan []byte, 1), closeChan: make(chan struct{})}
	s.clients["a"] = a
	s.clients["all"] = all

	s.Publish(events.Flag(events.NameNoFace, "s2", time.Now(), true))
	s.Publish(events.Flag(events.NameNoFace, "s1", time.Now(), true))

	if len(a.eventChan) != 1 {
		t.Fatalf("filtered client queued %d", len(a.eventChan))
	}
	if len(all.eventChan) != 1 || all.dropped.Load() != 1 {
		t.Fatalf("unfiltered client queued %d dropped %d", len(all.eventChan), all.dropped.Load())
	}
}

// TestDataChannelDelivery runs a full in-process negotiation over loopback.
func TestDataChannelDelivery(t *testing.T) {
	if testing.Short() {
		t.Skip("negotiates a real peer connection")
	}
	s := NewServer(Options{IncludeLoopback: true})
	defer s.Close()

	se := webrtc.SettingEngine{}
	se.SetIncludeLoopbackCandidate(true)
	se.SetNetworkTypes([]webrtc.NetworkType{webrtc.NetworkTypeUDP4})
	browser, err := webrtc.NewAPI(webrtc.WithSettingEngine(se)).NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("NewPeerConnection: %v", err)
	}
	defer browser.Close()

	dc, err := browser.CreateDataChannel(EventsLabel, nil)
	if err != nil {
		t.Fatalf("CreateDataChannel: %v", err)
	}
	received := make(chan []byte, 4)
	dc.OnMessage(func(msg webrtc.DataChannelMessage) { received <- msg.Data })

	offer, err := browser.CreateOffer(nil)
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	gathered := webrtc.GatheringCompletePromise(browser)
	if err := browser.SetLocalDescription(offer); err != nil {
		t.Fatalf("SetLocalDescription: %v", err)
	}
	<-gathered
	offerJSON, _ := json.Marshal(browser.LocalDescription())

	answerJSON, err := s.HandleOffer(offerJSON, "s1")
	if err != nil {
		t.Fatalf("HandleOffer: %v", err)
	}
	var answer webrtc.SessionDescription
	if err := json.Unmarshal(answerJSON, &answer); err != nil {
		t.Fatalf("answer: %v", err)
	}
	if err := browser.SetRemoteDescription(answer); err != nil {
		t.Fatalf("SetRemoteDescription: %v", err)
	}

	deadline := time.After(10 * time.Second)
	for {
		s.Publish(events.CloseCamera("s1", time.Now()))
		select {
		case data := <-received:
			var e events.Event
			if err := json.Unmarshal(data, &e); err != nil {
				t.Fatalf("message: %v", err)
			}
			if e.Name != events.NameCloseCamera {
				t.Fatalf("event = %+v", e)
			}
			return
		case <-time.After(100 * time.Millisecond):
		case <-deadline:
			t.Fatal("no event received over the data channel")
		}
	}
}
