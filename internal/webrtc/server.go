// Package webrtc delivers session events to browsers over WebRTC data
// channels. The browser creates a data channel labelled "events" in its offer
// and the server pushes every matching event as a JSON text message.
package webrtc

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"

	"github.com/proctorwatch/proctor-server/internal/events"
	"github.com/proctorwatch/proctor-server/internal/logger"
)

// EventsLabel is the data channel label clients must use.
const EventsLabel = "events"

// ErrTooManyClients is returned when MaxClients peers are connected.
var ErrTooManyClients = errors.New("webrtc: maximum clients reached")

// Options configure the server.
type Options struct {
	STUNServers []string
	MaxClients  int
	// IncludeLoopback gathers 127.0.0.1 candidates; used for same-host viewers and tests.
	IncludeLoopback bool
}

// Client is one connected browser.
type Client struct {
	id        string
	session   string
	peerConn  *webrtc.PeerConnection
	channel   atomic.Pointer[webrtc.DataChannel]
	eventChan chan []byte
	closeChan chan struct{}
	sent      atomic.Uint64
	dropped   atomic.Uint64
}

// Server manages WebRTC connections and implements events.Sink.
type Server struct {
	clients    map[string]*Client
	clientsMu  sync.RWMutex
	config     webrtc.Configuration
	maxClients int
	api        *webrtc.API
}

// NewServer creates a new WebRTC server
func NewServer(opts Options) *Server {
	iceServers := make([]webrtc.ICEServer, 0, len(opts.STUNServers))
	for _, url := range opts.STUNServers {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{url}})
	}

	settingsEngine := webrtc.SettingEngine{}
	settingsEngine.SetDTLSRetransmissionInterval(2 * time.Second)
	settingsEngine.SetNetworkTypes([]webrtc.NetworkType{
		webrtc.NetworkTypeUDP4,
		webrtc.NetworkTypeUDP6,
	})
	if opts.IncludeLoopback {
		settingsEngine.SetIncludeLoopbackCandidate(true)
	}

	maxClients := opts.MaxClients
	if maxClients <= 0 {
		maxClients = 10
	}

	return &Server{
		clients:    make(map[string]*Client),
		config:     webrtc.Configuration{ICEServers: iceServers},
		maxClients: maxClients,
		api:        webrtc.NewAPI(webrtc.WithSettingEngine(settingsEngine)),
	}
}

// HandleOffer accepts a browser offer and returns the answer with all ICE
// candidates. An empty session subscribes to every session's events.
func (s *Server) HandleOffer(offerJSON []byte, session string) ([]byte, error) {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(offerJSON, &offer); err != nil {
		return nil, fmt.Errorf("failed to parse offer: %w", err)
	}

	if s.ClientCount() >= s.maxClients {
		return nil, fmt.Errorf("%w (%d)", ErrTooManyClients, s.maxClients)
	}

	peerConn, err := s.api.NewPeerConnection(s.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	client := &Client{
		id:        uuid.NewString(),
		session:   session,
		peerConn:  peerConn,
		eventChan: make(chan []byte, 64),
		closeChan: make(chan struct{}),
	}

	peerConn.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != EventsLabel {
			logger.Debug("WebRTC", "Client %s opened unexpected channel %q", client.id, dc.Label())
			return
		}
		dc.OnOpen(func() {
			client.channel.Store(dc)
			logger.Info("WebRTC", "Client %s events channel open (session=%q)", client.id, client.session)
			go s.sendEvents(client)
		})
	})

	peerConn.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logger.Debug("WebRTC", "Client %s connection state: %s", client.id, state.String())
		if state == webrtc.PeerConnectionStateDisconnected ||
			state == webrtc.PeerConnectionStateFailed ||
			state == webrtc.PeerConnectionStateClosed {
			s.RemoveClient(client.id)
		}
	})

	if err := peerConn.SetRemoteDescription(offer); err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to set remote description: %w", err)
	}
	answer, err := peerConn.CreateAnswer(nil)
	if err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to create answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(peerConn)
	if err := peerConn.SetLocalDescription(answer); err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}
	<-gatherComplete

	s.clientsMu.Lock()
	s.clients[client.id] = client
	s.clientsMu.Unlock()
	logger.Info("WebRTC", "Client %s connected", client.id)

	localDesc := peerConn.LocalDescription()
	if localDesc == nil {
		s.RemoveClient(client.id)
		return nil, fmt.Errorf("no local description available")
	}
	return json.Marshal(localDesc)
}

// Publish implements events.Sink.
func (s *Server) Publish(e events.Event) {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	if len(s.clients) == 0 {
		return
	}

	payload, err := json.Marshal(e)
	if err != nil {
		logger.Error("WebRTC", "Marshal %s: %v", e.Name, err)
		return
	}
	for _, client := range s.clients {
		if client.session != "" && client.session != e.SessionID {
			continue
		}
		select {
		case client.eventChan <- payload:
		default:
			client.dropped.Add(1)
		}
	}
}

func (s *Server) sendEvents(client *Client) {
	for {
		select {
		case <-client.closeChan:
			return
		case payload := <-client.eventChan:
			dc := client.channel.Load()
			if dc == nil {
				continue
			}
			if err := dc.SendText(string(payload)); err != nil {
				logger.Warn("WebRTC", "Send to client %s failed: %v", client.id, err)
				return
			}
			client.sent.Add(1)
		}
	}
}

// RemoveClient removes a client by ID
func (s *Server) RemoveClient(clientID string) {
	s.clientsMu.Lock()
	client, exists := s.clients[clientID]
	if exists {
		delete(s.clients, clientID)
	}
	s.clientsMu.Unlock()
	if !exists {
		return
	}

	close(client.closeChan)
	client.peerConn.Close()
	logger.Info("WebRTC", "Client %s disconnected (sent: %d, dropped: %d)",
		clientID, client.sent.Load(), client.dropped.Load())
}

// ClientCount returns the number of connected clients
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// ClientStats returns delivery counters per client.
func (s *Server) ClientStats() map[string]map[string]uint64 {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	stats := make(map[string]map[string]uint64, len(s.clients))
	for id, client := range s.clients {
		stats[id] = map[string]uint64{
			"events_sent":    client.sent.Load(),
			"events_dropped": client.dropped.Load(),
		}
	}
	return stats
}

// Close closes all client connections
func (s *Server) Close() error {
	s.clientsMu.RLock()
	ids := make([]string, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}
	s.clientsMu.RUnlock()

	for _, id := range ids {
		s.RemoveClient(id)
	}
	return nil
}
