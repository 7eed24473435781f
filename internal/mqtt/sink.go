// Package mqtt mirrors session events onto an MQTT broker so that proctor
// dashboards outside this process can follow sessions.
package mqtt

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/proctorwatch/proctor-server/internal/events"
	"github.com/proctorwatch/proctor-server/internal/logger"
)

// Publisher is the part of paho.Client the sink uses.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
}

// Options configure the sink.
type Options struct {
	Broker      string
	ClientID    string
	TopicPrefix string
	QoS         byte
	Buffer      int
}

// Sink publishes each event to <prefix>/<session>/<event>.
type Sink struct {
	client Publisher
	conn   paho.Client
	opts   Options
	queue  chan events.Event
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	published atomic.Uint64
	errors    atomic.Uint64
	dropped   atomic.Uint64
}

// Connect dials the broker and starts the publishing goroutine.
func Connect(opts Options) (*Sink, error) {
	co := paho.NewClientOptions()
	broker := opts.Broker
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}
	co.AddBroker(broker)
	co.SetClientID(opts.ClientID)
	co.SetAutoReconnect(true)
	co.SetConnectRetry(true)
	co.SetConnectRetryInterval(2 * time.Second)
	co.SetMaxReconnectInterval(30 * time.Second)
	co.OnConnect = func(paho.Client) {
		logger.Info("MQTT", "Connected to %s as %s", broker, opts.ClientID)
	}
	co.OnConnectionLost = func(_ paho.Client, err error) {
		logger.Warn("MQTT", "Connection lost, reconnecting: %v", err)
	}

	client := paho.NewClient(co)
	token := client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return nil, fmt.Errorf("mqtt: connect to %s timed out", broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt: connect to %s: %w", broker, err)
	}

	s := NewSink(client, opts)
	s.conn = client
	return s, nil
}

// NewSink wraps an existing publisher.
func NewSink(client Publisher, opts Options) *Sink {
	if opts.TopicPrefix == "" {
		opts.TopicPrefix = "proctor/sessions"
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 256
	}
	s := &Sink{
		client: client,
		opts:   opts,
		queue:  make(chan events.Event, opts.Buffer),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// Topic returns the topic an event is published on.
func (s *Sink) Topic(e events.Event) string {
	return fmt.Sprintf("%s/%s/%s", strings.TrimSuffix(s.opts.TopicPrefix, "/"), e.SessionID, e.Name)
}

// Publish implements events.Sink. Events are dropped when the queue is full.
func (s *Sink) Publish(e events.Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.queue <- e:
	default:
		s.dropped.Add(1)
	}
}

func (s *Sink) run() {
	defer s.wg.Done()
	for e := range s.queue {
		payload, err := json.Marshal(e)
		if err != nil {
			s.errors.Add(1)
			continue
		}
		topic := s.Topic(e)
		token := s.client.Publish(topic, s.opts.QoS, false, payload)
		if !token.WaitTimeout(2 * time.Second) {
			s.errors.Add(1)
			logger.Warn("MQTT", "Publish to %s timed out", topic)
			continue
		}
		if err := token.Error(); err != nil {
			if s.errors.Add(1) == 1 {
				logger.Warn("MQTT", "Publish to %s failed: %v", topic, err)
			}
			continue
		}
		s.published.Add(1)
	}
}

// Stats reports delivery counters.
func (s *Sink) Stats() (published, errors, dropped uint64) {
	return s.published.Load(), s.errors.Load(), s.dropped.Load()
}

// Close drains the queue and disconnects when the sink owns the connection.
func (s *Sink) Close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()
	s.wg.Wait()

	if s.conn != nil && s.conn.IsConnected() {
		s.conn.Disconnect(250)
		logger.Info("MQTT", "Disconnected")
	}
}
