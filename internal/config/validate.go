package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateCamera(); err != nil {
		return err
	}
	if err := c.Thresholds.Validate(); err != nil {
		return err
	}
	if err := c.validateOutput(); err != nil {
		return err
	}
	if err := c.validateMQTT(); err != nil {
		return err
	}
	if c.WebRTC.Enabled && c.WebRTC.MaxClients <= 0 {
		return errors.New("webrtc.max_clients must be positive")
	}
	if c.Recording.Enabled && strings.TrimSpace(c.Recording.Dir) == "" {
		return errors.New("recording.dir is required when recording is enabled")
	}
	return nil
}

func (c *Config) validateCamera() error {
	if strings.TrimSpace(c.Camera.Source) == "" {
		return errors.New("camera.source is required")
	}
	if c.Camera.FrameIntervalSeconds < 0 {
		return errors.New("camera.frame_interval_seconds must not be negative")
	}
	if c.Detector.TimeoutSeconds <= 0 {
		return errors.New("detector.timeout_seconds must be positive")
	}
	return nil
}

// Validate checks every threshold is in range.
func (t Thresholds) Validate() error {
	if t.MatchDistance <= 0 {
		return fmt.Errorf("thresholds.match_distance must be positive, got %v", t.MatchDistance)
	}
	checks := []struct {
		name  string
		value float64
	}{
		{"thresholds.verification_timeout_seconds", t.VerificationTimeoutSeconds},
		{"thresholds.no_face_timeout_seconds", t.NoFaceTimeoutSeconds},
		{"thresholds.gaze_timeout_seconds", t.GazeTimeoutSeconds},
		{"thresholds.gaze_horizontal_divisor", t.GazeHorizontalDivisor},
		{"thresholds.gaze_vertical_divisor", t.GazeVerticalDivisor},
	}
	for _, check := range checks {
		if check.value <= 0 {
			return fmt.Errorf("%s must be positive, got %v", check.name, check.value)
		}
	}
	return nil
}

func (c *Config) validateOutput() error {
	if c.Output.Width <= 0 || c.Output.Height <= 0 {
		return fmt.Errorf("output size must be positive, got %dx%d", c.Output.Width, c.Output.Height)
	}
	if c.Output.JPEGQuality < 1 || c.Output.JPEGQuality > 100 {
		return fmt.Errorf("output.jpeg_quality must be within 1-100, got %d", c.Output.JPEGQuality)
	}
	return nil
}

func (c *Config) validateMQTT() error {
	if !c.MQTT.Enabled {
		return nil
	}
	if strings.TrimSpace(c.MQTT.Broker) == "" {
		return errors.New("mqtt.broker is required when mqtt is enabled")
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
	}
	return nil
}
