package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Server holds listener addresses.
type Server struct {
	HTTPAddr    string `toml:"http_addr"`
	MetricsAddr string `toml:"metrics_addr"`
	PprofAddr   string `toml:"pprof_addr"`
}

// Camera describes where frames come from.
type Camera struct {
	// URL of an MJPEG camera (http://...) or a directory of still images.
	Source               string  `toml:"source"`
	FrameIntervalSeconds float64 `toml:"frame_interval_seconds"`
	LockFile             string  `toml:"lock_file"`
	Loop                 bool    `toml:"loop"`
}

// Detector points at the model sidecar.
type Detector struct {
	URL            string  `toml:"url"`
	TimeoutSeconds float64 `toml:"timeout_seconds"`
}

// Enrollment locates the subject gallery.
type Enrollment struct {
	Dir string `toml:"dir"`
}

// Thresholds are the empirical tuning values of the session monitor.
type Thresholds struct {
	MatchDistance              float64 `toml:"match_distance"`
	VerificationTimeoutSeconds float64 `toml:"verification_timeout_seconds"`
	NoFaceTimeoutSeconds       float64 `toml:"no_face_timeout_seconds"`
	GazeTimeoutSeconds         float64 `toml:"gaze_timeout_seconds"`
	GazeHorizontalDivisor      float64 `toml:"gaze_horizontal_divisor"`
	GazeVerticalDivisor        float64 `toml:"gaze_vertical_divisor"`
}

// Output controls the delivered preview stream.
type Output struct {
	Width       int `toml:"width"`
	Height      int `toml:"height"`
	JPEGQuality int `toml:"jpeg_quality"`
}

// Store locates the attendance database.
type Store struct {
	Path string `toml:"path"`
}

// MQTT configures the optional broker sink.
type MQTT struct {
	Enabled     bool   `toml:"enabled"`
	Broker      string `toml:"broker"`
	ClientID    string `toml:"client_id"`
	TopicPrefix string `toml:"topic_prefix"`
	QoS         byte   `toml:"qos"`
}

// WebRTC configures the data-channel event sink.
type WebRTC struct {
	Enabled     bool     `toml:"enabled"`
	STUNServers []string `toml:"stun_servers"`
	MaxClients  int      `toml:"max_clients"`
}

// Recording configures per-session evidence files.
type Recording struct {
	Enabled bool   `toml:"enabled"`
	Dir     string `toml:"dir"`
}

// Logging configures the process logger.
type Logging struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	Color  *bool  `toml:"color"`
}

// Config is the complete proctor configuration.
type Config struct {
	Server     Server     `toml:"server"`
	Camera     Camera     `toml:"camera"`
	Detector   Detector   `toml:"detector"`
	Enrollment Enrollment `toml:"enrollment"`
	Thresholds Thresholds `toml:"thresholds"`
	Output     Output     `toml:"output"`
	Store      Store      `toml:"store"`
	MQTT       MQTT       `toml:"mqtt"`
	WebRTC     WebRTC     `toml:"webrtc"`
	Recording  Recording  `toml:"recording"`
	Logging    Logging    `toml:"logging"`
}

// DefaultThresholds returns the calibrated monitor values.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MatchDistance:              0.6,
		VerificationTimeoutSeconds: 20,
		NoFaceTimeoutSeconds:       10,
		GazeTimeoutSeconds:         5,
		GazeHorizontalDivisor:      10,
		GazeVerticalDivisor:        15,
	}
}

// DefaultConfig returns a config matching the behavior of the classroom deployment.
func DefaultConfig() Config {
	return Config{
		Server: Server{
			HTTPAddr:    ":5000",
			MetricsAddr: ":9090",
		},
		Camera: Camera{
			Source:               "http://localhost:8081/stream",
			FrameIntervalSeconds: 0.1,
			LockFile:             filepath.Join(os.TempDir(), "proctor-camera.lock"),
		},
		Detector: Detector{
			URL:            "http://localhost:8500",
			TimeoutSeconds: 2,
		},
		Enrollment: Enrollment{
			Dir: "student_images",
		},
		Thresholds: DefaultThresholds(),
		Output: Output{
			Width:       320,
			Height:      240,
			JPEGQuality: 75,
		},
		Store: Store{
			Path: "proctor.db",
		},
		MQTT: MQTT{
			Broker:      "localhost:1883",
			ClientID:    "proctor",
			TopicPrefix: "proctor/sessions",
			QoS:         1,
		},
		WebRTC: WebRTC{
			STUNServers: []string{"stun:stun.l.google.com:19302"},
			MaxClients:  10,
		},
		Recording: Recording{
			Dir: "recordings",
		},
		Logging: Logging{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the TOML file at path on top of the defaults. A missing file is
// not an error; the boolean reports whether the file existed.
func Load(path string) (*Config, bool, error) {
	cfg := DefaultConfig()

	exists := false
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			exists = true
			if err := toml.Unmarshal(data, &cfg); err != nil {
				return nil, false, fmt.Errorf("parse config %s: %w", path, err)
			}
		case errors.Is(err, fs.ErrNotExist):
		default:
			return nil, false, fmt.Errorf("read config: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, exists, err
	}
	return &cfg, exists, nil
}

// CreateSample writes the annotated sample configuration to path.
func CreateSample(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists: %s", path)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}

// FrameInterval is the pacing delay between processed frames.
func (c *Config) FrameInterval() time.Duration {
	return seconds(c.Camera.FrameIntervalSeconds)
}

// DetectorTimeout bounds a single sidecar request.
func (c *Config) DetectorTimeout() time.Duration {
	return seconds(c.Detector.TimeoutSeconds)
}

// VerificationTimeout is how long a session may stay unverified.
func (t Thresholds) VerificationTimeout() time.Duration {
	return seconds(t.VerificationTimeoutSeconds)
}

// NoFaceTimeout is how long a verified session may show no face.
func (t Thresholds) NoFaceTimeout() time.Duration {
	return seconds(t.NoFaceTimeoutSeconds)
}

// GazeTimeout is how long inattention must persist before alerting.
func (t Thresholds) GazeTimeout() time.Duration {
	return seconds(t.GazeTimeoutSeconds)
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}
