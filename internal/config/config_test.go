package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/proctorwatch/proctor-server/internal/config"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, exists, err := config.Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if exists {
		t.Fatal("expected missing file to be reported")
	}
	th := cfg.Thresholds
	if th.MatchDistance != 0.6 {
		t.Fatalf("match distance = %v", th.MatchDistance)
	}
	if th.VerificationTimeout() != 20*time.Second || th.NoFaceTimeout() != 10*time.Second || th.GazeTimeout() != 5*time.Second {
		t.Fatalf("unexpected timeouts: %v %v %v", th.VerificationTimeout(), th.NoFaceTimeout(), th.GazeTimeout())
	}
	if cfg.FrameInterval() != 100*time.Millisecond {
		t.Fatalf("frame interval = %v", cfg.FrameInterval())
	}
	if cfg.Output.Width != 320 || cfg.Output.Height != 240 {
		t.Fatalf("output = %dx%d", cfg.Output.Width, cfg.Output.Height)
	}
}

func TestLoadOverridesThresholds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proctor.toml")
	content := `
[thresholds]
match_distance = 0.5
no_face_timeout_seconds = 3.5

[mqtt]
enabled = true
broker = "broker:1883"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !exists {
		t.Fatal("expected file to exist")
	}
	if cfg.Thresholds.MatchDistance != 0.5 {
		t.Fatalf("match distance = %v", cfg.Thresholds.MatchDistance)
	}
	if cfg.Thresholds.NoFaceTimeout() != 3500*time.Millisecond {
		t.Fatalf("no face timeout = %v", cfg.Thresholds.NoFaceTimeout())
	}
	if cfg.Thresholds.GazeTimeoutSeconds != 5 {
		t.Fatalf("untouched gaze timeout changed: %v", cfg.Thresholds.GazeTimeoutSeconds)
	}
	if !cfg.MQTT.Enabled || cfg.MQTT.Broker != "broker:1883" {
		t.Fatalf("mqtt = %+v", cfg.MQTT)
	}
}

func TestLoadRejectsInvalidThreshold(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proctor.toml")
	if err := os.WriteFile(path, []byte("[thresholds]\ngaze_timeout_seconds = 0.0\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	_, _, err := config.Load(path)
	if err == nil || !strings.Contains(err.Error(), "gaze_timeout_seconds") {
		t.Fatalf("expected gaze timeout error, got %v", err)
	}
}

func TestSampleConfigParses(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sample.toml")
	if err := config.CreateSample(path); err != nil {
		t.Fatalf("CreateSample: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read sample: %v", err)
	}
	var cfg config.Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("sample config does not parse: %v", err)
	}
	if cfg.Thresholds != config.DefaultThresholds() {
		t.Fatalf("sample thresholds drift from defaults: %+v", cfg.Thresholds)
	}
	if err := config.CreateSample(path); err == nil {
		t.Fatal("expected error when sample already exists")
	}
}
