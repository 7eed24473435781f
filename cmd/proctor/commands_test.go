package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image/color"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/proctorwatch/proctor-server/internal/store"
	"github.com/proctorwatch/proctor-server/internal/testsupport"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

// fixture writes a gallery with one student and a config pointing at a fake
// sidecar that embeds every image to the same vector.
func fixture(t *testing.T) (cfgPath, image, dbPath string) {
	t.Helper()
	sidecar := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"embeddings": [][]float64{{0.1, 0.2, 0.3}}})
	}))
	t.Cleanup(sidecar.Close)

	dir := t.TempDir()
	gallery := filepath.Join(dir, "students")
	testsupport.WriteImage(t, filepath.Join(gallery, "alice", "ref.png"), testsupport.SolidImage(8, 8, color.White))
	image = filepath.Join(dir, "probe.png")
	testsupport.WriteImage(t, image, testsupport.SolidImage(8, 8, color.White))
	dbPath = filepath.Join(dir, "proctor.db")

	cfgPath = filepath.Join(dir, "proctor.toml")
	cfg := fmt.Sprintf(`[camera]
source = %q

[detector]
url = %q
timeout_seconds = 2.0

[enrollment]
dir = %q

[store]
path = %q

[logging]
level = "silent"
`, gallery, sidecar.URL, gallery, dbPath)
	testsupport.WriteFile(t, cfgPath, []byte(cfg))
	return cfgPath, image, dbPath
}

func TestConfigInitAndValidate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proctor.toml")

	out, err := runCLI(t, "--config", path, "config", "init")
	if err != nil || !strings.Contains(out, path) {
		t.Fatalf("init: %v %q", err, out)
	}
	if _, err := runCLI(t, "--config", path, "config", "init"); err == nil {
		t.Fatal("second init must refuse to overwrite")
	}
	if _, err := runCLI(t, "--config", path, "config", "init", "--overwrite"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}

	out, err = runCLI(t, "--config", path, "config", "validate")
	if err != nil || !strings.Contains(out, "is valid") {
		t.Fatalf("validate: %v %q", err, out)
	}
}

func TestConfigValidateRejectsBadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proctor.toml")
	if err := os.WriteFile(path, []byte("[thresholds]\nno_face_timeout_seconds = -1.0\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := runCLI(t, "--config", path, "config", "validate"); err == nil {
		t.Fatal("negative timeout must fail validation")
	}
}

func TestVerifyCommand(t *testing.T) {
	cfgPath, image, _ := fixture(t)

	out, err := runCLI(t, "--config", cfgPath, "verify", image)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !strings.Contains(out, "Student Verified: alice, Distance: 0.0000") {
		t.Fatalf("output = %q", out)
	}
	if _, err := runCLI(t, "--config", cfgPath, "verify"); err == nil {
		t.Fatal("verify without an image must fail")
	}
}

func TestEnrollCommandSyncsStore(t *testing.T) {
	cfgPath, _, dbPath := fixture(t)

	out, err := runCLI(t, "--config", cfgPath, "enroll", "--sync")
	if err != nil {
		t.Fatalf("enroll: %v", err)
	}
	if !strings.Contains(out, "alice") || !strings.Contains(out, "Synced 1 students") {
		t.Fatalf("output = %q", out)
	}

	db, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()
	students, err := db.Students(context.Background())
	if err != nil || len(students) != 1 || students[0].Name != "alice" || students[0].Embeddings != 1 {
		t.Fatalf("students = %+v err=%v", students, err)
	}
}

func TestRenderTableAlignsColumns(t *testing.T) {
	got := renderTable([]string{"Student", "Embeddings"}, [][]string{{"alice", "3"}, {"bob"}}, []columnAlignment{alignLeft, alignRight})
	for _, want := range []string{"STUDENT", "EMBEDDINGS", "alice", "bob"} {
		if !strings.Contains(got, want) {
			t.Fatalf("table missing %q:\n%s", want, got)
		}
	}
	if renderTable(nil, nil, nil) != "" {
		t.Fatal("empty headers must render nothing")
	}
}
