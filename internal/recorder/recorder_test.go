package recorder

import (
	"bytes"
	"errors"
	"mime/multipart"
	"os"
	"testing"
)

func TestRecordsFramesAsMultipart(t *testing.T) {
	r := New(t.TempDir(), "abc")
	if err := r.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := r.Start(); err == nil {
		t.Fatal("second Start should fail")
	}

	frames := [][]byte{[]byte("jpeg-one"), []byte("jpeg-two")}
	for _, f := range frames {
		if !r.SendFrame(f) {
			t.Fatal("frame dropped")
		}
	}
	if err := r.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if r.SendFrame([]byte("late")) {
		t.Fatal("frame accepted after Stop")
	}

	st := r.Status()
	if st.FrameCount != 2 || st.Recording {
		t.Fatalf("status = %+v", st)
	}

	data, err := os.ReadFile(r.Path())
	if err != nil {
		t.Fatalf("read evidence: %v", err)
	}
	mr := multipart.NewReader(bytes.NewReader(data), boundary)
	for i, want := range frames {
		part, err := mr.NextPart()
		if err != nil {
			t.Fatalf("part %d: %v", i, err)
		}
		var got bytes.Buffer
		got.ReadFrom(part)
		if !bytes.Equal(got.Bytes(), want) {
			t.Fatalf("part %d = %q, want %q", i, got.Bytes(), want)
		}
	}
}

func TestStopWithoutStart(t *testing.T) {
	r := New(t.TempDir(), "x")
	if err := r.Stop(); !errors.Is(err, ErrNotRecording) {
		t.Fatalf("Stop = %v", err)
	}
}
