// Package recorder appends delivered preview frames to per-session evidence
// files in multipart MJPEG form, playable by most video tools.
package recorder

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/proctorwatch/proctor-server/internal/logger"
)

// ErrNotRecording is returned by Stop when no file is open.
var ErrNotRecording = errors.New("recorder: not recording")

const boundary = "evidence"

// Recorder writes one session's JPEG frames to disk from a background goroutine.
type Recorder struct {
	mu           sync.RWMutex
	dir          string
	session      string
	file         *os.File
	w            *bufio.Writer
	filename     string
	recording    bool
	frameCount   uint64
	bytesWritten uint64
	writeErrors  uint64
	startTime    time.Time
	frameChan    chan []byte
	wg           sync.WaitGroup
}

// New creates a recorder for session that writes below dir.
func New(dir, session string) *Recorder {
	return &Recorder{
		dir:       dir,
		session:   session,
		frameChan: make(chan []byte, 50), // 5 seconds at 10 fps
	}
}

// Start opens a new evidence file.
func (r *Recorder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.recording {
		return fmt.Errorf("recorder: already recording %s", r.filename)
	}
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return fmt.Errorf("recorder: create %s: %w", r.dir, err)
	}

	filename := fmt.Sprintf("session_%s_%s.mjpeg", time.Now().Format("20060102_150405"), r.session)
	file, err := os.Create(filepath.Join(r.dir, filename))
	if err != nil {
		return fmt.Errorf("recorder: create file: %w", err)
	}

	r.file = file
	r.w = bufio.NewWriter(file)
	r.filename = filename
	r.recording = true
	r.frameCount = 0
	r.bytesWritten = 0
	r.startTime = time.Now()
	r.frameChan = make(chan []byte, cap(r.frameChan))

	r.wg.Add(1)
	go r.writeFrames(r.frameChan)

	logger.Info("Recorder", "Recording session %s to %s", r.session, filename)
	return nil
}

// Stop drains queued frames and closes the file.
func (r *Recorder) Stop() error {
	r.mu.Lock()
	if !r.recording {
		r.mu.Unlock()
		return ErrNotRecording
	}
	r.recording = false
	close(r.frameChan)
	r.mu.Unlock()

	r.wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()

	var err error
	if _, werr := r.w.WriteString("--" + boundary + "--\r\n"); werr != nil {
		err = fmt.Errorf("recorder: trailer: %w", werr)
	}
	if ferr := r.w.Flush(); ferr != nil && err == nil {
		err = fmt.Errorf("recorder: flush: %w", ferr)
	}
	if serr := r.file.Sync(); serr != nil && err == nil {
		err = fmt.Errorf("recorder: sync: %w", serr)
	}
	if cerr := r.file.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("recorder: close: %w", cerr)
	}
	r.file = nil
	r.w = nil

	logger.Info("Recorder", "Stopped %s (%d frames, %d bytes)", r.filename, r.frameCount, r.bytesWritten)
	return err
}

// SendFrame queues a JPEG without blocking; false means it was dropped.
func (r *Recorder) SendFrame(jpeg []byte) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.recording {
		return false
	}
	select {
	case r.frameChan <- jpeg:
		return true
	default:
		return false
	}
}

func (r *Recorder) writeFrames(ch <-chan []byte) {
	defer r.wg.Done()
	for frame := range ch {
		r.writeFrame(frame)
	}
}

func (r *Recorder) writeFrame(frame []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.w == nil {
		return
	}
	header := fmt.Sprintf("--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", boundary, len(frame))
	n1, err := r.w.WriteString(header)
	if err == nil {
		var n2 int
		n2, err = r.w.Write(frame)
		n1 += n2
	}
	if err == nil {
		var n3 int
		n3, err = r.w.WriteString("\r\n")
		n1 += n3
	}
	if err != nil {
		r.writeErrors++
		if r.writeErrors == 1 {
			logger.Warn("Recorder", "Write to %s failed: %v", r.filename, err)
		}
		return
	}
	r.bytesWritten += uint64(n1)
	r.frameCount++
}

// IsRecording returns true if currently recording
func (r *Recorder) IsRecording() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.recording
}

// Path returns the current or last evidence file.
func (r *Recorder) Path() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.filename == "" {
		return ""
	}
	return filepath.Join(r.dir, r.filename)
}

// Status returns the current recording status
func (r *Recorder) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var duration time.Duration
	if r.recording {
		duration = time.Since(r.startTime)
	}
	return Status{
		Recording:    r.recording,
		Filename:     r.filename,
		FrameCount:   r.frameCount,
		BytesWritten: r.bytesWritten,
		WriteErrors:  r.writeErrors,
		Duration:     duration,
		StartTime:    r.startTime,
	}
}

// Status holds the current recording status
type Status struct {
	Recording    bool          `json:"recording"`
	Filename     string        `json:"filename"`
	FrameCount   uint64        `json:"frame_count"`
	BytesWritten uint64        `json:"bytes_written"`
	WriteErrors  uint64        `json:"write_errors"`
	Duration     time.Duration `json:"duration_ms"`
	StartTime    time.Time     `json:"start_time"`
}
