package capture

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/proctorwatch/proctor-server/pkg/types"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

var imageExts = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".bmp": true, ".webp": true, ".gif": true,
}

// DirSource replays still images from a directory in name order. It stands
// in for a camera in demos and tests.
type DirSource struct {
	mu     sync.Mutex
	paths  []string
	next   int
	loop   bool
	seq    uint64
	closed bool
}

// OpenDir lists dir. An empty directory is an open failure.
func OpenDir(dir string, loop bool) (*DirSource, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("capture: read %s: %w", dir, err)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() || !imageExts[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("capture: no images in %s", dir)
	}
	sort.Strings(paths)
	return &DirSource{paths: paths, loop: loop}, nil
}

// Next decodes the next image. A decode failure is a capture failure.
func (s *DirSource) Next(ctx context.Context) (types.Frame, error) {
	if err := ctx.Err(); err != nil {
		return types.Frame{}, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return types.Frame{}, ErrSourceClosed
	}
	if s.next >= len(s.paths) {
		if !s.loop {
			s.mu.Unlock()
			return types.Frame{}, ErrSourceClosed
		}
		s.next = 0
	}
	path := s.paths[s.next]
	s.next++
	s.seq++
	seq := s.seq
	s.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		return types.Frame{}, fmt.Errorf("capture: read %s: %w", path, err)
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return types.Frame{}, fmt.Errorf("capture: decode %s: %w", path, err)
	}
	var encoded []byte
	if format == "jpeg" {
		encoded = data
	}
	return types.NewFrame(img, encoded, time.Now(), seq), nil
}

// Close implements Source.
func (s *DirSource) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
