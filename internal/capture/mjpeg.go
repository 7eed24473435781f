package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/jpeg"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/proctorwatch/proctor-server/internal/logger"
	"github.com/proctorwatch/proctor-server/pkg/types"
)

const maxPartSize = 8 << 20

// MJPEGSource reads a multipart/x-mixed-replace JPEG stream, the format most
// IP cameras and the local camera bridge serve.
type MJPEGSource struct {
	url    string
	resp   *http.Response
	parts  *multipart.Reader
	cancel context.CancelFunc

	mu     sync.Mutex
	seq    uint64
	closed bool
}

// OpenMJPEG connects to url. A nil client uses http.DefaultClient.
func OpenMJPEG(ctx context.Context, url string, client *http.Client) (*MJPEGSource, error) {
	if client == nil {
		client = http.DefaultClient
	}
	ctx, cancel := context.WithCancel(ctx)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("capture: request %s: %w", url, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("capture: connect %s: %w", url, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("capture: %s returned %s", url, resp.Status)
	}

	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") || params["boundary"] == "" {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("capture: %s is not a multipart stream (%q)", url, resp.Header.Get("Content-Type"))
	}

	logger.Info("Capture", "Connected to MJPEG stream %s", url)
	return &MJPEGSource{
		url:    url,
		resp:   resp,
		parts:  multipart.NewReader(resp.Body, params["boundary"]),
		cancel: cancel,
	}, nil
}

// Next blocks until the next JPEG part arrives.
func (s *MJPEGSource) Next(ctx context.Context) (types.Frame, error) {
	if err := ctx.Err(); err != nil {
		return types.Frame{}, err
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return types.Frame{}, ErrSourceClosed
	}

	part, err := s.parts.NextPart()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return types.Frame{}, ErrSourceClosed
		}
		return types.Frame{}, fmt.Errorf("capture: %s: %w", s.url, err)
	}
	defer part.Close()

	data, err := io.ReadAll(io.LimitReader(part, maxPartSize))
	if err != nil {
		return types.Frame{}, fmt.Errorf("capture: read part: %w", err)
	}
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return types.Frame{}, fmt.Errorf("capture: decode part: %w", err)
	}

	s.mu.Lock()
	s.seq++
	seq := s.seq
	s.mu.Unlock()
	return types.NewFrame(img, data, time.Now(), seq), nil
}

// Close drops the connection.
func (s *MJPEGSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.cancel()
	return s.resp.Body.Close()
}
