package detector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image/jpeg"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/proctorwatch/proctor-server/pkg/types"
)

// ErrSidecarStatus is returned when the sidecar answers with a non-2xx status.
var ErrSidecarStatus = errors.New("detector sidecar returned error status")

const (
	facesPath      = "/v1/faces"
	embeddingsPath = "/v1/embeddings"
	meshPath       = "/v1/mesh"
)

type facesResponse struct {
	Faces []types.BoundingBox `json:"faces"`
}

type embeddingsResponse struct {
	Embeddings []types.Embedding `json:"embeddings"`
}

type meshResponse struct {
	Landmarks []types.Landmark `json:"landmarks"`
}

// HTTPClient calls a model sidecar. Each request carries the frame as a JPEG
// body; the sidecar answers with JSON.
type HTTPClient struct {
	baseURL     string
	client      *http.Client
	jpegQuality int
}

// NewHTTPClient returns a client for the sidecar at baseURL.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &HTTPClient{
		baseURL:     strings.TrimRight(baseURL, "/"),
		client:      &http.Client{Timeout: timeout},
		jpegQuality: 90,
	}
}

// DetectFaces implements FaceDetector.
func (c *HTTPClient) DetectFaces(ctx context.Context, frame types.Frame) ([]types.BoundingBox, error) {
	var resp facesResponse
	if err := c.post(ctx, facesPath, frame, &resp); err != nil {
		return nil, err
	}
	return resp.Faces, nil
}

// EmbedFaces implements Embedder.
func (c *HTTPClient) EmbedFaces(ctx context.Context, frame types.Frame) ([]types.Embedding, error) {
	var resp embeddingsResponse
	if err := c.post(ctx, embeddingsPath, frame, &resp); err != nil {
		return nil, err
	}
	return resp.Embeddings, nil
}

// FaceMesh implements Mesher.
func (c *HTTPClient) FaceMesh(ctx context.Context, frame types.Frame) ([]types.Landmark, bool, error) {
	var resp meshResponse
	if err := c.post(ctx, meshPath, frame, &resp); err != nil {
		return nil, false, err
	}
	if len(resp.Landmarks) < MeshSize {
		return nil, false, nil
	}
	return resp.Landmarks, true, nil
}

// Health checks the sidecar is reachable.
func (c *HTTPClient) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("build health request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("detector health: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("%w: %s", ErrSidecarStatus, resp.Status)
	}
	return nil
}

func (c *HTTPClient) post(ctx context.Context, path string, frame types.Frame, out any) error {
	body, err := c.encode(frame)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "image/jpeg")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Frame-Number", strconv.FormatUint(frame.FrameNum, 10))
	req.Header.Set("X-Frame-Width", strconv.Itoa(frame.Width))
	req.Header.Set("X-Frame-Height", strconv.Itoa(frame.Height))

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("detector %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: %s %s: %s", ErrSidecarStatus, path, resp.Status, strings.TrimSpace(string(msg)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func (c *HTTPClient) encode(frame types.Frame) ([]byte, error) {
	if len(frame.Encoded) > 0 {
		return frame.Encoded, nil
	}
	if frame.Image == nil {
		return nil, errors.New("frame has no image data")
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, frame.Image, &jpeg.Options{Quality: c.jpegQuality}); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return buf.Bytes(), nil
}
