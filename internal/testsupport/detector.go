// Package testsupport holds model fakes and fixture helpers shared by tests.
package testsupport

import (
	"context"
	"image"
	"image/color"
	"sync"

	"github.com/proctorwatch/proctor-server/internal/detector"
	"github.com/proctorwatch/proctor-server/pkg/types"
)

// Detector is a scriptable detector.Detector. Nil functions return empty results.
type Detector struct {
	FacesFn func(types.Frame) ([]types.BoundingBox, error)
	EmbedFn func(types.Frame) ([]types.Embedding, error)
	MeshFn  func(types.Frame) ([]types.Landmark, bool, error)

	mu         sync.Mutex
	faceCalls  int
	embedCalls int
	meshCalls  int
}

var _ detector.Detector = (*Detector)(nil)

// DetectFaces implements detector.FaceDetector.
func (d *Detector) DetectFaces(_ context.Context, frame types.Frame) ([]types.BoundingBox, error) {
	d.mu.Lock()
	d.faceCalls++
	fn := d.FacesFn
	d.mu.Unlock()
	if fn == nil {
		return nil, nil
	}
	return fn(frame)
}

// EmbedFaces implements detector.Embedder.
func (d *Detector) EmbedFaces(_ context.Context, frame types.Frame) ([]types.Embedding, error) {
	d.mu.Lock()
	d.embedCalls++
	fn := d.EmbedFn
	d.mu.Unlock()
	if fn == nil {
		return nil, nil
	}
	return fn(frame)
}

// FaceMesh implements detector.Mesher.
func (d *Detector) FaceMesh(_ context.Context, frame types.Frame) ([]types.Landmark, bool, error) {
	d.mu.Lock()
	d.meshCalls++
	fn := d.MeshFn
	d.mu.Unlock()
	if fn == nil {
		return nil, false, nil
	}
	return fn(frame)
}

// Calls returns how often each model was invoked.
func (d *Detector) Calls() (faces, embed, mesh int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.faceCalls, d.embedCalls, d.meshCalls
}

// Boxes returns n distinct face boxes.
func Boxes(n int) []types.BoundingBox {
	out := make([]types.BoundingBox, n)
	for i := range out {
		out[i] = types.BoundingBox{X: 10 + i*60, Y: 20, W: 50, H: 50}
	}
	return out
}

// Mesh returns a full landmark set with the right iris centred at (rx, ry)
// and the left iris at (lx, ly), in normalized coordinates.
func Mesh(rx, ry, lx, ly float64) []types.Landmark {
	points := make([]types.Landmark, detector.MeshSize)
	for i := range points {
		points[i] = types.Landmark{X: 0.5, Y: 0.5}
	}
	ring := []types.Landmark{{X: 0, Y: 0}, {X: 0.01, Y: 0}, {X: -0.01, Y: 0}, {X: 0, Y: 0.01}, {X: 0, Y: -0.01}}
	for i, off := range ring {
		points[468+i] = types.Landmark{X: rx + off.X, Y: ry + off.Y}
		points[473+i] = types.Landmark{X: lx + off.X, Y: ly + off.Y}
	}
	return points
}

// ForwardMesh is a mesh whose irises are nearly symmetric.
func ForwardMesh() []types.Landmark {
	return Mesh(0.48, 0.5, 0.52, 0.5)
}

// AwayMesh is a mesh whose irises are far apart horizontally.
func AwayMesh() []types.Landmark {
	return Mesh(0.2, 0.5, 0.8, 0.5)
}

// PixelEmbedder derives one embedding from the colour of a frame's top-left
// pixel. Pure black frames contain no face.
type PixelEmbedder struct{}

// EmbedFaces implements detector.Embedder.
func (PixelEmbedder) EmbedFaces(_ context.Context, frame types.Frame) ([]types.Embedding, error) {
	if frame.Image == nil {
		return nil, nil
	}
	b := frame.Image.Bounds()
	r, g, bl, _ := frame.Image.At(b.Min.X, b.Min.Y).RGBA()
	if r == 0 && g == 0 && bl == 0 {
		return nil, nil
	}
	return []types.Embedding{{float64(r>>8) / 255, float64(g>>8) / 255, float64(bl>>8) / 255}}, nil
}

// SolidImage returns a w x h image filled with c.
func SolidImage(w, h int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}
