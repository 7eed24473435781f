// Package detector wraps the face-detection, identity-embedding and face-mesh
// models behind one per-frame interface. The models run out of process; the
// shipped implementation talks to a model sidecar over HTTP.
package detector

import (
	"context"

	"github.com/proctorwatch/proctor-server/pkg/types"
)

// MeshSize is the landmark count of a refined face mesh (468 face points plus
// two five-point iris rings).
const MeshSize = 478

// FaceDetector returns the face boxes found in a frame.
type FaceDetector interface {
	DetectFaces(ctx context.Context, frame types.Frame) ([]types.BoundingBox, error)
}

// Embedder returns one identity embedding per face found in a frame.
type Embedder interface {
	EmbedFaces(ctx context.Context, frame types.Frame) ([]types.Embedding, error)
}

// Mesher returns the landmark mesh of the single tracked face, or ok=false
// when no mesh resolves.
type Mesher interface {
	FaceMesh(ctx context.Context, frame types.Frame) (landmarks []types.Landmark, ok bool, err error)
}

// Detector is the full adapter consumed by the session monitor.
type Detector interface {
	FaceDetector
	Embedder
	Mesher
}
