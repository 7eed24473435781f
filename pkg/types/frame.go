package types

import (
	"fmt"
	"image"
	"strings"
	"time"
)

// Frame is a single captured camera image. It is read-only once captured.
type Frame struct {
	Image     image.Image // Decoded pixels
	Encoded   []byte      // Original JPEG bytes when the source delivered them
	Timestamp time.Time   // Frame capture timestamp
	FrameNum  uint64      // Sequential frame number
	Width     int         // Frame width
	Height    int         // Frame height
}

// NewFrame wraps a decoded image.
func NewFrame(img image.Image, encoded []byte, ts time.Time, num uint64) Frame {
	b := img.Bounds()
	return Frame{
		Image:     img,
		Encoded:   encoded,
		Timestamp: ts,
		FrameNum:  num,
		Width:     b.Dx(),
		Height:    b.Dy(),
	}
}

// BoundingBox marks a detected face in pixel coordinates.
type BoundingBox struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// Embedding is a fixed-length identity vector produced by the embedding model.
type Embedding []float64

// Landmark is one face-mesh point. X and Y are normalized to the frame size.
type Landmark struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Environment selects the multiplicity policy of a session.
type Environment string

const (
	EnvironmentClassroom Environment = "classroom"
	EnvironmentHome      Environment = "home"
)

// ParseEnvironment accepts "classroom" or "home".
func ParseEnvironment(s string) (Environment, error) {
	switch Environment(strings.ToLower(strings.TrimSpace(s))) {
	case EnvironmentClassroom:
		return EnvironmentClassroom, nil
	case EnvironmentHome:
		return EnvironmentHome, nil
	default:
		return "", fmt.Errorf("unknown environment %q", s)
	}
}
