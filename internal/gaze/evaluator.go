// Package gaze decides from iris landmarks whether a subject looks at the screen.
package gaze

import (
	"math"

	"github.com/proctorwatch/proctor-server/pkg/types"
)

// Iris landmark ranges in the 478-point face mesh.
const (
	RightIrisStart = 468
	RightIrisEnd   = 473
	LeftIrisStart  = 473
	LeftIrisEnd    = 478
)

// Default symmetry divisors: |dx| must stay under width/10, |dy| under height/15.
const (
	DefaultHorizontalDivisor = 10.0
	DefaultVerticalDivisor   = 15.0
)

// Evaluator is stateless; the inattention clock lives in the session monitor.
type Evaluator struct {
	HorizontalDivisor float64
	VerticalDivisor   float64
}

// NewEvaluator returns an evaluator, substituting defaults for non-positive divisors.
func NewEvaluator(horizontal, vertical float64) Evaluator {
	if horizontal <= 0 {
		horizontal = DefaultHorizontalDivisor
	}
	if vertical <= 0 {
		vertical = DefaultVerticalDivisor
	}
	return Evaluator{HorizontalDivisor: horizontal, VerticalDivisor: vertical}
}

// Evaluate reports whether the iris centers are near-symmetric. ok is false
// when the mesh does not cover both irises.
func (e Evaluator) Evaluate(landmarks []types.Landmark, width, height int) (looking, ok bool) {
	if len(landmarks) < LeftIrisEnd || width <= 0 || height <= 0 {
		return false, false
	}
	w, h := float64(width), float64(height)
	rx, ry := center(landmarks[RightIrisStart:RightIrisEnd], w, h)
	lx, ly := center(landmarks[LeftIrisStart:LeftIrisEnd], w, h)

	dx := math.Abs(lx - rx)
	dy := math.Abs(ly - ry)
	return dx < w/e.HorizontalDivisor && dy < h/e.VerticalDivisor, true
}

func center(points []types.Landmark, w, h float64) (x, y float64) {
	for _, p := range points {
		x += p.X * w
		y += p.Y * h
	}
	n := float64(len(points))
	return x / n, y / n
}
