// Package identity matches live face embeddings against the enrolled gallery.
package identity

import (
	"context"
	"math"

	"github.com/proctorwatch/proctor-server/internal/detector"
	"github.com/proctorwatch/proctor-server/pkg/types"
)

// DefaultMatchThreshold is the largest embedding distance accepted as a match.
const DefaultMatchThreshold = 0.6

// Subject is one enrolled person and their reference embeddings.
type Subject struct {
	Name       string
	Embeddings []types.Embedding
}

// Gallery is the immutable, ordered set of enrolled subjects. Order decides
// ties between subjects at the same distance.
type Gallery struct {
	subjects []Subject
}

// NewGallery builds a gallery, skipping subjects without embeddings.
func NewGallery(subjects ...Subject) *Gallery {
	kept := make([]Subject, 0, len(subjects))
	for _, s := range subjects {
		if len(s.Embeddings) == 0 {
			continue
		}
		kept = append(kept, s)
	}
	return &Gallery{subjects: kept}
}

// Subjects returns the enrolled subjects in tie-break order.
func (g *Gallery) Subjects() []Subject {
	out := make([]Subject, len(g.subjects))
	copy(out, g.subjects)
	return out
}

// Len returns the number of enrolled subjects.
func (g *Gallery) Len() int {
	return len(g.subjects)
}

// Lookup returns the named subject.
func (g *Gallery) Lookup(name string) (Subject, bool) {
	for _, s := range g.subjects {
		if s.Name == name {
			return s, true
		}
	}
	return Subject{}, false
}

// Match is an accepted identification.
type Match struct {
	SubjectID string
	Distance  float64
}

// Verifier identifies the subject in a frame.
type Verifier struct {
	gallery   *Gallery
	embedder  detector.Embedder
	threshold float64
}

// NewVerifier returns a verifier over gallery. A non-positive threshold
// selects DefaultMatchThreshold.
func NewVerifier(gallery *Gallery, embedder detector.Embedder, threshold float64) *Verifier {
	if threshold <= 0 {
		threshold = DefaultMatchThreshold
	}
	return &Verifier{gallery: gallery, embedder: embedder, threshold: threshold}
}

// Threshold returns the accepted distance bound.
func (v *Verifier) Threshold() float64 {
	return v.threshold
}

// Verify embeds every face in frame and returns the best gallery match.
// A frame without faces is not an error; it simply does not match.
func (v *Verifier) Verify(ctx context.Context, frame types.Frame) (Match, bool, error) {
	embeddings, err := v.embedder.EmbedFaces(ctx, frame)
	if err != nil {
		return Match{}, false, err
	}
	m, ok := v.Best(embeddings)
	return m, ok, nil
}

// Best returns the globally closest (subject, distance) pair across all
// embeddings, accepted only when within the threshold.
func (v *Verifier) Best(embeddings []types.Embedding) (Match, bool) {
	if len(embeddings) == 0 || v.gallery == nil {
		return Match{}, false
	}

	best := Match{Distance: math.Inf(1)}
	for _, live := range embeddings {
		for _, subject := range v.gallery.subjects {
			d := minDistance(subject.Embeddings, live)
			if d < best.Distance {
				best = Match{SubjectID: subject.Name, Distance: d}
			}
		}
	}

	if best.SubjectID == "" || best.Distance > v.threshold {
		return Match{}, false
	}
	return best, true
}

func minDistance(refs []types.Embedding, live types.Embedding) float64 {
	m := math.Inf(1)
	for _, ref := range refs {
		if d := Distance(ref, live); d < m {
			m = d
		}
	}
	return m
}

// Distance is the Euclidean distance between two embeddings. Embeddings of
// different length never match.
func Distance(a, b types.Embedding) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return math.Inf(1)
	}
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}
