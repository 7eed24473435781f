package identity

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"github.com/proctorwatch/proctor-server/internal/detector"
	"github.com/proctorwatch/proctor-server/internal/logger"
	"github.com/proctorwatch/proctor-server/pkg/types"
)

// ErrNoSubjects is returned when enrollment yields no usable subject.
var ErrNoSubjects = errors.New("no enrolled subjects with usable embeddings")

var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".bmp":  true,
	".webp": true,
	".gif":  true,
}

// SkippedImage records an enrollment image that produced no embedding.
type SkippedImage struct {
	Subject string
	Path    string
	Reason  string
}

// EnrollReport summarizes an enrollment pass.
type EnrollReport struct {
	Gallery  *Gallery
	Skipped  []SkippedImage
	Excluded []string // subjects without any usable embedding
}

// Enroll walks dir, treating each sub-directory as one subject named after
// the directory. Every image contributes all embeddings the model finds in
// it. Images without a face and subjects without embeddings are skipped with
// a warning. Directory entries are visited in lexical order, which fixes the
// gallery order.
func Enroll(ctx context.Context, dir string, embedder detector.Embedder) (*EnrollReport, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read enrollment dir: %w", err)
	}

	report := &EnrollReport{}
	var subjects []Subject
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		subjectDir := filepath.Join(dir, name)

		embeddings, skipped, err := enrollSubject(ctx, name, subjectDir, embedder)
		if err != nil {
			return nil, err
		}
		report.Skipped = append(report.Skipped, skipped...)

		if len(embeddings) == 0 {
			logger.Warn("Enroll", "Subject %s has no usable embeddings, excluded", name)
			report.Excluded = append(report.Excluded, name)
			continue
		}
		subjects = append(subjects, Subject{Name: name, Embeddings: embeddings})
		logger.Info("Enroll", "Enrolled %s (%d embeddings)", name, len(embeddings))
	}

	report.Gallery = NewGallery(subjects...)
	if report.Gallery.Len() == 0 {
		return report, ErrNoSubjects
	}
	return report, nil
}

func enrollSubject(ctx context.Context, name, dir string, embedder detector.Embedder) ([]types.Embedding, []SkippedImage, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("read subject dir %s: %w", dir, err)
	}

	var (
		embeddings []types.Embedding
		skipped    []SkippedImage
		num        uint64
	)
	for _, f := range files {
		if f.IsDir() || !imageExtensions[strings.ToLower(filepath.Ext(f.Name()))] {
			continue
		}
		path := filepath.Join(dir, f.Name())

		img, err := loadImage(path)
		if err != nil {
			logger.Warn("Enroll", "Skipping %s: %v", path, err)
			skipped = append(skipped, SkippedImage{Subject: name, Path: path, Reason: err.Error()})
			continue
		}

		num++
		frame := types.NewFrame(img, nil, time.Now(), num)
		found, err := embedder.EmbedFaces(ctx, frame)
		if err != nil {
			return nil, nil, fmt.Errorf("embed %s: %w", path, err)
		}
		if len(found) == 0 {
			logger.Warn("Enroll", "No face found in %s", path)
			skipped = append(skipped, SkippedImage{Subject: name, Path: path, Reason: "no face found"})
			continue
		}
		embeddings = append(embeddings, found...)
	}
	return embeddings, skipped, nil
}

func loadImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return img, nil
}

// LoadImageFrame decodes a single image file into a frame.
func LoadImageFrame(path string) (types.Frame, error) {
	img, err := loadImage(path)
	if err != nil {
		return types.Frame{}, err
	}
	return types.NewFrame(img, nil, time.Now(), 1), nil
}
