// Package capture opens camera sources and yields decoded frames.
package capture

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/proctorwatch/proctor-server/pkg/types"
)

var (
	// ErrSourceClosed is returned by Next once a source is exhausted or closed.
	ErrSourceClosed = errors.New("capture: source closed")
	// ErrDeviceBusy means another session or process holds the camera.
	ErrDeviceBusy = errors.New("capture: camera in use")
)

// Source yields frames in capture order. Any error from Next ends the session.
type Source interface {
	Next(ctx context.Context) (types.Frame, error)
	Close() error
}

// Opener opens a fresh Source for one session.
type Opener interface {
	Open(ctx context.Context) (Source, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(ctx context.Context) (Source, error)

// Open implements Opener.
func (f OpenerFunc) Open(ctx context.Context) (Source, error) { return f(ctx) }

// Options configure NewOpener.
type Options struct {
	// Source is an MJPEG URL (http:// or https://) or a directory of images.
	Source   string
	LockFile string
	Loop     bool
}

// NewOpener picks the source implementation from opts.Source. When LockFile
// is set, each opened source holds an exclusive lock on it until closed.
func NewOpener(opts Options) Opener {
	return OpenerFunc(func(ctx context.Context) (Source, error) {
		var lock *DeviceLock
		if opts.LockFile != "" {
			l, err := AcquireDeviceLock(opts.LockFile)
			if err != nil {
				return nil, err
			}
			lock = l
		}

		src, err := openSource(ctx, opts)
		if err != nil {
			if lock != nil {
				_ = lock.Release()
			}
			return nil, err
		}
		if lock == nil {
			return src, nil
		}
		return &lockedSource{Source: src, lock: lock}, nil
	})
}

func openSource(ctx context.Context, opts Options) (Source, error) {
	switch {
	case opts.Source == "":
		return nil, fmt.Errorf("capture: no source configured")
	case strings.HasPrefix(opts.Source, "http://"), strings.HasPrefix(opts.Source, "https://"):
		return OpenMJPEG(ctx, opts.Source, nil)
	default:
		info, err := os.Stat(opts.Source)
		if err != nil {
			return nil, fmt.Errorf("capture: open %s: %w", opts.Source, err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("capture: %s is not a directory", opts.Source)
		}
		return OpenDir(opts.Source, opts.Loop)
	}
}

type lockedSource struct {
	Source
	lock *DeviceLock
}

func (s *lockedSource) Close() error {
	err := s.Source.Close()
	if lerr := s.lock.Release(); err == nil {
		err = lerr
	}
	return err
}
