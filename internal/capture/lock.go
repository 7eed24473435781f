package capture

import (
	"fmt"

	"github.com/gofrs/flock"
)

// DeviceLock is an exclusive advisory lock guarding a camera device.
type DeviceLock struct {
	fl *flock.Flock
}

// AcquireDeviceLock takes the lock without blocking. ErrDeviceBusy is
// returned when another holder exists.
func AcquireDeviceLock(path string) (*DeviceLock, error) {
	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("capture: lock %s: %w", path, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w (%s)", ErrDeviceBusy, path)
	}
	return &DeviceLock{fl: fl}, nil
}

// Release unlocks. It is safe to call more than once.
func (l *DeviceLock) Release() error {
	if l == nil || l.fl == nil {
		return nil
	}
	return l.fl.Unlock()
}
