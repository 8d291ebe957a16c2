package wipe

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"
)

// DeviceLocker serialises operations on the same device across processes
// with an advisory lock file per device.
type DeviceLocker struct {
	dir string
}

func NewDeviceLocker(dir string) *DeviceLocker {
	return &DeviceLocker{dir: dir}
}

// TryLock acquires the device lock without waiting. ok is false when another
// operation holds it.
func (l *DeviceLocker) TryLock(device string) (unlock func(), ok bool, err error) {
	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return nil, false, fmt.Errorf("failed to create lock directory: %w", err)
	}
	fl := flock.New(l.path(device))
	locked, err := fl.TryLock()
	if err != nil {
		return nil, false, fmt.Errorf("failed to lock %s: %w", device, err)
	}
	if !locked {
		return nil, false, nil
	}
	return func() { _ = fl.Unlock() }, true, nil
}

func (l *DeviceLocker) path(device string) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, strings.ToLower(device))
	return filepath.Join(l.dir, strings.Trim(name, "_")+".lock")
}
