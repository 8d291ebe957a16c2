package system

import (
	"errors"
	"strings"
	"syscall"
)

const (
	// Windows error codes
	ERROR_NOT_READY            = 0x15
	ERROR_DISK_FULL            = 112
	ERROR_DEVICE_NOT_CONNECTED = 1167
)

// IsWindowsError сопоставляет ошибку с кодом Windows по тексту сообщения
func IsWindowsError(err error, code uint32) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())

	switch code {
	case ERROR_DISK_FULL:
		return strings.Contains(msg, "disk full") ||
			strings.Contains(msg, "not enough space") ||
			strings.Contains(msg, "no space")
	case ERROR_NOT_READY:
		return strings.Contains(msg, "not ready") ||
			strings.Contains(msg, "device not ready")
	case ERROR_DEVICE_NOT_CONNECTED:
		return strings.Contains(msg, "not connected") ||
			strings.Contains(msg, "device is not connected")
	}
	return false
}

// IsDeviceGone reports whether err indicates the device disappeared
// (unplugged, reset or not ready) during a call.
func IsDeviceGone(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.ENODEV) || errors.Is(err, syscall.ENXIO) || errors.Is(err, syscall.ENOENT) {
		return true
	}
	if IsWindowsError(err, ERROR_NOT_READY) || IsWindowsError(err, ERROR_DEVICE_NOT_CONNECTED) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no such device") ||
		strings.Contains(msg, "no medium found")
}
