package media

import (
	"errors"
	"fmt"
	"strings"
)

// Typed capture failures. The call layer maps these to distinct user-facing
// messages, so classification must be stable.
var (
	// ErrPermissionDenied: microphone access denied by the user or OS.
	ErrPermissionDenied = errors.New("microphone access denied")

	// ErrDeviceUnavailable: no usable audio input device.
	ErrDeviceUnavailable = errors.New("no audio input device available")

	// ErrClosed: operation on a session after Close.
	ErrClosed = errors.New("media session closed")

	// ErrConnectionFailed: ICE reached the failed state. Recoverable from
	// the user's point of view; the call stays up until explicitly ended.
	ErrConnectionFailed = errors.New("peer connection failed")
)

// classifyCaptureErr wraps a raw capture error with the matching sentinel.
// Driver layers report denial and absence as free-text errors; match on the
// phrases the malgo/driver stack actually emits.
func classifyCaptureErr(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission denied"),
		strings.Contains(msg, "access denied"),
		strings.Contains(msg, "not permitted"):
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	case strings.Contains(msg, "no such device"),
		strings.Contains(msg, "device unavailable"),
		strings.Contains(msg, "no device"),
		strings.Contains(msg, "failed to find the best driver"):
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	return fmt.Errorf("open microphone: %w", err)
}
