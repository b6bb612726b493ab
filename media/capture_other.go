//go:build !linux

package media

import (
	"fmt"

	"github.com/pion/webrtc/v4"
)

// capturer on non-Linux platforms registers the default codecs but cannot
// open the microphone: pion/mediadevices capture needs platform drivers
// that are only wired up for Linux here. Open reports the device as
// unavailable; the call layer surfaces that as a typed capture failure.
type capturer struct{}

func newCapturer() (*capturer, error) { return &capturer{}, nil }

func (c *capturer) populate(me *webrtc.MediaEngine) error {
	return me.RegisterDefaultCodecs()
}

func (c *capturer) open() ([]localTrack, error) {
	return nil, fmt.Errorf("%w: native capture not supported on this platform", ErrDeviceUnavailable)
}
