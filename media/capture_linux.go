//go:build linux

package media

import (
	"fmt"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/webrtc/v4"
)

// capturer wraps pion/mediadevices microphone capture (malgo on Linux) with
// an Opus encoder. Echo cancellation, noise suppression and gain control are
// handled by the OS capture stack where available; the native driver layer
// exposes no per-track knobs for them, and capture proceeds either way.
type capturer struct {
	selector *mediadevices.CodecSelector
}

func newCapturer() (*capturer, error) {
	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}
	return &capturer{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

// populate registers the selector's codecs on the media engine. Must use the
// same selector later passed to GetUserMedia or track binding fails.
func (c *capturer) populate(me *webrtc.MediaEngine) error {
	c.selector.Populate(me)
	return nil
}

// open requests an audio-only stream from the default microphone.
func (c *capturer) open() ([]localTrack, error) {
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(_ *mediadevices.MediaTrackConstraints) {},
		Codec: c.selector,
	})
	if err != nil {
		return nil, classifyCaptureErr(err)
	}

	audio := stream.GetAudioTracks()
	if len(audio) == 0 {
		return nil, fmt.Errorf("%w: capture produced no audio track", ErrDeviceUnavailable)
	}
	out := make([]localTrack, 0, len(audio))
	for _, t := range audio {
		out = append(out, t)
	}
	return out, nil
}
