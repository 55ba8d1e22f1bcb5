//go:build cgo

package media

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/pion/mediadevices"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/prop"

	apperrors "github.com/acme/telecalling/pkg/errors"
)

// deviceCapturer captures the default microphone through pion/mediadevices
// (malgo driver). The echo, noise and gain switches are left to the OS audio
// stack; mediadevices has no processing properties for them.
type deviceCapturer struct{}

// NewDeviceCapturer returns the platform microphone capturer.
func NewDeviceCapturer() Capturer {
	return deviceCapturer{}
}

func (deviceCapturer) Capture(ctx context.Context, c Constraints) ([]Track, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(mc *mediadevices.MediaTrackConstraints) {
			mc.ChannelCount = prop.Int(c.ChannelCount)
			mc.SampleRate = prop.Int(c.SampleRate)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: get user media: %v", apperrors.ErrPermissionDenied, err)
	}

	audio := stream.GetAudioTracks()
	tracks := make([]Track, 0, len(audio))
	for _, t := range audio {
		dt := &deviceTrack{track: t}
		dt.enabled.Store(true)
		tracks = append(tracks, dt)
	}
	return tracks, nil
}

type deviceTrack struct {
	track   mediadevices.Track
	enabled atomic.Bool
}

func (t *deviceTrack) ID() string              { return t.track.ID() }
func (t *deviceTrack) Enabled() bool           { return t.enabled.Load() }
func (t *deviceTrack) SetEnabled(enabled bool) { t.enabled.Store(enabled) }
func (t *deviceTrack) Stop() error             { return t.track.Close() }
