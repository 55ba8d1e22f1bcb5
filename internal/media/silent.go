package media

import (
	"context"
	"sync/atomic"

	"github.com/google/uuid"
)

// SilentCapturer hands out a synthetic track. Used on headless agents and
// in load tests where no sound card exists.
type SilentCapturer struct{}

func (SilentCapturer) Capture(ctx context.Context, _ Constraints) ([]Track, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t := &silentTrack{id: "silent-" + uuid.NewString()}
	t.enabled.Store(true)
	return []Track{t}, nil
}

type silentTrack struct {
	id      string
	enabled atomic.Bool
	stopped atomic.Bool
}

func (t *silentTrack) ID() string              { return t.id }
func (t *silentTrack) Enabled() bool           { return t.enabled.Load() }
func (t *silentTrack) SetEnabled(enabled bool) { t.enabled.Store(enabled) }

func (t *silentTrack) Stop() error {
	t.stopped.Store(true)
	return nil
}
