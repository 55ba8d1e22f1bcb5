package media

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/acme/telecalling/internal/config"
	apperrors "github.com/acme/telecalling/pkg/errors"
	"github.com/acme/telecalling/pkg/logger"
)

var (
	// ErrAlreadyAcquired is returned when Acquire is called twice without Release.
	ErrAlreadyAcquired = errors.New("media: stream already acquired")
	// ErrNotAcquired is returned by track operations when no stream is held.
	ErrNotAcquired = errors.New("media: no stream held")
)

// Constraints describe the audio-only capture request.
type Constraints struct {
	SampleRate       int
	ChannelCount     int
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

// DefaultConstraints enables every voice processing stage.
func DefaultConstraints() Constraints {
	return Constraints{
		SampleRate:       48000,
		ChannelCount:     1,
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
	}
}

// ConstraintsFromConfig maps the media config section.
func ConstraintsFromConfig(cfg config.MediaConfig) Constraints {
	c := Constraints{
		SampleRate:       cfg.SampleRate,
		ChannelCount:     cfg.ChannelCount,
		EchoCancellation: cfg.EchoCancellation,
		NoiseSuppression: cfg.NoiseSuppression,
		AutoGainControl:  cfg.AutoGainControl,
	}
	if c.SampleRate <= 0 {
		c.SampleRate = 48000
	}
	if c.ChannelCount <= 0 {
		c.ChannelCount = 1
	}
	return c
}

// Track is one captured audio track.
type Track interface {
	ID() string
	Enabled() bool
	SetEnabled(enabled bool)
	Stop() error
}

// Capturer opens the microphone. Implementations return ErrPermissionDenied
// (wrapped) when the platform refuses access or no device exists.
type Capturer interface {
	Capture(ctx context.Context, c Constraints) ([]Track, error)
}

// NewCapturer picks the capturer named by the media config.
func NewCapturer(cfg config.MediaConfig) Capturer {
	if cfg.Driver == "silent" {
		return SilentCapturer{}
	}
	return NewDeviceCapturer()
}

// Guard owns the exclusive microphone stream of one call service. Whoever
// calls Acquire must call Release on every exit path.
type Guard struct {
	capturer    Capturer
	constraints Constraints
	logger      *logger.Logger

	mu     sync.Mutex
	tracks []Track
}

// NewGuard builds a guard over the given capturer.
func NewGuard(capturer Capturer, constraints Constraints, lg *logger.Logger) *Guard {
	if lg == nil {
		lg = logger.NewNop()
	}
	return &Guard{
		capturer:    capturer,
		constraints: constraints,
		logger:      lg.Named("media"),
	}
}

// Acquire opens an audio-only stream.
func (g *Guard) Acquire(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.tracks != nil {
		return ErrAlreadyAcquired
	}

	tracks, err := g.capturer.Capture(ctx, g.constraints)
	if err != nil {
		if !errors.Is(err, apperrors.ErrPermissionDenied) {
			err = fmt.Errorf("%w: %v", apperrors.ErrPermissionDenied, err)
		}
		return fmt.Errorf("media: acquire: %w", err)
	}
	if len(tracks) == 0 {
		return fmt.Errorf("media: acquire: %w: no audio track", apperrors.ErrPermissionDenied)
	}

	g.tracks = tracks
	g.logger.Debug("microphone acquired", zap.Int("tracks", len(tracks)), zap.String("track_id", tracks[0].ID()))
	return nil
}

// Release stops every held track. It is a no-op when nothing is held.
func (g *Guard) Release() {
	g.mu.Lock()
	tracks := g.tracks
	g.tracks = nil
	g.mu.Unlock()

	for _, t := range tracks {
		if err := t.Stop(); err != nil {
			g.logger.Warn("stop track", zap.String("track_id", t.ID()), zap.Error(err))
		}
	}
	if len(tracks) > 0 {
		g.logger.Debug("microphone released", zap.Int("tracks", len(tracks)))
	}
}

// Verify checks that the microphone can be opened, then releases it.
func (g *Guard) Verify(ctx context.Context) error {
	if err := g.Acquire(ctx); err != nil {
		return err
	}
	g.Release()
	return nil
}

// Held reports whether a stream is currently acquired.
func (g *Guard) Held() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.tracks != nil
}

// IsMuted reports whether the primary audio track is disabled.
func (g *Guard) IsMuted() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.tracks) == 0 {
		return false
	}
	return !g.tracks[0].Enabled()
}

// ToggleMute flips the primary track and returns the new muted state.
func (g *Guard) ToggleMute() (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.tracks) == 0 {
		return false, ErrNotAcquired
	}
	primary := g.tracks[0]
	primary.SetEnabled(!primary.Enabled())
	return !primary.Enabled(), nil
}
