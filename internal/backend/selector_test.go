package backend

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/telecalling/internal/domain"
	"github.com/acme/telecalling/internal/telemetry"
	apperrors "github.com/acme/telecalling/pkg/errors"
)

type stubAdapter struct {
	name    string
	initErr error
	inits   int
	closes  int
}

func (s *stubAdapter) Name() string { return s.name }
func (s *stubAdapter) Initialize(context.Context, domain.WebRTCConfig) error {
	s.inits++
	return s.initErr
}
func (s *stubAdapter) MakeCall(context.Context, CallRequest, EventSink) (Handle, error) {
	return Handle{}, nil
}
func (s *stubAdapter) EndCall(context.Context, Handle) error { return nil }
func (s *stubAdapter) SetMuted(Handle, bool) error           { return nil }
func (s *stubAdapter) ToggleHold(Handle) (bool, error)       { return false, nil }
func (s *stubAdapter) IsCallActive() bool                    { return false }
func (s *stubAdapter) Close() error {
	s.closes++
	return nil
}

func TestSelectPrefersVendor(t *testing.T) {
	vendor := &stubAdapter{name: "vendor"}
	fallback := &stubAdapter{name: "fallback"}
	sel := NewSelector(vendor, fallback, nil, nil)

	got, err := sel.Select(context.Background(), domain.WebRTCConfig{UserID: "u"})
	require.NoError(t, err)
	assert.Same(t, vendor, got)
	assert.False(t, sel.UsingFallback())
	assert.Zero(t, fallback.inits)
}

func TestSelectFallsBackOnVendorFailure(t *testing.T) {
	vendor := &stubAdapter{name: "vendor", initErr: apperrors.ErrBackendUnavailable}
	fallback := &stubAdapter{name: "fallback"}
	sel := NewSelector(vendor, fallback, nil, telemetry.NewMetrics())

	got, err := sel.Select(context.Background(), domain.WebRTCConfig{UserID: "u"})
	require.NoError(t, err)
	assert.Same(t, fallback, got)
	assert.True(t, sel.UsingFallback())
	assert.Equal(t, 1, vendor.closes)
}

func TestSelectWithVendorDisabled(t *testing.T) {
	fallback := &stubAdapter{name: "fallback"}
	sel := NewSelector(nil, fallback, nil, nil)

	got, err := sel.Select(context.Background(), domain.WebRTCConfig{UserID: "u"})
	require.NoError(t, err)
	assert.Same(t, fallback, got)
	assert.True(t, sel.UsingFallback())
}

func TestSelectFailsWhenFallbackFails(t *testing.T) {
	denied := errors.Join(apperrors.ErrPermissionDenied, errors.New("no device"))
	sel := NewSelector(nil, &stubAdapter{name: "fallback", initErr: denied}, nil, nil)

	_, err := sel.Select(context.Background(), domain.WebRTCConfig{UserID: "u"})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrPermissionDenied)
	assert.False(t, sel.UsingFallback())
}

func TestEventKindStatus(t *testing.T) {
	st, ok := EventAnswered.Status()
	assert.True(t, ok)
	assert.Equal(t, domain.StatusAnswered, st)

	_, ok = EventInitiated.Status()
	assert.False(t, ok)
}
