package vendorsdk

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/telecalling/internal/backend"
	"github.com/acme/telecalling/internal/domain"
	apperrors "github.com/acme/telecalling/pkg/errors"
)

type fakeSDK struct {
	mu          sync.Mutex
	registerErr error
	dialErr     error
	emit        func(SDKEvent)
	registered  domain.WebRTCConfig
	hangups     []string
	closed      bool
}

func (f *fakeSDK) Register(_ context.Context, cfg domain.WebRTCConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered = cfg
	return f.registerErr
}

func (f *fakeSDK) Dial(_ context.Context, _ backend.CallRequest, emit func(SDKEvent)) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dialErr != nil {
		return "", f.dialErr
	}
	f.emit = emit
	return "call-1", nil
}

func (f *fakeSDK) Hangup(_ context.Context, callID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hangups = append(f.hangups, callID)
	return nil
}

func (f *fakeSDK) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSDK) send(kind backend.EventKind, code int) {
	f.mu.Lock()
	emit := f.emit
	f.mu.Unlock()
	emit(SDKEvent{CallID: "call-1", Kind: kind, Code: code})
}

func loaderFor(sdk SDK) Loader {
	return func(context.Context) (SDK, error) { return sdk, nil }
}

var creds = domain.WebRTCConfig{UserID: "agent-7", SIPUsername: "7001", SIPPassword: "secret"}

func collect() (*[]backend.Event, backend.EventSink) {
	var mu sync.Mutex
	events := &[]backend.Event{}
	return events, func(ev backend.Event) {
		mu.Lock()
		*events = append(*events, ev)
		mu.Unlock()
	}
}

func TestInitializeRegisters(t *testing.T) {
	sdk := &fakeSDK{}
	b := New(loaderFor(sdk), clock.NewMock(), nil)

	require.NoError(t, b.Initialize(context.Background(), creds))
	assert.Equal(t, "7001", sdk.registered.SIPUsername)
}

func TestInitializeFailuresAreBackendUnavailable(t *testing.T) {
	cases := map[string]struct {
		load Loader
		cfg  domain.WebRTCConfig
	}{
		"loader fails": {
			load: func(context.Context) (SDK, error) { return nil, errors.New("sdk missing") },
			cfg:  creds,
		},
		"register rejected": {
			load: loaderFor(&fakeSDK{registerErr: errors.New("403 Forbidden")}),
			cfg:  creds,
		},
		"no sip username": {
			load: loaderFor(&fakeSDK{}),
			cfg:  domain.WebRTCConfig{UserID: "agent-7"},
		},
		"no loader": {
			cfg: creds,
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			b := New(tc.load, clock.NewMock(), nil)
			err := b.Initialize(context.Background(), tc.cfg)
			require.Error(t, err)
			assert.ErrorIs(t, err, apperrors.ErrBackendUnavailable)
		})
	}
}

func TestTranslatesSDKEvents(t *testing.T) {
	sdk := &fakeSDK{}
	b := New(loaderFor(sdk), clock.NewMock(), nil)
	require.NoError(t, b.Initialize(context.Background(), creds))

	events, sink := collect()
	h, err := b.MakeCall(context.Background(), backend.CallRequest{SessionID: "s1", Options: domain.CallOptions{To: "+911234567890"}}, sink)
	require.NoError(t, err)
	assert.Equal(t, "call-1", h.CallID)
	assert.True(t, b.IsCallActive())

	sdk.send(backend.EventRinging, 180)
	sdk.send(backend.EventAnswered, 200)
	sdk.send(backend.EventEnded, 200)

	require.Len(t, *events, 3)
	for _, ev := range *events {
		assert.Equal(t, "s1", ev.SessionID)
		assert.Equal(t, "call-1", ev.CallID)
	}
	assert.Equal(t, backend.EventEnded, (*events)[2].Kind)
	assert.False(t, b.IsCallActive())

	sdk.send(backend.EventAnswered, 200)
	assert.Len(t, *events, 3)
}

func TestFailedEventCarriesInitiationError(t *testing.T) {
	sdk := &fakeSDK{}
	b := New(loaderFor(sdk), clock.NewMock(), nil)
	require.NoError(t, b.Initialize(context.Background(), creds))

	events, sink := collect()
	_, err := b.MakeCall(context.Background(), backend.CallRequest{SessionID: "s1"}, sink)
	require.NoError(t, err)

	sdk.send(backend.EventFailed, 503)
	require.Len(t, *events, 1)
	assert.ErrorIs(t, (*events)[0].Err, apperrors.ErrCallInitiationFailed)
	assert.False(t, b.IsCallActive())
}

func TestEndCallHangsUpAndDropsLateEvents(t *testing.T) {
	sdk := &fakeSDK{}
	b := New(loaderFor(sdk), clock.NewMock(), nil)
	require.NoError(t, b.Initialize(context.Background(), creds))

	events, sink := collect()
	h, err := b.MakeCall(context.Background(), backend.CallRequest{SessionID: "s1"}, sink)
	require.NoError(t, err)

	require.NoError(t, b.EndCall(context.Background(), h))
	assert.Equal(t, []string{"call-1"}, sdk.hangups)
	assert.False(t, b.IsCallActive())

	sdk.send(backend.EventRinging, 180)
	assert.Empty(t, *events)

	require.NoError(t, b.EndCall(context.Background(), h))
	assert.Len(t, sdk.hangups, 1)
}

func TestDialErrorIsInitiationFailure(t *testing.T) {
	sdk := &fakeSDK{dialErr: errors.New("transport down")}
	b := New(loaderFor(sdk), clock.NewMock(), nil)
	require.NoError(t, b.Initialize(context.Background(), creds))

	_, err := b.MakeCall(context.Background(), backend.CallRequest{SessionID: "s1"}, func(backend.Event) {})
	assert.ErrorIs(t, err, apperrors.ErrCallInitiationFailed)
	assert.False(t, b.IsCallActive())
}

func TestMakeCallBeforeInitialize(t *testing.T) {
	b := New(loaderFor(&fakeSDK{}), clock.NewMock(), nil)
	_, err := b.MakeCall(context.Background(), backend.CallRequest{SessionID: "s1"}, func(backend.Event) {})
	assert.ErrorIs(t, err, apperrors.ErrNotInitialized)
}

func TestCloseClosesSDK(t *testing.T) {
	sdk := &fakeSDK{}
	b := New(loaderFor(sdk), clock.NewMock(), nil)
	require.NoError(t, b.Initialize(context.Background(), creds))

	require.NoError(t, b.Close())
	assert.True(t, sdk.closed)
	require.NoError(t, b.Close())
}

// slowSDK blocks Dial until release is closed.
type slowSDK struct {
	fakeSDK
	dialing chan struct{}
	release chan struct{}
}

func (s *slowSDK) Dial(ctx context.Context, req backend.CallRequest, emit func(SDKEvent)) (string, error) {
	close(s.dialing)
	<-s.release
	return s.fakeSDK.Dial(ctx, req, emit)
}

func TestEndCallDuringDialHangsUpPlacedCall(t *testing.T) {
	sdk := &slowSDK{dialing: make(chan struct{}), release: make(chan struct{})}
	b := New(loaderFor(sdk), clock.NewMock(), nil)
	require.NoError(t, b.Initialize(context.Background(), creds))

	_, sink := collect()
	type result struct {
		h   backend.Handle
		err error
	}
	done := make(chan result, 1)
	go func() {
		h, err := b.MakeCall(context.Background(), backend.CallRequest{SessionID: "s1"}, sink)
		done <- result{h, err}
	}()

	<-sdk.dialing
	require.NoError(t, b.EndCall(context.Background(), backend.Handle{SessionID: "s1"}))
	close(sdk.release)

	res := <-done
	assert.ErrorIs(t, res.err, backend.ErrEndedWhileDialing)
	assert.Empty(t, res.h.CallID)
	assert.False(t, b.IsCallActive())

	sdk.mu.Lock()
	defer sdk.mu.Unlock()
	assert.Equal(t, []string{"call-1"}, sdk.hangups)
}
