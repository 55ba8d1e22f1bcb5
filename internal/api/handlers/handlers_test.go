package handlers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/telecalling/internal/backend"
	"github.com/acme/telecalling/internal/backend/fallback"
	"github.com/acme/telecalling/internal/config"
	"github.com/acme/telecalling/internal/domain"
	"github.com/acme/telecalling/internal/media"
	"github.com/acme/telecalling/internal/queue"
	"github.com/acme/telecalling/internal/scheduler"
	"github.com/acme/telecalling/internal/service/session"
	apperrors "github.com/acme/telecalling/pkg/errors"
)

type deniedCapturer struct{}

func (deniedCapturer) Capture(context.Context, media.Constraints) ([]media.Track, error) {
	return nil, errors.New("NotAllowedError")
}

type fakeDispatcher struct {
	mu   sync.Mutex
	sent []queue.DialCommand
}

func (d *fakeDispatcher) Dispatch(_ context.Context, cmd queue.DialCommand) (queue.DialCommand, error) {
	if cmd.AgentID == "" || strings.TrimSpace(cmd.To) == "" {
		return queue.DialCommand{}, apperrors.ErrValidation
	}
	cmd.RequestID = "req-1"
	d.mu.Lock()
	d.sent = append(d.sent, cmd)
	d.mu.Unlock()
	return cmd, nil
}

func newService(t *testing.T, capt media.Capturer) *session.Service {
	t.Helper()
	sched := scheduler.New(clock.NewMock(), nil)
	guard := media.NewGuard(capt, media.DefaultConstraints(), nil)
	sel := backend.NewSelector(nil, fallback.New(sched, guard, config.CallConfig{}, nil), nil, nil)
	svc := session.NewService(sel, guard, sched, config.CallConfig{}, nil)
	t.Cleanup(func() {
		svc.Destroy(context.Background())
		sched.Close()
	})
	return svc
}

func newApp(deps Deps) *fiber.App {
	h := NewHandlerSet(deps)
	app := fiber.New(fiber.Config{ErrorHandler: h.ErrorHandler})
	h.Register(app)
	return app
}

func do(t *testing.T, app *fiber.App, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)

	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]any{}
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

func TestCallLifecycleOverHTTP(t *testing.T) {
	app := newApp(Deps{Calls: newService(t, media.SilentCapturer{})})

	code, body := do(t, app, http.MethodPost, "/api/v1/session/initialize", domain.WebRTCConfig{UserID: "agent-7"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["initialized"])
	assert.Equal(t, true, body["using_fallback"])
	assert.Equal(t, fallback.Name, body["backend"])

	code, body = do(t, app, http.MethodPost, "/api/v1/calls", domain.CallOptions{To: "+911234567890", CustomField: "lead-42"})
	require.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, "+911234567890", body["to"])
	assert.Equal(t, "lead-42", body["custom_field"])
	assert.Equal(t, string(domain.StatusConnecting), body["status"])

	code, _ = do(t, app, http.MethodPost, "/api/v1/calls", domain.CallOptions{To: "+919999999999"})
	assert.Equal(t, http.StatusConflict, code)

	code, body = do(t, app, http.MethodGet, "/api/v1/calls/current", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "+911234567890", body["to"])

	code, body = do(t, app, http.MethodPost, "/api/v1/calls/current/mute", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["muted"])

	code, body = do(t, app, http.MethodGet, "/api/v1/calls/current/duration", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(0), body["duration"])

	code, body = do(t, app, http.MethodDelete, "/api/v1/calls/current", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["ended"])

	code, _ = do(t, app, http.MethodGet, "/api/v1/calls/current", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, body = do(t, app, http.MethodDelete, "/api/v1/calls/current", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["ended"])
}

func TestMakeCallFailuresOverHTTP(t *testing.T) {
	app := newApp(Deps{Calls: newService(t, media.SilentCapturer{})})

	code, body := do(t, app, http.MethodPost, "/api/v1/calls", domain.CallOptions{To: "+911234567890"})
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Equal(t, "Calling is not initialized", body["error"])

	code, _ = do(t, app, http.MethodPost, "/api/v1/session/initialize", domain.WebRTCConfig{})
	assert.Equal(t, http.StatusUnprocessableEntity, code)

	code, _ = do(t, app, http.MethodPost, "/api/v1/session/initialize", domain.WebRTCConfig{UserID: "agent-7"})
	require.Equal(t, http.StatusOK, code)

	code, _ = do(t, app, http.MethodPost, "/api/v1/calls", domain.CallOptions{})
	assert.Equal(t, http.StatusUnprocessableEntity, code)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/calls", strings.NewReader("{not json"))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPermissionDeniedOverHTTP(t *testing.T) {
	app := newApp(Deps{Calls: newService(t, deniedCapturer{})})

	code, body := do(t, app, http.MethodPost, "/api/v1/session/initialize", domain.WebRTCConfig{UserID: "agent-7"})
	require.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, false, body["initialized"])

	code, body = do(t, app, http.MethodPost, "/api/v1/calls", domain.CallOptions{To: "+911234567890"})
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.NotEmpty(t, body["error"])
}

func TestDialRequests(t *testing.T) {
	svc := newService(t, media.SilentCapturer{})

	code, _ := do(t, newApp(Deps{Calls: svc}), http.MethodPost, "/api/v1/dial-requests", queue.DialCommand{To: "+911234567890"})
	assert.Equal(t, http.StatusServiceUnavailable, code)

	d := &fakeDispatcher{}
	app := newApp(Deps{Calls: svc, Dial: d, AgentID: "agent-7"})
	code, body := do(t, app, http.MethodPost, "/api/v1/dial-requests", queue.DialCommand{To: "+911234567890"})
	require.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, "agent-7", body["agent_id"])
	require.Len(t, d.sent, 1)

	code, _ = do(t, app, http.MethodPost, "/api/v1/dial-requests", queue.DialCommand{})
	assert.Equal(t, http.StatusUnprocessableEntity, code)
}

func TestHealth(t *testing.T) {
	svc := newService(t, media.SilentCapturer{})

	code, body := do(t, newApp(Deps{Calls: svc}), http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, false, body["initialized"])

	failing := func(context.Context) error { return errors.New("redis: connection refused") }
	code, body = do(t, newApp(Deps{Calls: svc, Ready: failing}), http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "degraded", body["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("telecalling_calls_started_total 1\n"))
	})
	app := newApp(Deps{Calls: newService(t, media.SilentCapturer{}), Metrics: metrics})

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/metrics", nil), -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(raw), "telecalling_calls_started_total")
}

func TestStreamObserverNeverBlocks(t *testing.T) {
	obs := streamObserver{ch: make(chan domain.CallStatus, 1)}
	require.NoError(t, obs.OnStatus(domain.CallStatus{Status: domain.StatusConnecting}))
	assert.ErrorIs(t, obs.OnStatus(domain.CallStatus{Status: domain.StatusRinging}), errSlowSubscriber)
}

func TestWriteEventFormat(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	require.NoError(t, writeEvent(w, "status", domain.CallStatus{Status: domain.StatusAnswered, Duration: 3, CallID: "s1"}))

	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "event: status\ndata: {"))
	assert.True(t, strings.HasSuffix(out, "}\n\n"))
	assert.Contains(t, out, `"duration":3`)
}

func TestTranslateError(t *testing.T) {
	cases := map[error]int{
		apperrors.ErrValidation:         http.StatusUnprocessableEntity,
		apperrors.ErrNotFound:           http.StatusNotFound,
		apperrors.ErrAlreadyInCall:      http.StatusConflict,
		apperrors.ErrPermissionDenied:   http.StatusForbidden,
		apperrors.ErrBackendUnavailable: http.StatusServiceUnavailable,
	}
	for in, want := range cases {
		var fe *fiber.Error
		require.ErrorAs(t, translateError(in), &fe)
		assert.Equal(t, want, fe.Code, in.Error())
	}
	plain := errors.New("boom")
	assert.Equal(t, plain, translateError(plain))
	assert.NoError(t, translateError(nil))
}

// refusingCalls reports a fixed reason for every call attempt.
type refusingCalls struct {
	*session.Service
	err error
}

func (c refusingCalls) StartCall(context.Context, domain.CallOptions) error { return c.err }

func TestMakeCallReportsReturnedReason(t *testing.T) {
	svc := newService(t, media.SilentCapturer{})
	req := domain.CallOptions{To: "+911234567890"}

	app := newApp(Deps{Calls: refusingCalls{Service: svc, err: fmt.Errorf("guard: %w", apperrors.ErrPermissionDenied)}})
	code, body := do(t, app, http.MethodPost, "/api/v1/calls", req)
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Equal(t, "Microphone access was denied", body["error"])

	app = newApp(Deps{Calls: refusingCalls{Service: svc, err: apperrors.ErrAlreadyInCall}})
	code, _ = do(t, app, http.MethodPost, "/api/v1/calls", req)
	assert.Equal(t, http.StatusConflict, code)
}
