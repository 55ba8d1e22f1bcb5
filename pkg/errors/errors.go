package errors

import "errors"

// Sentinels for domain errors.
var (
	ErrNotFound    = errors.New("not found")
	ErrValidation  = errors.New("validation error")
	ErrUnavailable = errors.New("service unavailable")

	// Call session kinds.
	ErrPermissionDenied     = errors.New("microphone permission denied")
	ErrNotInitialized       = errors.New("call service not initialized")
	ErrAlreadyInCall        = errors.New("a call is already active")
	ErrBackendUnavailable   = errors.New("call backend unavailable")
	ErrCallInitiationFailed = errors.New("call initiation failed")
	ErrObserverFailure      = errors.New("status observer failed")
	ErrHoldUnsupported      = errors.New("hold is not supported by this backend")
)

// Message returns a human readable message for a call failure. Sentinel
// kinds map to fixed wording so the UI does not render wrapped internals.
func Message(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrPermissionDenied):
		return "Microphone access was denied"
	case errors.Is(err, ErrNotInitialized):
		return "Calling is not initialized"
	case errors.Is(err, ErrCallInitiationFailed):
		return "Failed to initiate call: " + err.Error()
	default:
		return err.Error()
	}
}
