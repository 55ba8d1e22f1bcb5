//go:build !cgo

package media

import (
	"context"
	"fmt"

	apperrors "github.com/acme/telecalling/pkg/errors"
)

type unsupportedCapturer struct{}

// NewDeviceCapturer returns a capturer that always refuses: microphone
// drivers need cgo.
func NewDeviceCapturer() Capturer {
	return unsupportedCapturer{}
}

func (unsupportedCapturer) Capture(context.Context, Constraints) ([]Track, error) {
	return nil, fmt.Errorf("%w: microphone capture requires a cgo build", apperrors.ErrPermissionDenied)
}
