package backend

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/acme/telecalling/internal/domain"
	"github.com/acme/telecalling/internal/telemetry"
	apperrors "github.com/acme/telecalling/pkg/errors"
	"github.com/acme/telecalling/pkg/logger"
)

// Selector picks the backend once per initialization: the vendor backend
// when it loads, the fallback otherwise.
type Selector struct {
	vendor   Adapter
	fallback Adapter
	logger   *logger.Logger
	metrics  *telemetry.Metrics

	mu            sync.Mutex
	usingFallback bool
}

// NewSelector builds a selector. A nil vendor means vendor loading is
// disabled and always counts as a load failure.
func NewSelector(vendor, fallback Adapter, lg *logger.Logger, metrics *telemetry.Metrics) *Selector {
	if lg == nil {
		lg = logger.NewNop()
	}
	return &Selector{
		vendor:   vendor,
		fallback: fallback,
		logger:   lg.Named("backend"),
		metrics:  metrics,
	}
}

// Select initializes and returns the backend to use for cfg.
func (s *Selector) Select(ctx context.Context, cfg domain.WebRTCConfig) (Adapter, error) {
	reason := fmt.Errorf("%w: vendor backend disabled", apperrors.ErrBackendUnavailable)
	if s.vendor != nil {
		err := s.vendor.Initialize(ctx, cfg)
		if err == nil {
			s.setFallback(false)
			s.logger.Info("using vendor backend", zap.String("backend", s.vendor.Name()))
			return s.vendor, nil
		}
		reason = err
		if cerr := s.vendor.Close(); cerr != nil {
			s.logger.Debug("close vendor backend", zap.Error(cerr))
		}
	}

	if s.fallback == nil {
		return nil, fmt.Errorf("backend: select: %w", reason)
	}

	s.logger.Warn("vendor backend unavailable, downgrading to fallback",
		zap.String("backend", s.fallback.Name()),
		zap.Error(reason),
	)
	s.metrics.BackendFellBack()

	if err := s.fallback.Initialize(ctx, cfg); err != nil {
		return nil, fmt.Errorf("backend: initialize fallback: %w", err)
	}
	s.setFallback(true)
	return s.fallback, nil
}

// UsingFallback reports whether the last successful selection was the fallback.
func (s *Selector) UsingFallback() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usingFallback
}

func (s *Selector) setFallback(v bool) {
	s.mu.Lock()
	s.usingFallback = v
	s.mu.Unlock()
}
