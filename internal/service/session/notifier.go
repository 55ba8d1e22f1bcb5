package session

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/acme/telecalling/internal/domain"
	"github.com/acme/telecalling/internal/telemetry"
	apperrors "github.com/acme/telecalling/pkg/errors"
	"github.com/acme/telecalling/pkg/logger"
)

// Observer receives every status broadcast by a session service.
type Observer interface {
	OnStatus(status domain.CallStatus) error
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(status domain.CallStatus) error

func (f ObserverFunc) OnStatus(status domain.CallStatus) error { return f(status) }

// SubscriptionID identifies one registration.
type SubscriptionID uint64

type subscription struct {
	id       SubscriptionID
	observer Observer
}

// Notifier is an ordered observer registry. A failing observer is logged and
// skipped; the rest still receive the status.
type Notifier struct {
	logger  *logger.Logger
	metrics *telemetry.Metrics

	mu   sync.RWMutex
	next SubscriptionID
	subs []subscription
}

// NewNotifier constructs an empty registry.
func NewNotifier(lg *logger.Logger, metrics *telemetry.Metrics) *Notifier {
	if lg == nil {
		lg = logger.NewNop()
	}
	return &Notifier{logger: lg.Named("notifier"), metrics: metrics}
}

// Subscribe registers o and returns the id to unsubscribe it with.
func (n *Notifier) Subscribe(o Observer) SubscriptionID {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.next++
	n.subs = append(n.subs, subscription{id: n.next, observer: o})
	return n.next
}

// Unsubscribe removes a registration. It reports whether id was registered.
func (n *Notifier) Unsubscribe(id SubscriptionID) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	for i, s := range n.subs {
		if s.id == id {
			n.subs = append(n.subs[:i:i], n.subs[i+1:]...)
			return true
		}
	}
	return false
}

// Clear drops every registration.
func (n *Notifier) Clear() {
	n.mu.Lock()
	n.subs = nil
	n.mu.Unlock()
}

// Len returns the number of registered observers.
func (n *Notifier) Len() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.subs)
}

// Notify delivers status to every observer in registration order.
func (n *Notifier) Notify(status domain.CallStatus) {
	n.mu.RLock()
	subs := make([]subscription, len(n.subs))
	copy(subs, n.subs)
	n.mu.RUnlock()

	n.metrics.StatusBroadcast(string(status.Status))
	for _, s := range subs {
		if err := n.deliver(s, status); err != nil {
			n.metrics.ObserverFailed()
			n.logger.Error("status observer failed",
				zap.Uint64("subscription", uint64(s.id)),
				zap.String("status", string(status.Status)),
				zap.Error(err),
			)
		}
	}
}

func (n *Notifier) deliver(s subscription, status domain.CallStatus) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", apperrors.ErrObserverFailure, r)
		}
	}()
	if err := s.observer.OnStatus(status); err != nil {
		return fmt.Errorf("%w: %w", apperrors.ErrObserverFailure, err)
	}
	return nil
}
