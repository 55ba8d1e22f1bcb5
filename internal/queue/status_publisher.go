package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/telecalling/internal/domain"
	"github.com/acme/telecalling/internal/telemetry"
	"github.com/acme/telecalling/pkg/logger"
)

// CallInfoFunc returns the active call, if any.
type CallInfoFunc func() (domain.CallInfo, bool)

type sessionState struct {
	seq  int64
	info domain.CallInfo
}

// StatusPublisher is a status observer that forwards every status to Kafka.
// OnStatus only buffers; Run does the writing so a slow broker never blocks
// the call session.
type StatusPublisher struct {
	writer  MessageWriter
	agentID string
	lookup  CallInfoFunc
	metrics *telemetry.Metrics
	logger  *logger.Logger
	tracer  trace.Tracer

	buf chan StatusMessage

	mu       sync.Mutex
	sessions map[string]*sessionState
}

// NewStatusPublisher constructs a status publisher for the given topic.
func NewStatusPublisher(k *Kafka, topic, agentID string, lookup CallInfoFunc, metrics *telemetry.Metrics, lg *logger.Logger) *StatusPublisher {
	return newStatusPublisher(k.NewWriter(topic), k.cfg.StatusBuffer, agentID, lookup, metrics, lg)
}

func newStatusPublisher(w MessageWriter, size int, agentID string, lookup CallInfoFunc, metrics *telemetry.Metrics, lg *logger.Logger) *StatusPublisher {
	if size <= 0 {
		size = 256
	}
	if lg == nil {
		lg = logger.NewNop()
	}
	return &StatusPublisher{
		writer:   w,
		agentID:  agentID,
		lookup:   lookup,
		metrics:  metrics,
		logger:   lg.Named("status_publisher"),
		tracer:   otel.Tracer("telecalling.status_publisher"),
		buf:      make(chan StatusMessage, size),
		sessions: make(map[string]*sessionState),
	}
}

// OnStatus buffers st for publishing. Statuses that belong to no session are
// skipped.
func (p *StatusPublisher) OnStatus(st domain.CallStatus) error {
	if st.CallID == "" {
		return nil
	}
	msg := p.message(st)
	select {
	case p.buf <- msg:
		return nil
	default:
		p.metrics.PublishDropped()
		return fmt.Errorf("status publisher: buffer full, dropped %s for session %s", st.Status, st.CallID)
	}
}

func (p *StatusPublisher) message(st domain.CallStatus) StatusMessage {
	p.mu.Lock()
	defer p.mu.Unlock()

	state, ok := p.sessions[st.CallID]
	if !ok {
		state = &sessionState{}
		if p.lookup != nil {
			if info, found := p.lookup(); found && info.ID == st.CallID {
				state.info = info
			}
		}
		p.sessions[st.CallID] = state
	}
	state.seq++
	if st.Status.Terminal() {
		delete(p.sessions, st.CallID)
	}

	at := st.OccurredAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return StatusMessage{
		SessionID:   st.CallID,
		Seq:         state.seq,
		AgentID:     p.agentID,
		Status:      st.Status,
		Duration:    st.Duration,
		Error:       st.Error,
		CustomField: st.CustomField,
		To:          state.info.To,
		From:        state.info.From,
		CallType:    state.info.CallType,
		Backend:     state.info.Backend,
		OccurredAt:  at,
	}
}

// Run writes buffered statuses until ctx is cancelled, then flushes what is
// left within a short grace period.
func (p *StatusPublisher) Run(ctx context.Context) error {
	for {
		select {
		case msg := <-p.buf:
			p.publish(ctx, msg)
		case <-ctx.Done():
			return p.drain()
		}
	}
}

func (p *StatusPublisher) drain() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case msg := <-p.buf:
			p.publish(ctx, msg)
		default:
			return nil
		}
	}
}

func (p *StatusPublisher) publish(ctx context.Context, msg StatusMessage) {
	ctx, span := p.tracer.Start(ctx, "status.publish", trace.WithAttributes(
		attribute.String("session.id", msg.SessionID),
		attribute.String("status", string(msg.Status)),
		attribute.Int64("seq", msg.Seq),
	))
	defer span.End()

	value, err := json.Marshal(msg)
	if err != nil {
		span.RecordError(err)
		p.logger.Error("marshal status", zap.String("session_id", msg.SessionID), zap.Error(err))
		return
	}
	record := kafka.Message{
		Key:   []byte(msg.SessionID),
		Value: value,
		Time:  msg.OccurredAt,
	}
	if err := p.writer.WriteMessages(ctx, record); err != nil {
		span.RecordError(err)
		p.metrics.PublishDropped()
		p.logger.Error("publish status",
			zap.String("session_id", msg.SessionID),
			zap.String("status", string(msg.Status)),
			zap.Error(err),
		)
	}
}

// Close closes the publisher.
func (p *StatusPublisher) Close() error {
	return p.writer.Close()
}
