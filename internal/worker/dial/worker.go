package dial

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/telecalling/internal/app"
	"github.com/acme/telecalling/internal/domain"
	"github.com/acme/telecalling/internal/queue"
	"github.com/acme/telecalling/pkg/logger"
)

// Caller places a call on the local session.
type Caller interface {
	MakeCall(ctx context.Context, opts domain.CallOptions) bool
}

// Worker consumes click-to-call commands addressed to this agent and places
// them on the local session.
type Worker struct {
	reader  queue.MessageReader
	caller  Caller
	agentID string
	maxAge  time.Duration
	clock   clock.Clock
	logger  *logger.Logger
	tracer  trace.Tracer
}

// New creates a dial worker reading the container's dial topic. Every agent
// process uses its own consumer group so each one sees every command and keeps
// those addressed to it.
func New(container *app.Container) *Worker {
	cfg := container.Config
	groupID := fmt.Sprintf("%s-dial-%s", cfg.Kafka.ConsumerGroupID, cfg.Call.AgentID)
	reader := container.Kafka.NewReader(cfg.Kafka.DialTopic, groupID, kafka.LastOffset)
	return newWorker(reader, container.Calls().Session, cfg.Call.AgentID, cfg.Kafka.DialMaxAge, clock.New(), container.Logger)
}

func newWorker(reader queue.MessageReader, caller Caller, agentID string, maxAge time.Duration, clk clock.Clock, lg *logger.Logger) *Worker {
	if lg == nil {
		lg = logger.NewNop()
	}
	return &Worker{
		reader:  reader,
		caller:  caller,
		agentID: agentID,
		maxAge:  maxAge,
		clock:   clk,
		logger:  lg.Named("dial_worker"),
		tracer:  otel.Tracer("telecalling.dialworker"),
	}
}

// Run processes dial commands until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	defer w.reader.Close()

	for {
		msg, err := w.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Error("dial worker: fetch", zap.Error(err))
			continue
		}

		w.process(ctx, msg)

		if err := w.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Error("dial worker: commit", zap.Error(err))
		}
	}
}

func (w *Worker) process(ctx context.Context, msg kafka.Message) {
	var cmd queue.DialCommand
	if err := json.Unmarshal(msg.Value, &cmd); err != nil {
		w.logger.Error("dial worker: unmarshal", zap.Int64("offset", msg.Offset), zap.Error(err))
		return
	}
	if cmd.AgentID != w.agentID {
		return
	}

	sctx, span := w.tracer.Start(ctx, "call.dial_request", trace.WithAttributes(
		attribute.String("request.id", cmd.RequestID),
		attribute.String("agent.id", cmd.AgentID),
	))
	defer span.End()
	lg := w.logger.WithContext(sctx).With(zap.String("request_id", cmd.RequestID), zap.String("to", cmd.To))

	if cmd.Expired(w.clock.Now(), w.maxAge) {
		span.SetAttributes(attribute.Bool("expired", true))
		lg.Warn("dial worker: skipping stale command", zap.Time("requested_at", cmd.RequestedAt))
		return
	}

	placed := w.caller.MakeCall(sctx, cmd.Options())
	span.SetAttributes(attribute.Bool("placed", placed))
	if !placed {
		lg.Warn("dial worker: call not placed")
		return
	}
	lg.Info("dial worker: call placed")
}
