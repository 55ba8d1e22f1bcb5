package status

import (
	"context"
	"encoding/json"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/telecalling/internal/app"
	"github.com/acme/telecalling/internal/queue"
	"github.com/acme/telecalling/internal/repository"
	"github.com/acme/telecalling/internal/telemetry"
	"github.com/acme/telecalling/pkg/logger"
)

// Worker consumes the status stream and persists it: every status joins the
// session timeline and transitions are merged into the call log.
type Worker struct {
	reader  queue.MessageReader
	logs    repository.CallLogRepository
	events  repository.CallEventStore
	metrics *telemetry.Metrics
	logger  *logger.Logger
	tracer  trace.Tracer
}

// New creates a new status worker.
func New(container *app.Container) *Worker {
	cfg := container.Config
	groupID := cfg.Kafka.ConsumerGroupID + "-status"
	reader := container.Kafka.NewReader(cfg.Kafka.StatusTopic, groupID, kafka.FirstOffset)
	repos := container.Repositories()
	return newWorker(reader, repos.CallLogs, repos.Events, container.Metrics, container.Logger)
}

func newWorker(reader queue.MessageReader, logs repository.CallLogRepository, events repository.CallEventStore, metrics *telemetry.Metrics, lg *logger.Logger) *Worker {
	if lg == nil {
		lg = logger.NewNop()
	}
	return &Worker{
		reader:  reader,
		logs:    logs,
		events:  events,
		metrics: metrics,
		logger:  lg.Named("status_worker"),
		tracer:  otel.Tracer("telecalling.statusworker"),
	}
}

// Run processes status events until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	defer w.reader.Close()

	for {
		msg, err := w.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Error("status worker: fetch", zap.Error(err))
			continue
		}

		var status queue.StatusMessage
		if err := json.Unmarshal(msg.Value, &status); err != nil {
			w.logger.Error("status worker: unmarshal", zap.Int64("offset", msg.Offset), zap.Error(err))
			_ = w.reader.CommitMessages(ctx, msg)
			continue
		}

		sctx := w.persist(ctx, status)

		if err := w.reader.CommitMessages(sctx, msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Error("status worker: commit", zap.Error(err))
		}
	}
}

func (w *Worker) persist(ctx context.Context, status queue.StatusMessage) context.Context {
	sctx, span := w.tracer.Start(ctx, "call.status", trace.WithAttributes(
		attribute.String("session.id", status.SessionID),
		attribute.String("status", string(status.Status)),
		attribute.Int64("seq", status.Seq),
	))
	defer span.End()
	lg := w.logger.WithContext(sctx).With(zap.String("session_id", status.SessionID), zap.Int64("seq", status.Seq))

	ok := true
	if err := w.events.Append(sctx, status.Event()); err != nil {
		ok = false
		span.RecordError(err)
		lg.Error("status worker: append event", zap.Error(err))
	}

	// Duration ticks only move the timeline; the call log is rewritten on
	// transitions.
	if !status.Tick() {
		record := status.Record()
		if err := w.logs.Upsert(sctx, &record); err != nil {
			ok = false
			span.RecordError(err)
			lg.Error("status worker: upsert call log", zap.Error(err))
		}
	}

	w.metrics.EventPersisted(ok)
	return sctx
}
