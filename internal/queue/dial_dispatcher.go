package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	apperrors "github.com/acme/telecalling/pkg/errors"
)

// DialDispatcher publishes click-to-call commands. Messages are keyed by
// agent so one agent's commands stay ordered.
type DialDispatcher struct {
	writer MessageWriter
	now    func() time.Time
}

// NewDialDispatcher constructs a dispatcher for the given topic.
func NewDialDispatcher(k *Kafka, topic string) *DialDispatcher {
	return newDialDispatcher(k.NewWriter(topic))
}

func newDialDispatcher(w MessageWriter) *DialDispatcher {
	return &DialDispatcher{writer: w, now: time.Now}
}

// Dispatch validates and writes the command. It fills RequestID and
// RequestedAt when unset and returns the command as written.
func (d *DialDispatcher) Dispatch(ctx context.Context, cmd DialCommand) (DialCommand, error) {
	if cmd.AgentID == "" {
		return cmd, fmt.Errorf("dial dispatcher: %w: agent id is required", apperrors.ErrValidation)
	}
	opts, err := cmd.Options().Normalize()
	if err != nil {
		return cmd, fmt.Errorf("dial dispatcher: %w", err)
	}
	cmd.To, cmd.From, cmd.CallType = opts.To, opts.From, opts.CallType
	if cmd.RequestID == "" {
		cmd.RequestID = uuid.NewString()
	}
	if cmd.RequestedAt.IsZero() {
		cmd.RequestedAt = d.now().UTC()
	}

	value, err := json.Marshal(cmd)
	if err != nil {
		return cmd, fmt.Errorf("dial dispatcher: marshal message: %w", err)
	}

	record := kafka.Message{
		Key:   []byte(cmd.AgentID),
		Value: value,
		Time:  cmd.RequestedAt,
	}
	if err := d.writer.WriteMessages(ctx, record); err != nil {
		return cmd, fmt.Errorf("dial dispatcher: write message: %w", err)
	}
	return cmd, nil
}

// Close closes the underlying writer.
func (d *DialDispatcher) Close() error {
	return d.writer.Close()
}
