package task

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/gifmark/internal/model"
)

// service defines the interface for running submitted tasks.
type service interface {
	Process(ctx context.Context, id uuid.UUID) (model.Task, error)
}

// SubmittedHandler handles Kafka messages for newly submitted tasks.
type SubmittedHandler struct {
	service service
}

// NewSubmittedHandler creates a new handler with the given service.
func NewSubmittedHandler(s service) *SubmittedHandler {
	return &SubmittedHandler{service: s}
}

// Handle unmarshals the task carried by msg and runs it to completion.
func (h *SubmittedHandler) Handle(ctx context.Context, msg kafka.Message) error {
	var t model.Task
	if err := json.Unmarshal(msg.Value, &t); err != nil {
		return fmt.Errorf("unmarshal task: %w", err)
	}
	if t.ID == uuid.Nil {
		return fmt.Errorf("task message without id")
	}

	done, err := h.service.Process(ctx, t.ID)
	if err != nil {
		return fmt.Errorf("process task %s: %w", t.ID, err)
	}

	zlog.Logger.Info().
		Str("task", done.ID.String()).
		Str("status", string(done.Status)).
		Msg("task processed")

	return nil
}
