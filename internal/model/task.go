package model

import (
	"time"

	"github.com/google/uuid"
)

// TaskStatus is the lifecycle state of a watermarking task.
type TaskStatus string

const (
	StatusPending     TaskStatus = "pending"
	StatusDecoding    TaskStatus = "decoding"
	StatusSampling    TaskStatus = "sampling"
	StatusRendering   TaskStatus = "rendering"
	StatusCompositing TaskStatus = "compositing"
	StatusEncoding    TaskStatus = "encoding"
	StatusDone        TaskStatus = "done"
	StatusFailed      TaskStatus = "failed"
	StatusCancelled   TaskStatus = "cancelled"
)

var statusOrder = map[TaskStatus]int{
	StatusPending:     0,
	StatusDecoding:    1,
	StatusSampling:    2,
	StatusRendering:   3,
	StatusCompositing: 4,
	StatusEncoding:    5,
	StatusDone:        6,
	StatusFailed:      6,
	StatusCancelled:   6,
}

// Terminal reports whether no further transition is allowed.
func (s TaskStatus) Terminal() bool {
	return s == StatusDone || s == StatusFailed || s == StatusCancelled
}

// Known reports whether s is one of the defined statuses.
func (s TaskStatus) Known() bool {
	_, ok := statusOrder[s]
	return ok
}

// CanTransition reports whether a task in status s may move to next.
// Statuses only move forward; failed and cancelled are reachable from any
// non-terminal status.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	if s.Terminal() || !next.Known() {
		return false
	}
	if next == StatusFailed || next == StatusCancelled {
		return true
	}
	return statusOrder[next] > statusOrder[s]
}

// Task is a persisted watermarking job.
type Task struct {
	ID         uuid.UUID     `json:"id"`
	Filename   string        `json:"filename"`
	SourcePath string        `json:"source_path"`
	MarkPath   string        `json:"mark_path,omitempty"`
	ResultPath string        `json:"result_path,omitempty"`
	Spec       WatermarkSpec `json:"spec"`
	Status     TaskStatus    `json:"status"`
	Progress   float64       `json:"progress"`
	Error      string        `json:"error,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
}
