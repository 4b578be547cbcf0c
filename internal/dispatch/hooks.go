package dispatch

import (
	"time"

	"github.com/google/uuid"
)

// BatchInfo identifies a batch being processed.
type BatchInfo struct {
	ID     uuid.UUID
	Tasks  int
	Worker int
}

// BatchReport is the outcome of one batch.
//
// Failed counts tasks that could not be resolved plus bulk items the backend
// rejected. Filtered entities are neither succeeded nor failed.
type BatchReport struct {
	BatchInfo
	Operations int
	Succeeded  int
	Failed     int
	Unresolved int
	Elapsed    time.Duration
}

// Hooks observes the batch lifecycle. Implementations must be safe for
// concurrent use and must not block.
type Hooks interface {
	// BeforeBatch runs on the worker before any task is resolved.
	BeforeBatch(info BatchInfo)
	// AfterBatch runs once the bulk has been submitted, not completed.
	AfterBatch(info BatchInfo)
	// BatchCompleted runs when the bulk result is known.
	BatchCompleted(report BatchReport)
	// BatchRejected runs when Dispatch drops a batch.
	BatchRejected(info BatchInfo)
}

// NopHooks ignores every event. Embed it to implement a subset of Hooks.
type NopHooks struct{}

func (NopHooks) BeforeBatch(BatchInfo)      {}
func (NopHooks) AfterBatch(BatchInfo)       {}
func (NopHooks) BatchCompleted(BatchReport) {}
func (NopHooks) BatchRejected(BatchInfo)    {}

// MultiHooks fans events out to several hooks in order.
type MultiHooks []Hooks

func (m MultiHooks) BeforeBatch(info BatchInfo) {
	for _, h := range m {
		h.BeforeBatch(info)
	}
}

func (m MultiHooks) AfterBatch(info BatchInfo) {
	for _, h := range m {
		h.AfterBatch(info)
	}
}

func (m MultiHooks) BatchCompleted(report BatchReport) {
	for _, h := range m {
		h.BatchCompleted(report)
	}
}

func (m MultiHooks) BatchRejected(info BatchInfo) {
	for _, h := range m {
		h.BatchRejected(info)
	}
}
