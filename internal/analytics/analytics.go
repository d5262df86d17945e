// Package analytics computes read-only views over the reviewed corpus:
// confidence calibration, drift between time windows, per-reason-type
// performance, and the prioritized ready queue.
package analytics

import (
	"log/slog"
	"time"

	"github.com/tfatykhov/cognition-agent-decisions-sub000/internal/store"
)

// Engine runs every analytics computation. All methods are side-effect
// free reads over the store.
type Engine struct {
	store  store.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewEngine creates an analytics engine.
func NewEngine(st store.Store, logger *slog.Logger) *Engine {
	return &Engine{store: st, logger: logger, now: time.Now}
}
