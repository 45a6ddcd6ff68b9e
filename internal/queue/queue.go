// Package queue bridges the pipeline to the external job queue. The queue is
// at-least-once: messages can be duplicated or lost, and the stale/stuck item
// resets compensate. Nothing here dedupes.
package queue

import (
	"context"

	"github.com/google/uuid"

	"github.com/vestiaro/catalog-pipeline/internal/catalog"
)

// NoOp is the disabled-queue provider. Drain mode and tests run without an
// external queue at all.
type NoOp struct{}

var _ catalog.Queue = (*NoOp)(nil)

// NewNoOp creates a NoOp queue.
func NewNoOp() *NoOp { return &NoOp{} }

// EnqueueItems drops the items.
func (*NoOp) EnqueueItems(context.Context, []catalog.QueuedItem) error { return nil }

// Enabled reports false; callers skip enqueue bookkeeping entirely.
func (*NoOp) Enabled() bool { return false }

// Close is a no-op.
func (*NoOp) Close() error { return nil }

// NoOpEnrichment is the disabled enrichment handoff.
type NoOpEnrichment struct{}

var _ catalog.EnrichmentQueue = (*NoOpEnrichment)(nil)

// NewNoOpEnrichment creates a NoOpEnrichment.
func NewNoOpEnrichment() *NoOpEnrichment { return &NoOpEnrichment{} }

// EnqueueBrandProducts drops the handoff.
func (*NoOpEnrichment) EnqueueBrandProducts(context.Context, uuid.UUID, []uuid.UUID) error {
	return nil
}
