package queue

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vestiaro/catalog-pipeline/internal/catalog"
)

func TestMemoryRecordsAndFansOut(t *testing.T) {
	t.Parallel()

	q := NewMemory(4)
	items := []catalog.QueuedItem{
		{ID: uuid.New(), URL: "https://x.test/products/a"},
		{ID: uuid.New(), URL: "https://x.test/products/b"},
	}
	require.NoError(t, q.EnqueueItems(context.Background(), items))

	assert.True(t, q.Enabled())
	assert.Equal(t, items, q.Items())

	got := []catalog.QueuedItem{<-q.C(), <-q.C()}
	assert.Equal(t, items, got)
}

func TestMemoryDropsOnOverflow(t *testing.T) {
	t.Parallel()

	q := NewMemory(1)
	items := []catalog.QueuedItem{
		{ID: uuid.New(), URL: "https://x.test/products/a"},
		{ID: uuid.New(), URL: "https://x.test/products/b"},
	}
	require.NoError(t, q.EnqueueItems(context.Background(), items))

	// The record keeps everything; the channel only holds what fits.
	assert.Len(t, q.Items(), 2)
	assert.Equal(t, items[0], <-q.C())
	select {
	case item := <-q.C():
		t.Fatalf("unexpected item %v on overflowed channel", item)
	default:
	}
}

func TestMemoryCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	q := NewMemory(1)
	require.NoError(t, q.Close())
	require.NoError(t, q.Close())

	// Enqueue after close is a quiet no-op.
	require.NoError(t, q.EnqueueItems(context.Background(), []catalog.QueuedItem{{ID: uuid.New()}}))
	assert.Empty(t, q.Items())

	_, open := <-q.C()
	assert.False(t, open)
}

func TestNoOpQueueDisabled(t *testing.T) {
	t.Parallel()

	q := NewNoOp()
	assert.False(t, q.Enabled())
	require.NoError(t, q.EnqueueItems(context.Background(), []catalog.QueuedItem{{ID: uuid.New()}}))
	require.NoError(t, q.Close())

	e := NewNoOpEnrichment()
	require.NoError(t, e.EnqueueBrandProducts(context.Background(), uuid.New(), []uuid.UUID{uuid.New()}))
}
