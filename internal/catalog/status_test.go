package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestItemStatusCanTransition(t *testing.T) {
	t.Parallel()

	allowed := []struct{ from, to ItemStatus }{
		{ItemPending, ItemQueued},
		{ItemPending, ItemInProgress},
		{ItemQueued, ItemInProgress},
		{ItemQueued, ItemPending},
		{ItemInProgress, ItemCompleted},
		{ItemInProgress, ItemFailed},
		{ItemInProgress, ItemPending},
		{ItemFailed, ItemInProgress},
		{ItemFailed, ItemPending},
	}
	for _, tt := range allowed {
		assert.True(t, tt.from.CanTransition(tt.to), "%s -> %s", tt.from, tt.to)
	}

	denied := []struct{ from, to ItemStatus }{
		{ItemPending, ItemCompleted},
		{ItemPending, ItemFailed},
		{ItemQueued, ItemCompleted},
		{ItemCompleted, ItemPending},
		{ItemCompleted, ItemInProgress},
		{ItemFailed, ItemCompleted},
		{ItemInProgress, ItemQueued},
	}
	for _, tt := range denied {
		assert.False(t, tt.from.CanTransition(tt.to), "%s -> %s", tt.from, tt.to)
	}

	// Self-transitions are never legal.
	for _, s := range []ItemStatus{ItemPending, ItemQueued, ItemInProgress, ItemFailed, ItemCompleted} {
		assert.False(t, s.CanTransition(s), "%s -> itself", s)
	}
}

func TestRunStatusCanTransition(t *testing.T) {
	t.Parallel()

	for _, to := range []RunStatus{RunPaused, RunBlocked, RunStopped, RunCompleted} {
		assert.True(t, RunProcessing.CanTransition(to), "processing -> %s", to)
	}
	for _, from := range []RunStatus{RunPaused, RunBlocked, RunStopped} {
		assert.True(t, from.CanTransition(RunProcessing), "%s -> processing", from)
		assert.False(t, from.CanTransition(RunCompleted), "%s -> completed", from)
	}
	// Completed is terminal.
	for _, to := range []RunStatus{RunProcessing, RunPaused, RunBlocked, RunStopped} {
		assert.False(t, RunCompleted.CanTransition(to), "completed -> %s", to)
	}
}

func TestRunStatusActive(t *testing.T) {
	t.Parallel()

	for _, s := range []RunStatus{RunProcessing, RunPaused, RunBlocked, RunStopped} {
		assert.True(t, s.Active(), string(s))
	}
	assert.False(t, RunCompleted.Active())
}

func TestItemClaimable(t *testing.T) {
	t.Parallel()

	for _, s := range []ItemStatus{ItemPending, ItemQueued, ItemFailed} {
		assert.True(t, Item{Status: s}.Claimable(false), string(s))
	}
	assert.False(t, Item{Status: ItemInProgress}.Claimable(false))
	assert.True(t, Item{Status: ItemInProgress}.Claimable(true))
	assert.False(t, Item{Status: ItemCompleted}.Claimable(true))
}

func TestParsePlatform(t *testing.T) {
	t.Parallel()

	assert.Equal(t, PlatformShopify, ParsePlatform("shopify"))
	assert.Equal(t, PlatformWooCommerce, ParsePlatform("woocommerce"))
	assert.Equal(t, PlatformMagento, ParsePlatform("magento"))
	assert.Equal(t, PlatformVTEX, ParsePlatform("vtex"))
	assert.Equal(t, PlatformGeneric, ParsePlatform(""))
	assert.Equal(t, PlatformGeneric, ParsePlatform("squarespace"))
}
