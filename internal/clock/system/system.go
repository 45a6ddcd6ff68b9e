// Package system supplies the wall clock behind catalog.Clock. Claims, run
// transitions, history rows and refresh state are all stamped through it so
// tests can substitute a fixed clock.
package system

import (
	"time"

	"github.com/vestiaro/catalog-pipeline/internal/catalog"
)

// Clock reads the wall clock.
type Clock struct{}

var _ catalog.Clock = Clock{}

// New creates a Clock.
func New() Clock {
	return Clock{}
}

// Now returns the current time in UTC. Persisted timestamps are always UTC;
// the conversion happens here rather than at every call site.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
