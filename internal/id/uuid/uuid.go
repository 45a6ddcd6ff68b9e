// Package uuid provides ID generation helpers.
package uuid

import "github.com/google/uuid"

// Generator creates UUID v7 identifiers. Time-ordered IDs keep item rows
// roughly insertion-ordered, which drain selection relies on.
type Generator struct{}

// New creates a new Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a UUIDv7, falling back to v4 if the clock source fails.
func (Generator) NewID() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New()
	}
	return id
}
