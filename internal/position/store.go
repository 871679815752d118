package position

import (
	"context"
	"errors"
)

var (
	ErrNotFound = errors.New("position not found")

	// ErrVersionConflict means a concurrent writer committed the expected
	// version first. The caller must reload and recompute, never overwrite.
	ErrVersionConflict = errors.New("position version conflict")

	ErrInvalidTransition = errors.New("invalid status transition")
)

// Store is the single source of truth for carry positions. AppendTransition
// is atomic: the updated position row and its transition record land
// together or not at all.
type Store interface {
	Create(ctx context.Context, pos CarryPosition) error
	Load(ctx context.Context, id string) (CarryPosition, error)
	AppendTransition(ctx context.Context, next CarryPosition, rec TransitionRecord) (CarryPosition, error)
	ListOpen(ctx context.Context) ([]CarryPosition, error)
	Transitions(ctx context.Context, id string) ([]TransitionRecord, error)
	Close() error
}
