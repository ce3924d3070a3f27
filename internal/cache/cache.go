package cache

import (
	"context"

	"github.com/google/uuid"
)

// TagSource is the authoritative event tag lookup the cache sits in front of.
type TagSource interface {
	EventTag(ctx context.Context, eventID uuid.UUID) (string, error)
}
