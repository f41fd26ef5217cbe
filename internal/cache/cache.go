package cache

import (
	"context"
	"time"
)

// ResultCache records completed call placements so recent outcomes survive
// outside the primary store. Optional; a nil cache disables it.
type ResultCache interface {
	StoreResult(ctx context.Context, reminderID, providerRef string, completedAt time.Time) error
}
