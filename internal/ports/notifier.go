package ports

import "context"

// PositionsNotifier is told once when a pipeline opened a new position.
type PositionsNotifier interface {
	NotifyPositionsChanged(ctx context.Context)
}
