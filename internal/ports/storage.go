package ports

import (
	"context"

	"github.com/alejandrodnm/perpx/internal/domain"
)

// PipelineRecorder persists finished pipeline runs.
type PipelineRecorder interface {
	// RecordPipeline stores a pipeline in a terminal state (Success, Failed or Reset).
	RecordPipeline(ctx context.Context, p domain.Pipeline) error
}

// PositionStorage is the local position journal.
type PositionStorage interface {
	SavePosition(ctx context.Context, p domain.Position) error
	DeletePosition(ctx context.Context, id string) error
	GetPositions(ctx context.Context) ([]domain.Position, error)
}
