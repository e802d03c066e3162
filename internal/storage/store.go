package storage

import (
	"context"

	"diodos/internal/model"
)

// Store defines persistence operations for finished episodes.
type Store interface {
	Init(ctx context.Context) error
	SaveEpisode(ctx context.Context, record model.EpisodeRecord) error
	GetEpisode(ctx context.Context, id string) (model.EpisodeRecord, bool, error)
	ListEpisodes(ctx context.Context, limit int) ([]model.EpisodeRecord, error)
	SaveStepTrace(ctx context.Context, episodeID string, steps []model.StepRecord) error
	GetStepTrace(ctx context.Context, episodeID string) ([]model.StepRecord, bool, error)
}

// Resetter is an optional store capability that clears all persisted data.
type Resetter interface {
	Reset(ctx context.Context) error
}
