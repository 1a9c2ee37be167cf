package domain

import "context"

type RunRequest struct {
	Subscriber string `json:"subscriber"`
	EntityType string `json:"entity_type"`
	// SampleSize of zero walks the full set.
	SampleSize int `json:"sample_size"`
	// SourceURL selects the owner's heads API; empty uses the local dispatcher.
	SourceURL string `json:"source_url,omitempty"`
}

type Service interface {
	Run(ctx context.Context, req RunRequest) (Run, error)
	// RunDue runs every configured pair whose interval has elapsed.
	RunDue(ctx context.Context) ([]Run, error)
	ListRuns(ctx context.Context, subscriber, entityType string, limit int) ([]Run, error)
}
