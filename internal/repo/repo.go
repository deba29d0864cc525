// Package repo persists canonical property records to the document store.
// Saves are upserts merged per property_id; merges for the same ID are
// serialized through an in-process keyed mutex so concurrent pipelines
// cannot lose updates.
package repo

import (
	"context"
	"time"

	"github.com/bananahana720/phx-property-collector/internal/errs"
	"github.com/bananahana720/phx-property-collector/internal/model"
)

// ErrNotFound is returned by Get for unknown property IDs.
var ErrNotFound = errs.New(errs.KindRepository, "property not found")

// RunRecord is one audit entry in the collection_history collection.
type RunRecord struct {
	ID           string        `json:"id" bson:"_id"`
	Query        string        `json:"query" bson:"query"`
	StartedAt    time.Time     `json:"started_at" bson:"started_at"`
	FinishedAt   time.Time     `json:"finished_at" bson:"finished_at"`
	Total        int           `json:"total" bson:"total"`
	Successful   int           `json:"successful" bson:"successful"`
	Failed       int           `json:"failed" bson:"failed"`
	CacheHitRate float64       `json:"cache_hit_rate" bson:"cache_hit_rate"`
	Duration     time.Duration `json:"duration_ns" bson:"duration_ns"`
}

// ErrorRecord is one fatal error persisted to the errors collection.
type ErrorRecord struct {
	ID         string         `json:"id" bson:"_id"`
	PropertyID string         `json:"property_id,omitempty" bson:"property_id,omitempty"`
	Kind       string         `json:"kind" bson:"kind"`
	Message    string         `json:"message" bson:"message"`
	Context    map[string]any `json:"context,omitempty" bson:"context,omitempty"`
	OccurredAt time.Time      `json:"occurred_at" bson:"occurred_at"`
}

// Repository is the document-store interface. All operations are
// idempotent under retry.
type Repository interface {
	// Save upserts a record by property_id, merging price history and
	// sources on conflict. Returns the property_id.
	Save(ctx context.Context, p *model.Property) (string, error)
	Get(ctx context.Context, propertyID string) (*model.Property, error)
	FindUpdatedSince(ctx context.Context, t time.Time) ([]*model.Property, error)
	Delete(ctx context.Context, propertyID string) error

	// RecordRun appends an audit entry for one collection run.
	RecordRun(ctx context.Context, run RunRecord) error
	// RecordError persists a fatal error with reproduction context.
	RecordError(ctx context.Context, rec ErrorRecord) error

	// Ping verifies connectivity (used by the health subcommand).
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}
