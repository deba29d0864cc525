package repo

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bananahana720/phx-property-collector/internal/errs"
	"github.com/bananahana720/phx-property-collector/internal/model"
)

// MemoryRepository is the in-process store backing tests and the
// store.driver=memory configuration. It applies the same merge rules
// as the mongo driver.
type MemoryRepository struct {
	mu         sync.RWMutex
	properties map[string]*model.Property
	runs       []RunRecord
	errors     []ErrorRecord
	nowFunc    func() time.Time
}

var _ Repository = (*MemoryRepository)(nil)

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		properties: make(map[string]*model.Property),
		nowFunc:    time.Now,
	}
}

func (r *MemoryRepository) Save(_ context.Context, p *model.Property) (string, error) {
	if p == nil || p.PropertyID == "" {
		return "", errs.New(errs.KindRepository, "property missing property_id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	doc := p
	if existing, ok := r.properties[p.PropertyID]; ok {
		doc = mergeProperties(existing, p)
	}
	clone := *doc
	r.properties[p.PropertyID] = &clone
	return p.PropertyID, nil
}

func (r *MemoryRepository) Get(_ context.Context, propertyID string) (*model.Property, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.properties[propertyID]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *p
	return &clone, nil
}

func (r *MemoryRepository) FindUpdatedSince(_ context.Context, t time.Time) ([]*model.Property, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*model.Property
	for _, p := range r.properties {
		if !p.LastUpdated.Before(t) {
			clone := *p
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastUpdated.After(out[j].LastUpdated)
	})
	return out, nil
}

func (r *MemoryRepository) Delete(_ context.Context, propertyID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.properties[propertyID]; !ok {
		return ErrNotFound
	}
	delete(r.properties, propertyID)
	return nil
}

func (r *MemoryRepository) RecordRun(_ context.Context, run RunRecord) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, run)
	return nil
}

func (r *MemoryRepository) RecordError(_ context.Context, rec ErrorRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.OccurredAt.IsZero() {
		rec.OccurredAt = r.nowFunc().UTC()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, rec)
	return nil
}

func (r *MemoryRepository) Ping(context.Context) error { return nil }

func (r *MemoryRepository) Close(context.Context) error { return nil }

// Runs returns recorded audit entries. Test helper.
func (r *MemoryRepository) Runs() []RunRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]RunRecord, len(r.runs))
	copy(out, r.runs)
	return out
}

// Errors returns recorded fatal errors. Test helper.
func (r *MemoryRepository) Errors() []ErrorRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ErrorRecord, len(r.errors))
	copy(out, r.errors)
	return out
}
