// Registered model records and their lookups.

package registry

import (
	"context"
	"errors"
	"strings"

	"github.com/mlstack/rundb/internal/jsonldb"
	"github.com/mlstack/rundb/internal/store"
)

// Model is a registered name collecting the versions of one trained model.
type Model struct {
	ID          jsonldb.ID `json:"id" jsonschema:"description=Unique model identifier"`
	Name        string     `json:"name" jsonschema:"description=Unique model name, never freed"`
	Description string     `json:"description,omitempty" jsonschema:"description=Free-form description"`
	Created     store.Time `json:"created" jsonschema:"description=Registration timestamp in unix milliseconds"`
}

// Clone returns a deep copy of the Model.
func (m *Model) Clone() *Model {
	c := *m
	return &c
}

// GetID returns the Model's ID.
func (m *Model) GetID() jsonldb.ID {
	return m.ID
}

// Validate checks that the Model is valid.
func (m *Model) Validate() error {
	if m.ID.IsZero() {
		return errModelIDRequired
	}
	if m.Name == "" {
		return errModelNameRequired
	}
	return nil
}

// Register creates the model if absent. Registering an existing name is a
// no-op returning the existing record unchanged; its description is not
// touched, use [Registry.UpdateModelDescription] for that.
func (r *Registry) Register(ctx context.Context, name, description string) (*Model, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, store.InvalidArgument("model name must not be empty")
	}
	l := r.modelLock(name)
	l.Lock()
	defer l.Unlock()

	if m := r.byName.Get(name); m != nil {
		return m, nil
	}
	id, err := r.seq.Next(nsModels)
	if err != nil {
		return nil, store.StorageFailure("failed to allocate model id", err)
	}
	m := &Model{
		ID:          jsonldb.ID(id),
		Name:        name,
		Description: description,
		Created:     store.Now(),
	}
	if err := r.models.Append(m); err != nil {
		return nil, store.StorageFailure("failed to write model", err)
	}
	recordAudit(ctx, r.journal, "register model "+name, modelsJournalPath)
	return m.Clone(), nil
}

// GetModel returns the model with the given name.
func (r *Registry) GetModel(name string) (*Model, error) {
	m := r.byName.Get(name)
	if m == nil {
		return nil, store.NotFound("model")
	}
	return m, nil
}

// ListModels returns every registered model in registration order.
func (r *Registry) ListModels() []*Model {
	out := make([]*Model, 0, r.models.Len())
	for m := range r.models.Iter(0) {
		out = append(out, m)
	}
	return out
}

// UpdateModelDescription replaces the model's description.
func (r *Registry) UpdateModelDescription(ctx context.Context, name, description string) (*Model, error) {
	l := r.modelLock(name)
	l.Lock()
	defer l.Unlock()

	m := r.byName.Get(name)
	if m == nil {
		return nil, store.NotFound("model")
	}
	updated, err := r.models.Modify(m.ID, func(row *Model) error {
		row.Description = description
		return nil
	})
	if err != nil {
		return nil, store.StorageFailure("failed to update model", err)
	}
	recordAudit(ctx, r.journal, "describe model "+name, modelsJournalPath)
	return updated, nil
}

//

var (
	errModelIDRequired   = errors.New("model id is required")
	errModelNameRequired = errors.New("model name is required")
)
