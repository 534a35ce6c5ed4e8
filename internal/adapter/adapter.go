// Package adapter defines the single capability every data source
// implements and the registry that enforces per-adapter resource limits
// shared by all concurrent runs.
package adapter

import (
	"context"

	"github.com/sells-group/factsync/internal/model"
)

// Request is one collection call for one asset.
type Request struct {
	AssetID string
	Fields  []string
	Range   model.DateRange
}

// Adapter collects field observations for an asset from one source.
// Source, Field, Value, Kind and RefDate must be set on every observation;
// priority is assigned by the caller from the executing profile.
type Adapter interface {
	ID() string
	Collect(ctx context.Context, req Request) ([]model.SourceObservation, error)
}

// Func adapts a plain function to the Adapter interface.
type Func struct {
	Name string
	Fn   func(ctx context.Context, req Request) ([]model.SourceObservation, error)
}

// ID returns the adapter id.
func (f Func) ID() string { return f.Name }

// Collect calls Fn.
func (f Func) Collect(ctx context.Context, req Request) ([]model.SourceObservation, error) {
	return f.Fn(ctx, req)
}
