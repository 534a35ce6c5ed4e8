package model

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = eris.New("not found")
	// ErrInsufficientSources marks an asset run that stayed below its
	// minimum successful adapters after fallback.
	ErrInsufficientSources = eris.New("insufficient sources")
	// ErrVersionConflict is returned by optimistic writes that lost a race.
	ErrVersionConflict = eris.New("version conflict")
	// ErrReconciliationConflict is returned once optimistic retries for a
	// record key are exhausted.
	ErrReconciliationConflict = eris.New("concurrent reconciliation conflict")
	ErrInvalidProfile         = eris.New("invalid profile")
	ErrInvalidSelection       = eris.New("invalid selection")
	ErrInvalidRequest         = eris.New("invalid request")
)

// ProtectedResourceError is returned when a caller mutates a system profile.
type ProtectedResourceError struct {
	Resource string
	ID       string
	Op       string
}

func (e *ProtectedResourceError) Error() string {
	return fmt.Sprintf("%s %s is protected: %s not allowed", e.Resource, e.ID, e.Op)
}

// DuplicatePriorityError is returned when a priority update assigns one
// priority to more than one adapter.
type DuplicatePriorityError struct {
	Priority int
	Adapters []string
}

func (e *DuplicatePriorityError) Error() string {
	return fmt.Sprintf("duplicate priority %d for adapters %s", e.Priority, strings.Join(e.Adapters, ", "))
}
