package settings

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Backend persists settings as key to JSON document rows.
type Backend interface {
	GetSettings(ctx context.Context) (map[string][]byte, error)
	PutSettings(ctx context.Context, values map[string][]byte) error
}

// Store serves thresholds from a read-through cache. Every write through
// the Store invalidates the cache.
type Store struct {
	backend Backend

	mu     sync.RWMutex
	cached *Thresholds
}

// NewStore creates a Store over backend.
func NewStore(backend Backend) *Store {
	return &Store{backend: backend}
}

// Thresholds returns the current thresholds. The returned value is a copy
// and may be modified by the caller.
func (s *Store) Thresholds(ctx context.Context) (*Thresholds, error) {
	s.mu.RLock()
	if s.cached != nil {
		t := s.cached.Clone()
		s.mu.RUnlock()
		return t, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cached != nil {
		return s.cached.Clone(), nil
	}

	rows, err := s.backend.GetSettings(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "settings: load")
	}
	t, err := decode(rows)
	if err != nil {
		return nil, err
	}
	s.cached = t
	return t.Clone(), nil
}

// Update validates and persists t, then invalidates the cache.
func (s *Store) Update(ctx context.Context, t *Thresholds) error {
	if err := t.Validate(); err != nil {
		return err
	}
	rows, err := encode(t)
	if err != nil {
		return err
	}
	if err := s.backend.PutSettings(ctx, rows); err != nil {
		return eris.Wrap(err, "settings: save")
	}
	s.Invalidate()
	zap.L().Info("settings updated", zap.Int("keys", len(rows)))
	return nil
}

// Import loads a YAML thresholds file and persists it.
func (s *Store) Import(ctx context.Context, path string) (*Thresholds, error) {
	t, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	if err := s.Update(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// Invalidate drops the cached thresholds.
func (s *Store) Invalidate() {
	s.mu.Lock()
	s.cached = nil
	s.mu.Unlock()
}

func (t *Thresholds) entries() map[string]any {
	return map[string]any{
		"bands":            &t.Bands,
		"flag_severity":    &t.FlagSeverity,
		"epsilon":          &t.Epsilon,
		"fields":           &t.Fields,
		"source_priority":  &t.SourcePriority,
		"synced_threshold": &t.SyncedThreshold,
		"auto_resolve":     &t.AutoResolve,
	}
}

func encode(t *Thresholds) (map[string][]byte, error) {
	out := make(map[string][]byte)
	for key, v := range t.entries() {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, eris.Wrapf(err, "settings: marshal %s", key)
		}
		out[key] = b
	}
	return out, nil
}

func decode(rows map[string][]byte) (*Thresholds, error) {
	t := Default()
	entries := t.entries()
	for _, key := range sortedKeys(rows) {
		dst, ok := entries[key]
		if !ok {
			zap.L().Warn("ignoring unknown setting", zap.String("key", key))
			continue
		}
		if err := json.Unmarshal(rows[key], dst); err != nil {
			return nil, eris.Wrapf(err, "settings: decode %s", key)
		}
	}
	if t.Fields == nil {
		t.Fields = map[string]FieldRule{}
	}
	if t.SourcePriority == nil {
		t.SourcePriority = map[string]int{}
	}
	if err := t.Validate(); err != nil {
		return nil, eris.Wrap(err, "settings: stored thresholds")
	}
	return t, nil
}
