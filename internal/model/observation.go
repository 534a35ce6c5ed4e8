package model

import (
	"sort"
	"strings"
	"time"
)

// DateLayout is the canonical layout for reference dates.
const DateLayout = "2006-01-02"

// RecordKind distinguishes fundamental snapshots from daily prices.
type RecordKind string

const (
	KindFundamental RecordKind = "fundamental"
	KindPrice       RecordKind = "price"
)

// Valid reports whether k is a known record kind.
func (k RecordKind) Valid() bool {
	return k == KindFundamental || k == KindPrice
}

// SourceObservation is one value reported by one adapter for one field.
type SourceObservation struct {
	Source     string     `json:"source" validate:"required"`
	Field      string     `json:"field" validate:"required"`
	Value      string     `json:"value" validate:"required"`
	Kind       RecordKind `json:"kind" validate:"required,oneof=fundamental price"`
	RefDate    time.Time  `json:"ref_date"`
	ObservedAt time.Time  `json:"observed_at"`
	Priority   int        `json:"priority" validate:"gte=1"`
}

// DateKey returns the reference date formatted as YYYY-MM-DD.
func (o SourceObservation) DateKey() string {
	return DateKey(o.RefDate)
}

// DateKey formats t as a reference date key.
func DateKey(t time.Time) string {
	return t.UTC().Format(DateLayout)
}

// ParseDate parses a YYYY-MM-DD reference date.
func ParseDate(s string) (time.Time, error) {
	return time.ParseInLocation(DateLayout, s, time.UTC)
}

// Truncate returns t with the time-of-day removed.
func Truncate(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DateRange bounds a collection request. Zero values are open ends.
type DateRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Contains reports whether t falls inside the range (inclusive).
func (r DateRange) Contains(t time.Time) bool {
	if !r.From.IsZero() && t.Before(Truncate(r.From)) {
		return false
	}
	if !r.To.IsZero() && t.After(Truncate(r.To)) {
		return false
	}
	return true
}

// SortObservations orders observations by priority, then source id, so that
// selection never depends on completion order.
func SortObservations(obs []SourceObservation) {
	sort.SliceStable(obs, func(i, j int) bool {
		if obs[i].Priority != obs[j].Priority {
			return obs[i].Priority < obs[j].Priority
		}
		if obs[i].Source != obs[j].Source {
			return obs[i].Source < obs[j].Source
		}
		return obs[i].Value < obs[j].Value
	})
}

// Fingerprint returns a stable key for an observation set: sorted
// source=value pairs. Two runs reporting the same values share a fingerprint.
func Fingerprint(obs []SourceObservation) string {
	pairs := make([]string, len(obs))
	for i, o := range obs {
		pairs[i] = o.Source + "=" + strings.TrimSpace(o.Value)
	}
	sort.Strings(pairs)
	return strings.Join(pairs, ";")
}

// ObservationKey identifies the canonical record an observation belongs to.
type ObservationKey struct {
	Kind    RecordKind
	RefDate string
}

// GroupObservations buckets observations by (kind, date) and then by field.
// Keys are returned in ascending date order.
func GroupObservations(obs []SourceObservation) ([]ObservationKey, map[ObservationKey]map[string][]SourceObservation) {
	groups := make(map[ObservationKey]map[string][]SourceObservation)
	for _, o := range obs {
		k := ObservationKey{Kind: o.Kind, RefDate: o.DateKey()}
		fields, ok := groups[k]
		if !ok {
			fields = make(map[string][]SourceObservation)
			groups[k] = fields
		}
		fields[o.Field] = append(fields[o.Field], o)
	}

	keys := make([]ObservationKey, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].RefDate != keys[j].RefDate {
			return keys[i].RefDate < keys[j].RefDate
		}
		return keys[i].Kind < keys[j].Kind
	})
	return keys, groups
}
