// Package notify delivers sync progress events to real-time sinks.
package notify

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/factsync/internal/model"
)

// Event types.
const (
	EventProgress = "sync:progress"
	EventComplete = "sync:complete"
)

// Event is one notification. Progress events carry Percent and
// AdaptersCompleted; complete events carry Status.
type Event struct {
	Type              string           `json:"type"`
	Ticker            string           `json:"ticker"`
	Percent           float64          `json:"percent,omitempty"`
	AdaptersCompleted int              `json:"adapters_completed,omitempty"`
	AdaptersTotal     int              `json:"adapters_total,omitempty"`
	Adapter           string           `json:"adapter,omitempty"`
	Status            model.SyncStatus `json:"status,omitempty"`
	Error             string           `json:"error,omitempty"`
	At                time.Time        `json:"at"`
}

// Notifier receives events. Implementations must not block the caller for
// long and must be safe for concurrent use.
type Notifier interface {
	Notify(ctx context.Context, e Event)
}

// Func adapts a function to Notifier.
type Func func(ctx context.Context, e Event)

// Notify calls f.
func (f Func) Notify(ctx context.Context, e Event) { f(ctx, e) }

// Nop discards events.
type Nop struct{}

// Notify does nothing.
func (Nop) Notify(context.Context, Event) {}

// LogNotifier writes events to the global zap logger.
type LogNotifier struct{}

// Notify logs e. Progress events log at debug level.
func (LogNotifier) Notify(_ context.Context, e Event) {
	fields := []zap.Field{
		zap.String("event", e.Type),
		zap.String("ticker", e.Ticker),
	}
	switch e.Type {
	case EventProgress:
		zap.L().Debug("sync progress", append(fields,
			zap.Float64("percent", e.Percent),
			zap.Int("adapters_completed", e.AdaptersCompleted),
			zap.String("adapter", e.Adapter),
		)...)
	default:
		fields = append(fields, zap.String("status", string(e.Status)))
		if e.Error != "" {
			fields = append(fields, zap.String("error", e.Error))
		}
		zap.L().Info("sync complete", fields...)
	}
}

// Multi fans an event out to every notifier in order.
type Multi []Notifier

// Notify forwards e to each non-nil notifier.
func (m Multi) Notify(ctx context.Context, e Event) {
	for _, n := range m {
		if n != nil {
			n.Notify(ctx, e)
		}
	}
}
