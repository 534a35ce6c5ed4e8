// Package api exposes the sync, profile, discrepancy and settings
// operations over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/factsync/internal/config"
	"github.com/sells-group/factsync/internal/discrepancy"
	"github.com/sells-group/factsync/internal/metrics"
	"github.com/sells-group/factsync/internal/notify"
	"github.com/sells-group/factsync/internal/profile"
	"github.com/sells-group/factsync/internal/settings"
	"github.com/sells-group/factsync/internal/syncer"
	"github.com/sells-group/factsync/internal/syncstatus"
)

// ActorHeader carries the caller identity recorded in audit rows.
const ActorHeader = "X-Actor"

type actorKey struct{}

// Deps are the services the router exposes. Hub and Metrics are optional.
type Deps struct {
	Sync          *syncer.Service
	Status        *syncstatus.Tracker
	Profiles      *profile.Manager
	Discrepancies *discrepancy.Tracker
	Settings      *settings.Store
	Hub           *notify.Hub
	Metrics       *metrics.Recorder
}

type server struct {
	Deps
}

// NewRouter builds the HTTP handler.
func NewRouter(d Deps, cfg config.ServerConfig) http.Handler {
	s := &server{Deps: d}

	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", ActorHeader},
		MaxAge:         300,
	}))
	r.Use(withActor)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", d.Metrics.Handler())
	if d.Hub != nil {
		r.Method(http.MethodGet, "/ws", d.Hub)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/sync", func(r chi.Router) {
			r.Post("/", s.requestSync)
			r.Post("/bulk", s.requestBulkSync)
			r.Get("/status", s.syncStatus)
			r.Get("/status/{ticker}", s.syncStatusOne)
		})

		r.Route("/profiles", func(r chi.Router) {
			r.Get("/", s.listProfiles)
			r.Post("/", s.createProfile)
			r.Get("/default", s.defaultProfile)
			r.Post("/preview", s.previewProfile)
			r.Get("/audit", s.profileAudit)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.getProfile)
				r.Put("/", s.updateProfile)
				r.Delete("/", s.deleteProfile)
				r.Post("/default", s.setDefaultProfile)
				r.Post("/duplicate", s.duplicateProfile)
				r.Put("/adapters/{adapter}", s.toggleAdapter)
				r.Put("/priorities", s.updatePriorities)
				r.Get("/audit", s.profileAudit)
			})
		})

		r.Route("/discrepancies", func(r chi.Router) {
			r.Get("/", s.listDiscrepancies)
			r.Get("/history", s.discrepancyHistory)
			r.Get("/{id}", s.getDiscrepancy)
			r.Post("/{id}/resolve", s.resolveDiscrepancy)
			r.Post("/{id}/auto-resolve", s.autoResolveDiscrepancy)
		})

		r.Route("/settings", func(r chi.Router) {
			r.Get("/thresholds", s.getThresholds)
			r.Put("/thresholds", s.putThresholds)
		})
	})
	return r
}

func withActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor := r.Header.Get(ActorHeader)
		ctx := context.WithValue(r.Context(), actorKey{}, actor)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func actorFrom(ctx context.Context) string {
	a, _ := ctx.Value(actorKey{}).(string)
	return a
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
