package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/sells-group/factsync/internal/model"
	"github.com/sells-group/factsync/internal/profile"
)

type profileBody struct {
	Name             string   `json:"name" validate:"required"`
	DisplayName      string   `json:"display_name"`
	Description      string   `json:"description"`
	MinScrapers      int      `json:"min_scrapers"`
	MaxScrapers      int      `json:"max_scrapers"`
	Adapters         []string `json:"adapters"`
	FallbackEnabled  bool     `json:"fallback_enabled"`
	FallbackAdapter  string   `json:"fallback_adapter"`
	AssetConcurrency int      `json:"asset_concurrency"`
	Version          int      `json:"version"`
}

func (b profileBody) profile(id string) *model.Profile {
	return &model.Profile{
		ID:               id,
		Name:             b.Name,
		DisplayName:      b.DisplayName,
		Description:      b.Description,
		MinScrapers:      b.MinScrapers,
		MaxScrapers:      b.MaxScrapers,
		Adapters:         b.Adapters,
		FallbackEnabled:  b.FallbackEnabled,
		FallbackAdapter:  b.FallbackAdapter,
		AssetConcurrency: b.AssetConcurrency,
		Version:          b.Version,
	}
}

func (s *server) listProfiles(w http.ResponseWriter, r *http.Request) {
	ps, err := s.Profiles.List(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ps)
}

func (s *server) getProfile(w http.ResponseWriter, r *http.Request) {
	p, err := s.Profiles.Resolve(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *server) defaultProfile(w http.ResponseWriter, r *http.Request) {
	p, err := s.Profiles.Default(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *server) createProfile(w http.ResponseWriter, r *http.Request) {
	var body profileBody
	if err := decode(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	p, err := s.Profiles.Create(r.Context(), body.profile(""), actorFrom(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *server) updateProfile(w http.ResponseWriter, r *http.Request) {
	var body profileBody
	if err := decode(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	p, err := s.Profiles.Update(r.Context(), body.profile(chi.URLParam(r, "id")), actorFrom(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *server) deleteProfile(w http.ResponseWriter, r *http.Request) {
	if err := s.Profiles.Delete(r.Context(), chi.URLParam(r, "id"), actorFrom(r.Context())); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

func (s *server) setDefaultProfile(w http.ResponseWriter, r *http.Request) {
	p, err := s.Profiles.SetDefault(r.Context(), chi.URLParam(r, "id"), actorFrom(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *server) duplicateProfile(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name" validate:"required"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	p, err := s.Profiles.Duplicate(r.Context(), chi.URLParam(r, "id"), body.Name, actorFrom(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *server) toggleAdapter(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled *bool `json:"enabled" validate:"required"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	p, err := s.Profiles.ToggleAdapter(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "adapter"), *body.Enabled, actorFrom(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *server) updatePriorities(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Priorities map[string]int `json:"priorities" validate:"required,min=1"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	p, err := s.Profiles.UpdatePriorities(r.Context(), chi.URLParam(r, "id"), body.Priorities, actorFrom(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *server) previewProfile(w http.ResponseWriter, r *http.Request) {
	var req profile.PreviewRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	out, err := s.Profiles.Preview(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *server) profileAudit(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	rows, err := s.Profiles.Audit(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if rows == nil {
		rows = []model.ProfileAudit{}
	}
	writeJSON(w, http.StatusOK, rows)
}
