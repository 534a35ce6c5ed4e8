package api

import (
	"net/http"

	"github.com/rotisserie/eris"

	"github.com/sells-group/factsync/internal/model"
	"github.com/sells-group/factsync/internal/settings"
)

func (s *server) getThresholds(w http.ResponseWriter, r *http.Request) {
	t, err := s.Settings.Thresholds(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// putThresholds replaces the full thresholds document.
func (s *server) putThresholds(w http.ResponseWriter, r *http.Request) {
	var t settings.Thresholds
	if err := decode(r, &t); err != nil {
		writeError(w, r, err)
		return
	}
	if err := t.Validate(); err != nil {
		writeError(w, r, eris.Wrapf(model.ErrInvalidRequest, "api: %v", err))
		return
	}
	if err := s.Settings.Update(r.Context(), &t); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, &t)
}
