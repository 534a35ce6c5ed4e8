package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sells-group/factsync/internal/model"
	"github.com/sells-group/factsync/internal/syncer"
)

type syncBody struct {
	Tickers   []string `json:"tickers" validate:"required,min=1"`
	ProfileID string   `json:"profile_id"`
	From      string   `json:"from" validate:"omitempty,datetime=2006-01-02"`
	To        string   `json:"to" validate:"omitempty,datetime=2006-01-02"`
	Fields    []string `json:"fields"`
}

func (b syncBody) request(actor string) syncer.SyncRequest {
	req := syncer.SyncRequest{
		Tickers:   b.Tickers,
		ProfileID: b.ProfileID,
		Fields:    b.Fields,
		Actor:     actor,
	}
	// Formats were checked by the validator.
	req.From, _ = parseDate(b.From)
	req.To, _ = parseDate(b.To)
	return req
}

func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return model.ParseDate(s)
}

func (s *server) requestSync(w http.ResponseWriter, r *http.Request) {
	s.acceptSync(w, r, false)
}

func (s *server) requestBulkSync(w http.ResponseWriter, r *http.Request) {
	s.acceptSync(w, r, true)
}

func (s *server) acceptSync(w http.ResponseWriter, r *http.Request, bulk bool) {
	var body syncBody
	if err := decode(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	req := body.request(actorFrom(r.Context()))

	var (
		ack *syncer.Ack
		err error
	)
	if bulk {
		ack, err = s.Sync.RequestBulkSync(r.Context(), req)
	} else {
		ack, err = s.Sync.RequestSync(r.Context(), req)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, ack)
}

func (s *server) syncStatus(w http.ResponseWriter, r *http.Request) {
	all, err := s.Status.Statuses(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, all)
}

func (s *server) syncStatusOne(w http.ResponseWriter, r *http.Request) {
	ticker := strings.ToUpper(chi.URLParam(r, "ticker"))
	st, err := s.Status.Status(r.Context(), ticker)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
