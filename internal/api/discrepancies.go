package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/factsync/internal/model"
)

func (s *server) listDiscrepancies(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	cs, err := s.Discrepancies.List(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if cs == nil {
		cs = []model.DiscrepancyCandidate{}
	}
	writeJSON(w, http.StatusOK, cs)
}

func parseFilter(r *http.Request) (model.DiscrepancyFilter, error) {
	q := r.URL.Query()
	f := model.DiscrepancyFilter{
		AssetID:     strings.ToUpper(q.Get("asset")),
		Status:      model.CandidateStatus(q.Get("status")),
		MinSeverity: model.Severity(q.Get("min_severity")),
	}
	switch f.Status {
	case "", model.CandidateOpen, model.CandidateResolved, model.CandidateSuperseded:
	default:
		return f, eris.Wrapf(model.ErrInvalidRequest, "api: unknown status %q", f.Status)
	}
	if f.MinSeverity != "" && !f.MinSeverity.Valid() {
		return f, eris.Wrapf(model.ErrInvalidRequest, "api: unknown severity %q", f.MinSeverity)
	}
	var err error
	if f.Limit, err = queryInt(q.Get("limit")); err != nil {
		return f, err
	}
	if f.Offset, err = queryInt(q.Get("offset")); err != nil {
		return f, err
	}
	return f, nil
}

func queryInt(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, eris.Wrapf(model.ErrInvalidRequest, "api: invalid integer %q", v)
	}
	return n, nil
}

func (s *server) getDiscrepancy(w http.ResponseWriter, r *http.Request) {
	c, err := s.Discrepancies.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *server) discrepancyHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	kind := model.RecordKind(q.Get("kind"))
	if kind == "" {
		kind = model.KindFundamental
	}
	if !kind.Valid() || q.Get("asset") == "" || q.Get("field") == "" || q.Get("date") == "" {
		writeError(w, r, eris.Wrap(model.ErrInvalidRequest, "api: history needs asset, date, field and a valid kind"))
		return
	}
	rs, err := s.Discrepancies.History(r.Context(), strings.ToUpper(q.Get("asset")), kind, q.Get("date"), q.Get("field"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if rs == nil {
		rs = []model.DiscrepancyResolution{}
	}
	writeJSON(w, http.StatusOK, rs)
}

type resolveBody struct {
	Source string `json:"source"`
	Value  string `json:"value"`
	Reason string `json:"reason"`
}

func (s *server) resolveDiscrepancy(w http.ResponseWriter, r *http.Request) {
	var body resolveBody
	if err := decode(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	sel := model.Selection{Source: body.Source, Value: body.Value}
	res, err := s.Discrepancies.Resolve(r.Context(), chi.URLParam(r, "id"), sel, actorFrom(r.Context()), body.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *server) autoResolveDiscrepancy(w http.ResponseWriter, r *http.Request) {
	res, err := s.Discrepancies.AutoResolve(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
