// Package httpjson implements a generic source adapter that fetches
// observations from a JSON endpoint described by a URL template.
package httpjson

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/sells-group/factsync/internal/adapter"
	"github.com/sells-group/factsync/internal/config"
	"github.com/sells-group/factsync/internal/model"
	"github.com/sells-group/factsync/internal/resilience"
)

// Type is the adapter type name used in configuration.
const Type = "httpjson"

const maxBodyBytes = 8 << 20

// Options configures an Adapter.
type Options struct {
	ID string
	// URL may contain {ticker}, {from}, {to} and {fields} placeholders.
	URL         string
	Headers     map[string]string
	UserAgent   string
	DefaultKind model.RecordKind
	Client      *http.Client
}

// Adapter fetches a JSON document of the form
//
//	{"observations":[{"field":"close","value":"187.44","kind":"price","date":"2024-03-01"}]}
//
// Values may be JSON strings or numbers; numbers keep their literal text.
type Adapter struct {
	opts   Options
	client *http.Client
	now    func() time.Time
}

// New creates an Adapter.
func New(opts Options) (*Adapter, error) {
	if opts.ID == "" {
		return nil, eris.New("httpjson: id is required")
	}
	if opts.URL == "" {
		return nil, eris.Errorf("httpjson: %s: url is required", opts.ID)
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "factsync/1.0"
	}
	if opts.DefaultKind == "" {
		opts.DefaultKind = model.KindFundamental
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				MaxConnsPerHost:     20,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	return &Adapter{
		opts:   opts,
		client: client,
		now:    time.Now,
	}, nil
}

// FromConfig builds an Adapter from an adapter declaration.
func FromConfig(c config.AdapterConfig) (*Adapter, error) {
	return New(Options{ID: c.ID, URL: c.URL, Headers: c.Headers})
}

// ID returns the adapter id.
func (a *Adapter) ID() string { return a.opts.ID }

var _ adapter.Adapter = (*Adapter)(nil)

type document struct {
	Observations []item `json:"observations"`
}

type item struct {
	Field string          `json:"field"`
	Value json.RawMessage `json:"value"`
	Kind  string          `json:"kind"`
	Date  string          `json:"date"`
}

// Collect performs one GET and decodes the observations it returns.
func (a *Adapter) Collect(ctx context.Context, req adapter.Request) ([]model.SourceObservation, error) {
	target := a.expand(req)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, resilience.NewNavigationError(eris.Wrapf(err, "httpjson: %s: build request", a.opts.ID))
	}
	httpReq.Header.Set("User-Agent", a.opts.UserAgent)
	httpReq.Header.Set("Accept", "application/json")
	for k, v := range a.opts.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, eris.Wrapf(ctx.Err(), "httpjson: %s: get", a.opts.ID)
		}
		return nil, resilience.NewNetworkError(eris.Wrapf(err, "httpjson: %s: get", a.opts.ID))
	}
	defer resp.Body.Close() //nolint:errcheck

	if err := adapter.StatusError(a.opts.ID, resp.StatusCode); err != nil {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck
		return nil, err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, resilience.NewNetworkError(eris.Wrapf(err, "httpjson: %s: read body", a.opts.ID))
	}

	var doc document
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, resilience.NewValidationError(eris.Wrapf(err, "httpjson: %s: decode", a.opts.ID))
	}
	return a.convert(doc.Observations)
}

func (a *Adapter) expand(req adapter.Request) string {
	from, to := "", ""
	if !req.Range.From.IsZero() {
		from = model.DateKey(req.Range.From)
	}
	if !req.Range.To.IsZero() {
		to = model.DateKey(req.Range.To)
	}
	r := strings.NewReplacer(
		"{ticker}", url.PathEscape(cases.Upper(language.English).String(req.AssetID)),
		"{from}", url.QueryEscape(from),
		"{to}", url.QueryEscape(to),
		"{fields}", url.QueryEscape(strings.Join(req.Fields, ",")),
	)
	return r.Replace(a.opts.URL)
}

func (a *Adapter) convert(items []item) ([]model.SourceObservation, error) {
	observedAt := a.now().UTC()
	out := make([]model.SourceObservation, 0, len(items))
	for i, it := range items {
		value, err := literal(it.Value)
		if err != nil {
			return nil, resilience.NewValidationError(eris.Wrapf(err, "httpjson: %s: observation %d", a.opts.ID, i))
		}
		refDate, err := model.ParseDate(it.Date)
		if err != nil {
			return nil, resilience.NewValidationError(eris.Wrapf(err, "httpjson: %s: observation %d date", a.opts.ID, i))
		}
		kind := model.RecordKind(it.Kind)
		if kind == "" {
			kind = a.opts.DefaultKind
		}
		out = append(out, model.SourceObservation{
			Source:     a.opts.ID,
			Field:      it.Field,
			Value:      value,
			Kind:       kind,
			RefDate:    refDate,
			ObservedAt: observedAt,
		})
	}
	return out, nil
}

// literal returns a JSON scalar as text, preserving number formatting.
func literal(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return strings.TrimSpace(s), nil
	case '{', '[':
		return "", eris.Errorf("value must be a scalar, got %s", raw)
	default:
		return string(raw), nil
	}
}
