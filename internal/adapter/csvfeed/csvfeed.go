// Package csvfeed implements a source adapter for CSV time series such as
// daily bar downloads. The first row names the columns; one column holds the
// date and every other column is reported as a field.
package csvfeed

import (
	"context"
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
const Type = "csv"

// Options configures an Adapter.
type Options struct {
	ID string
	// URL may contain {ticker}, {from} and {to} placeholders.
	URL        string
	Headers    map[string]string
	UserAgent  string
	DateColumn string
	Kind       model.RecordKind
	Delimiter  rune
	Client     *http.Client
}

// Adapter downloads one CSV document per request.
type Adapter struct {
	opts   Options
	client *http.Client
	now    func() time.Time
}

// New creates an Adapter.
func New(opts Options) (*Adapter, error) {
	if opts.ID == "" {
		return nil, eris.New("csvfeed: id is required")
	}
	if opts.URL == "" {
		return nil, eris.Errorf("csvfeed: %s: url is required", opts.ID)
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "factsync/1.0"
	}
	if opts.DateColumn == "" {
		opts.DateColumn = "date"
	}
	if opts.Kind == "" {
		opts.Kind = model.KindPrice
	}
	if !opts.Kind.Valid() {
		return nil, eris.Errorf("csvfeed: %s: unknown kind %q", opts.ID, opts.Kind)
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	return &Adapter{opts: opts, client: client, now: time.Now}, nil
}

// FromConfig builds an Adapter from an adapter declaration.
func FromConfig(c config.AdapterConfig) (*Adapter, error) {
	return New(Options{ID: c.ID, URL: c.URL, Headers: c.Headers, Kind: model.RecordKind(c.Kind)})
}

// ID returns the adapter id.
func (a *Adapter) ID() string { return a.opts.ID }

var _ adapter.Adapter = (*Adapter)(nil)

// Collect downloads the document and converts each row into observations.
// Rows outside req.Range and columns not in req.Fields are skipped.
func (a *Adapter) Collect(ctx context.Context, req adapter.Request) ([]model.SourceObservation, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.expand(req), nil)
	if err != nil {
		return nil, resilience.NewNavigationError(eris.Wrapf(err, "csvfeed: %s: build request", a.opts.ID))
	}
	httpReq.Header.Set("User-Agent", a.opts.UserAgent)
	httpReq.Header.Set("Accept", "text/csv")
	for k, v := range a.opts.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, eris.Wrapf(ctx.Err(), "csvfeed: %s: get", a.opts.ID)
		}
		return nil, resilience.NewNetworkError(eris.Wrapf(err, "csvfeed: %s: get", a.opts.ID))
	}
	defer resp.Body.Close() //nolint:errcheck

	if err := adapter.StatusError(a.opts.ID, resp.StatusCode); err != nil {
		return nil, err
	}

	headerCh := make(chan []string, 1)
	rows, errs := StreamRows(ctx, resp.Body, RowOptions{
		Delimiter: a.opts.Delimiter,
		HasHeader: true,
		HeaderCh:  headerCh,
		TrimSpace: true,
	})

	wanted := make(map[string]bool, len(req.Fields))
	for _, f := range req.Fields {
		wanted[f] = true
	}
	observedAt := a.now().UTC()

	var (
		out     []model.SourceObservation
		columns []string
		dateIdx = -1
		line    = 1
	)
	for row := range rows {
		line++
		if columns == nil {
			select {
			case columns = <-headerCh:
			default:
			}
			for i, c := range columns {
				columns[i] = strings.ToLower(c)
				if columns[i] == strings.ToLower(a.opts.DateColumn) {
					dateIdx = i
				}
			}
			if dateIdx < 0 {
				drain(rows)
				return nil, resilience.NewValidationError(eris.Errorf("csvfeed: %s: no %q column", a.opts.ID, a.opts.DateColumn))
			}
		}
		if dateIdx >= len(row) {
			continue
		}
		refDate, err := model.ParseDate(row[dateIdx])
		if err != nil {
			drain(rows)
			return nil, resilience.NewValidationError(eris.Wrapf(err, "csvfeed: %s: line %d date", a.opts.ID, line))
		}
		if !req.Range.Contains(refDate) {
			continue
		}
		for i, v := range row {
			if i == dateIdx || i >= len(columns) || v == "" {
				continue
			}
			if len(wanted) > 0 && !wanted[columns[i]] {
				continue
			}
			out = append(out, model.SourceObservation{
				Source:     a.opts.ID,
				Field:      columns[i],
				Value:      v,
				Kind:       a.opts.Kind,
				RefDate:    refDate,
				ObservedAt: observedAt,
			})
		}
	}
	if err := <-errs; err != nil {
		if ctx.Err() != nil {
			return nil, eris.Wrapf(ctx.Err(), "csvfeed: %s: read", a.opts.ID)
		}
		return nil, resilience.NewValidationError(eris.Wrapf(err, "csvfeed: %s", a.opts.ID))
	}
	return out, nil
}

func (a *Adapter) expand(req adapter.Request) string {
	from, to := "", ""
	if !req.Range.From.IsZero() {
		from = model.DateKey(req.Range.From)
	}
	if !req.Range.To.IsZero() {
		to = model.DateKey(req.Range.To)
	}
	return strings.NewReplacer(
		"{ticker}", url.PathEscape(cases.Lower(language.English).String(req.AssetID)),
		"{from}", url.QueryEscape(from),
		"{to}", url.QueryEscape(to),
	).Replace(a.opts.URL)
}

func drain(rows <-chan []string) {
	for range rows { //nolint:revive // drain
	}
}
