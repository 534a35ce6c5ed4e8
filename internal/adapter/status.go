package adapter

import (
	"net/http"

	"github.com/rotisserie/eris"

	"github.com/sells-group/factsync/internal/resilience"
)

// StatusError maps an HTTP response status from source id onto the
// resilience error taxonomy. It returns nil for 2xx.
func StatusError(id string, code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case resilience.IsTransientHTTPStatus(code):
		return resilience.NewTransientError(eris.Errorf("adapter: %s: status %d", id, code), code)
	case code == http.StatusNotFound || code == http.StatusGone || (code >= 300 && code < 400):
		return resilience.NewNavigationError(eris.Errorf("adapter: %s: status %d", id, code))
	default:
		return resilience.NewValidationError(eris.Errorf("adapter: %s: status %d", id, code))
	}
}
