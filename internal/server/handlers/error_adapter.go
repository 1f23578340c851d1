package handlers

import (
	"errors"
	"net/http"

	"github.com/3leaps/gostow/internal/server/middleware"
	"github.com/3leaps/gostow/pkg/archive"
)

// ErrJobNotFound is returned for an unknown job ID.
var ErrJobNotFound = errors.New("job not found")

// HTTPErrorResponder writes err as an HTTP response.
type HTTPErrorResponder func(w http.ResponseWriter, r *http.Request, err error)

var httpErrorResponder HTTPErrorResponder = defaultErrorResponder

// SetHTTPErrorResponder replaces the error responder. nil restores the default.
func SetHTTPErrorResponder(fn HTTPErrorResponder) {
	if fn == nil {
		fn = defaultErrorResponder
	}
	httpErrorResponder = fn
}

func ResetHTTPErrorResponder() {
	httpErrorResponder = defaultErrorResponder
}

func respondWithError(w http.ResponseWriter, r *http.Request, err error) {
	httpErrorResponder(w, r, err)
}

func defaultErrorResponder(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrJobNotFound), errors.Is(err, archive.ErrNotFound):
		middleware.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", err.Error(), nil)
	case errors.Is(err, r.Context().Err()) && r.Context().Err() != nil:
		middleware.WriteError(w, r, http.StatusServiceUnavailable, "REQUEST_CANCELED", err.Error(), nil)
	default:
		middleware.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error(), nil)
	}
}
