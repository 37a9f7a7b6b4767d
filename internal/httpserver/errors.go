package httpserver

import (
	"errors"
	"log/slog"
	"net/http"

	"broadcast/internal/domain"
)

const (
	ErrInvalidJSON      = "invalid json"
	ErrMissingID        = "missing id"
	ErrMissingRequester = "missing " + RequesterHeader + " header"
	ErrDependency       = "dependency error"
	ErrNotFound         = "not found"
	ErrForbidden        = "forbidden"
	ErrAlreadySent      = "campaign already sent"
	ErrNoRecipients     = "no eligible recipients"
	ErrBadQuery         = "bad query"
)

// writeError maps engine errors onto status codes. Anything unexpected is a dependency failure.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		http.Error(w, ErrNotFound, http.StatusNotFound)
	case errors.Is(err, domain.ErrForbidden):
		http.Error(w, ErrForbidden, http.StatusForbidden)
	case errors.Is(err, domain.ErrAlreadySent):
		http.Error(w, ErrAlreadySent, http.StatusConflict)
	case errors.Is(err, domain.ErrNoRecipients):
		http.Error(w, ErrNoRecipients, http.StatusUnprocessableEntity)
	case errors.Is(err, domain.ErrInvalidCampaign):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		http.Error(w, ErrDependency, http.StatusBadGateway)
	}
}
