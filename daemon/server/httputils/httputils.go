// Package httputils provides the handler plumbing shared by all API
// routers: JSON helpers and the mapping from error classes to HTTP
// status codes.
package httputils

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/containerd/log"
	"github.com/pkg/errors"

	"github.com/smartcoreinc/localpkd/errdefs"
)

// APIFunc is the signature all API handlers share. Returned errors are
// translated to a status code and a JSON error body centrally.
type APIFunc func(ctx context.Context, w http.ResponseWriter, r *http.Request, vars map[string]string) error

// WriteJSON writes v as the JSON response body with the given status.
func WriteJSON(w http.ResponseWriter, code int, v interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}

// ReadJSON decodes the request body into v, rejecting unknown fields.
func ReadJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errdefs.InvalidParameter(errors.Wrap(err, "invalid JSON"))
	}
	// Extra content after the object is a client bug worth surfacing.
	if dec.More() {
		return errdefs.InvalidParameter(errors.New("unexpected content after JSON body"))
	}
	return nil
}

type errorResponse struct {
	Message string `json:"message"`
}

// WriteError maps err onto a status code through its errdefs class and
// writes the JSON error body.
func WriteError(ctx context.Context, w http.ResponseWriter, err error) {
	code := statusCode(err)
	if code >= http.StatusInternalServerError {
		log.G(ctx).WithError(err).Error("request failed")
	}
	_ = WriteJSON(w, code, errorResponse{Message: err.Error()})
}

func statusCode(err error) int {
	switch {
	case errdefs.IsInvalidParameter(err):
		return http.StatusBadRequest
	case errdefs.IsNotFound(err):
		return http.StatusNotFound
	case errdefs.IsConflict(err):
		return http.StatusConflict
	case errdefs.IsUnavailable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
