// Package handlers provides the local REST API served to the field UI.
package handlers

import (
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"

	"github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/logging"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Code    errors.ErrorCode `json:"code"`
	Message string           `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Warn("Failed to encode response", map[string]interface{}{"error": err.Error()})
	}
}

// writeError maps err to its HTTP status. Internal details of unexpected
// errors are logged, not returned.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := errors.CodeOf(err)
	status := errors.HTTPStatus(code)

	msg := err.Error()
	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		msg = appErr.Message
	}

	if status >= http.StatusInternalServerError {
		logging.ErrorWithCode("Request failed", string(code), err, map[string]interface{}{
			"method": r.Method,
			"path":   r.URL.Path,
		})
		if code == errors.ErrInternal {
			msg = "internal error"
		}
	}
	writeJSON(w, status, errorBody{Code: code, Message: msg})
}

func badRequest(w http.ResponseWriter, r *http.Request, msg string) {
	writeError(w, r, errors.New(errors.ErrInvalid, msg))
}

// decodeJSON decodes the request body into v. An empty body leaves v unchanged.
func decodeJSON(r *http.Request, v interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !stderrors.Is(err, io.EOF) {
		return errors.Wrap(errors.ErrInvalid, "invalid request body", err)
	}
	return nil
}
