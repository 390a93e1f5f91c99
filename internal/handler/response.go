package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/pesio-ai/be-p2p-coordinator/internal/errors"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    errors.Code `json:"code"`
	Message string      `json:"message"`
	Field   string      `json:"field,omitempty"`
}

// HTTPStatus maps an error code to its HTTP status.
func HTTPStatus(code errors.Code) int {
	switch code {
	case errors.ErrCodeNotFound:
		return http.StatusNotFound
	case errors.ErrCodeInvalidInput:
		return http.StatusBadRequest
	case errors.ErrCodeInvalidState, errors.ErrCodeConflict:
		return http.StatusConflict
	case errors.ErrCodeNoApprovalRule:
		return http.StatusUnprocessableEntity
	case errors.ErrCodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	detail := errorDetail{Code: errors.CodeOf(err), Message: "internal server error"}

	var appErr *errors.Error
	if errors.As(err, &appErr) {
		detail.Message = appErr.Message
		detail.Field = appErr.Field
	}

	status := HTTPStatus(detail.Code)
	if status >= http.StatusInternalServerError {
		// Internal causes stay in the log.
		h.log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		if detail.Code == errors.ErrCodeInternal {
			detail.Message = "internal server error"
		}
	}
	writeJSON(w, status, errorBody{Error: detail})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.Wrap(err, errors.ErrCodeInvalidInput, "invalid request body")
	}
	return nil
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.InvalidInput(key, key+" must be a non-negative integer")
	}
	return n, nil
}

func queryBool(r *http.Request, key string) (bool, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, errors.InvalidInput(key, key+" must be a boolean")
	}
	return b, nil
}

func optional(r *http.Request, key string) *string {
	if v := r.URL.Query().Get(key); v != "" {
		return &v
	}
	return nil
}
