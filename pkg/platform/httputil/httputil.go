// Package httputil writes JSON responses and maps coded domain errors onto
// HTTP statuses. Internal and storage errors never leak their description.
package httputil

import (
	"encoding/json"
	"errors"
	"net/http"

	dErrors "auditvault/pkg/domain-errors"
)

type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// WriteJSON encodes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes a coded error. Descriptions are only returned for codes
// the caller can act on.
func WriteError(w http.ResponseWriter, err error) {
	code := dErrors.CodeOf(err)
	status, expose := statusFor(code)
	resp := errorResponse{Error: string(code)}
	if expose {
		var de *dErrors.Error
		if errors.As(err, &de) {
			resp.ErrorDescription = de.Message
		}
	}
	WriteJSON(w, status, resp)
}

func statusFor(code dErrors.Code) (int, bool) {
	switch code {
	case dErrors.CodeValidation, dErrors.CodeBadRequest:
		return http.StatusBadRequest, true
	case dErrors.CodeNotFound:
		return http.StatusNotFound, true
	case dErrors.CodeUnauthorized:
		return http.StatusUnauthorized, true
	case dErrors.CodeForbidden:
		return http.StatusForbidden, true
	case dErrors.CodeConflict:
		return http.StatusConflict, true
	case dErrors.CodeTimeout:
		return http.StatusGatewayTimeout, true
	case dErrors.CodeIntegrityViolation:
		// Review surfaces show tampering explicitly.
		return http.StatusConflict, true
	case dErrors.CodeStorageUnavailable:
		return http.StatusServiceUnavailable, false
	default:
		return http.StatusInternalServerError, false
	}
}
