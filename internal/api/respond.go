package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"gennotes/pkg/domain"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type errorEnvelope struct {
	RequestID string    `json:"request_id"`
	Error     errorBody `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeErrorStatus(w http.ResponseWriter, r *http.Request, status int, code, message string, details any) {
	writeJSON(w, status, errorEnvelope{
		RequestID: requestIDFrom(r.Context()),
		Error:     errorBody{Code: code, Message: message, Details: details},
	})
}

// writeError maps a service error onto its HTTP status and envelope.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := classify(err)
	writeErrorStatus(w, r, status, body.Code, body.Message, body.Details)
}

func classify(err error) (int, errorBody) {
	var (
		special  domain.SpecialTagChangeError
		invalid  domain.ValidationError
		conflict domain.ConflictError
		missing  domain.NotFoundError
		denied   domain.AuthorizationError
	)
	switch {
	case errors.As(err, &special):
		return http.StatusBadRequest, errorBody{
			Code:    "validation_error",
			Message: special.Error(),
			Details: map[string]string{"tag": special.Tag, "old": special.Old, "new": special.New},
		}
	case errors.As(err, &invalid):
		var details any
		if len(invalid.Fields) > 0 {
			details = map[string][]string{"fields": invalid.Fields}
		}
		return http.StatusBadRequest, errorBody{Code: "validation_error", Message: invalid.Error(), Details: details}
	case errors.As(err, &conflict):
		details := map[string]any{"current_version": conflict.CurrentVersion}
		if conflict.EditedVersion != 0 {
			details["edited_version"] = conflict.EditedVersion
		}
		if conflict.ExistingID != 0 {
			details["existing_id"] = conflict.ExistingID
		}
		if conflict.Submitted != nil {
			details["submitted"] = conflict.Submitted
		}
		return http.StatusConflict, errorBody{Code: "conflict", Message: conflict.Error(), Details: details}
	case errors.As(err, &missing):
		return http.StatusNotFound, errorBody{Code: "not_found", Message: missing.Error()}
	case errors.As(err, &denied):
		if !denied.Authenticated {
			return http.StatusUnauthorized, errorBody{Code: "not_authenticated", Message: denied.Error()}
		}
		return http.StatusForbidden, errorBody{Code: "permission_denied", Message: denied.Error()}
	default:
		return http.StatusInternalServerError, errorBody{Code: "internal_error", Message: "internal server error"}
	}
}
