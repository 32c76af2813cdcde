package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"

	"gennotes/internal/core"
	"gennotes/pkg/domain"
)

const (
	replaceMode = domain.EditReplace
	mergeMode   = domain.EditMerge
)

// decodeEdit reads a JSON object body into an edit request. Every top-level
// key the client sent is reported in Fields, known or not, so the field
// allowlist sees the request as submitted. An empty body yields no fields.
func decodeEdit(w http.ResponseWriter, r *http.Request, mode domain.EditMode) (core.EditRequest, error) {
	req := core.EditRequest{Fields: []string{}, Mode: mode}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return req, domain.ValidationError{Message: fmt.Sprintf("Request body exceeds %d bytes.", tooLarge.Limit)}
		}
		return req, fmt.Errorf("read body: %w", err)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return req, nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return req, domain.ValidationError{Message: fmt.Sprintf("JSON parse error - %v", err)}
	}
	for name := range raw {
		req.Fields = append(req.Fields, name)
	}
	sort.Strings(req.Fields)

	if msg, ok := raw[domain.FieldTags]; ok && !isNull(msg) {
		if err := json.Unmarshal(msg, &req.Tags); err != nil {
			return req, fieldError(domain.FieldTags, "Tags must be a JSON object with string values.")
		}
	}
	if msg, ok := raw[domain.FieldVariant]; ok && !isNull(msg) {
		ref, err := decodeReference(msg)
		if err != nil {
			return req, fieldError(domain.FieldVariant, "Variant must be an id or a b37 key.")
		}
		req.Variant = ref
	}
	if msg, ok := raw[domain.FieldEditedVersion]; ok && !isNull(msg) {
		var version int
		if err := json.Unmarshal(msg, &version); err != nil {
			return req, fieldError(domain.FieldEditedVersion, "edited-version must be an integer.")
		}
		req.EditedVersion = &version
	}
	if msg, ok := raw[domain.FieldCommitComment]; ok && !isNull(msg) {
		if err := json.Unmarshal(msg, &req.Comment); err != nil {
			return req, fieldError(domain.FieldCommitComment, "commit-comment must be a string.")
		}
	}
	return req, nil
}

func decodeReference(msg json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(msg, &s); err == nil {
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(msg, &n); err != nil {
		return "", err
	}
	if _, err := strconv.ParseInt(n.String(), 10, 64); err != nil {
		return "", err
	}
	return n.String(), nil
}

func isNull(msg json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(msg), []byte("null"))
}

func fieldError(field, message string) domain.ValidationError {
	return domain.ValidationError{Fields: []string{field}, Message: message}
}
