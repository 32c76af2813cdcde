package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrTransient marks storage failures (for example serialization conflicts)
// that may succeed when the whole transaction is retried.
var ErrTransient = errors.New("transient storage failure")

// ErrTransactionTooLarge reports a transaction whose writes exceed what the
// backend can commit atomically. Nothing from the transaction is applied.
var ErrTransactionTooLarge = errors.New("transaction too large")

// ErrInternal wraps failures surfaced after the single transient retry.
var ErrInternal = errors.New("internal error")

// ValidationError reports malformed or incomplete request data.
type ValidationError struct {
	Fields  []string
	Message string
}

func (e ValidationError) Error() string {
	return e.Message
}

// SpecialTagChangeError reports an attempt to change the value of a protected tag.
type SpecialTagChangeError struct {
	Tag string
	Old string
	New string
}

func (e SpecialTagChangeError) Error() string {
	return fmt.Sprintf("Updates (PUT or PATCH) must not attempt to change the values for special tags. "+
		"Your request attempts to change the value for tag '%s' from '%s' to '%s'", e.Tag, e.Old, e.New)
}

// Validation converts the change into the ValidationError class.
func (e SpecialTagChangeError) Validation() ValidationError {
	return ValidationError{Fields: []string{e.Tag}, Message: e.Error()}
}

// As lets errors.As match a SpecialTagChangeError as a ValidationError.
func (e SpecialTagChangeError) As(target any) bool {
	if v, ok := target.(*ValidationError); ok {
		*v = e.Validation()
		return true
	}
	return false
}

// ConflictError reports a stale edited-version or a duplicate b37 key.
type ConflictError struct {
	Entity         EntityType
	ID             int64
	CurrentVersion int
	EditedVersion  int
	Submitted      Tags
	ExistingID     int64
	Message        string
}

// DuplicateVariantError reports that key is already held by variant existing.
// id is the variant being written, or 0 on create.
func DuplicateVariantError(id int64, key B37Key, existing int64) ConflictError {
	return ConflictError{
		Entity:     EntityVariant,
		ID:         id,
		ExistingID: existing,
		Message:    fmt.Sprintf("variant %s already exists with id %d", key, existing),
	}
}

func (e ConflictError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("edit conflict on %s %d: edited version %d, current version %d",
		e.Entity, e.ID, e.EditedVersion, e.CurrentVersion)
}

// NotFoundError reports an unresolvable entity reference or lookup key.
type NotFoundError struct {
	Entity EntityType
	Key    string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("No %s matches the given query: %s", e.Entity, e.Key)
}

// AuthorizationError reports an unauthenticated or unverified caller attempting a write.
type AuthorizationError struct {
	Authenticated bool
	Message       string
}

func (e AuthorizationError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if !e.Authenticated {
		return "Authentication credentials were not provided."
	}
	return "You do not have permission to perform this action."
}

// NewFieldsError builds the allowlist rejection for unexpected top-level fields.
func NewFieldsError(allowed, present []string) ValidationError {
	return ValidationError{
		Fields: append([]string(nil), present...),
		Message: fmt.Sprintf("Edits should include the %s field(s), and only these fields. "+
			"Your request contains the following fields: [%s]", quoteJoin(allowed), strings.Join(quoteAll(present), ", ")),
	}
}

// NewMissingTagsError builds the rejection for absent required tags.
func NewMissingTagsError(op string, missing []string) ValidationError {
	return ValidationError{
		Fields:  append([]string(nil), missing...),
		Message: fmt.Sprintf("%s tag data must include all required tags: [%s]", op, strings.Join(quoteAll(missing), ", ")),
	}
}

// IsValidation reports whether err belongs to the ValidationError class.
func IsValidation(err error) bool {
	var v ValidationError
	return errors.As(err, &v)
}

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool {
	var c ConflictError
	return errors.As(err, &c)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var n NotFoundError
	return errors.As(err, &n)
}

// IsAuthorization reports whether err is an AuthorizationError.
func IsAuthorization(err error) bool {
	var a AuthorizationError
	return errors.As(err, &a)
}

func quoteAll(values []string) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = "'" + v + "'"
	}
	return out
}

func quoteJoin(values []string) string {
	return strings.Join(quoteAll(values), " and ")
}
