package model

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// ValidationError reports a request rejected before it was persisted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Tag filter relations understood by providers and by local matching.
const (
	RelationEqual     = "="
	RelationNotEqual  = "!="
	RelationGreater   = ">"
	RelationLess      = "<"
	RelationExists    = "exists"
	RelationNotExists = "not_exists"
)

// IsZero reports whether no target variant is set.
func (t Target) IsZero() bool {
	return t.UserID == "" && len(t.TagFilter) == 0 && !t.Broadcast
}

// Validate checks the payload and target of a request about to be enqueued.
func (r *NotificationRequest) Validate() error {
	if err := validate.Struct(r.Payload); err != nil {
		return toValidationError("payload", err)
	}
	if strings.TrimSpace(r.Payload.Title) == "" {
		return &ValidationError{Field: "payload.title", Reason: "required"}
	}
	if strings.TrimSpace(r.Payload.Body) == "" {
		return &ValidationError{Field: "payload.body", Reason: "required"}
	}
	if r.Target.Kind() == "" {
		return &ValidationError{Field: "target", Reason: "exactly one of userId, tagFilter or broadcast must be set"}
	}
	for i, f := range r.Target.TagFilter {
		if err := f.Validate(); err != nil {
			var ve *ValidationError
			if errors.As(err, &ve) {
				ve.Field = fmt.Sprintf("target.tagFilter[%d].%s", i, ve.Field)
			}
			return err
		}
	}
	return nil
}

// Validate checks a single filter clause.
func (f TagFilter) Validate() error {
	if err := validate.Struct(f); err != nil {
		return toValidationError("", err)
	}
	switch f.Relation {
	case RelationEqual, RelationNotEqual, RelationGreater, RelationLess:
		if f.Field == "tag" && f.Key == "" {
			return &ValidationError{Field: "key", Reason: "required for tag filters"}
		}
	case RelationExists, RelationNotExists:
		if f.Key == "" {
			return &ValidationError{Field: "key", Reason: "required for existence filters"}
		}
	default:
		return &ValidationError{Field: "relation", Reason: fmt.Sprintf("unsupported relation %q", f.Relation)}
	}
	return nil
}

func toValidationError(prefix string, err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return &ValidationError{Field: prefix, Reason: err.Error()}
	}
	fe := verrs[0]
	field := strings.ToLower(fe.Field())
	if prefix != "" {
		field = prefix + "." + field
	}
	return &ValidationError{Field: field, Reason: fe.Tag()}
}
