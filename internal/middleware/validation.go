package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/better-wallet/wallet-core/pkg/errors"
)

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

func (ve ValidationErrors) Error() string {
	if len(ve) == 0 {
		return "validation failed"
	}
	msgs := make([]string, len(ve))
	for i, e := range ve {
		msgs[i] = fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return strings.Join(msgs, "; ")
}

// Validator collects field errors of a control request body
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{errors: make(ValidationErrors, 0)}
}

// HasErrors returns true if there are validation errors
func (v *Validator) HasErrors() bool {
	return len(v.errors) > 0
}

// Errors returns all validation errors
func (v *Validator) Errors() ValidationErrors {
	return v.errors
}

// AddError adds a validation error
func (v *Validator) AddError(field, message string) {
	v.errors = append(v.errors, ValidationError{Field: field, Message: message})
}

// Required validates that a string is not empty
func (v *Validator) Required(field, value string) bool {
	if strings.TrimSpace(value) == "" {
		v.AddError(field, "is required")
		return false
	}
	return true
}

// MaxLength validates maximum string length
func (v *Validator) MaxLength(field, value string, maxLen int) bool {
	if len(value) > maxLen {
		v.AddError(field, fmt.Sprintf("must be at most %d characters", maxLen))
		return false
	}
	return true
}

// UUID validates that a string is a valid UUID. Request and window ids are
// opaque to origins but the approval queue mints UUIDs.
func (v *Validator) UUID(field, value string) bool {
	if _, err := uuid.Parse(value); err != nil {
		v.AddError(field, "must be a valid UUID")
		return false
	}
	return true
}

// Exclusive validates that at most one of the named values is set
func (v *Validator) Exclusive(fields map[string]string) bool {
	set := make([]string, 0, len(fields))
	for name, value := range fields {
		if strings.TrimSpace(value) != "" {
			set = append(set, name)
		}
	}
	if len(set) > 1 {
		v.AddError(strings.Join(set, ","), "are mutually exclusive")
		return false
	}
	return true
}

// OneOf validates that a value is one of the allowed values
func (v *Validator) OneOf(field, value string, allowed []string) bool {
	for _, a := range allowed {
		if value == a {
			return true
		}
	}
	v.AddError(field, fmt.Sprintf("must be one of: %s", strings.Join(allowed, ", ")))
	return false
}

// Duration validates a Go duration string. "never" is accepted when
// allowNever is set.
func (v *Validator) Duration(field, value string, allowNever bool) (time.Duration, bool) {
	if allowNever && value == "never" {
		return 0, true
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		v.AddError(field, "must be a positive duration")
		return 0, false
	}
	return d, true
}

// WriteValidationError writes validation errors as an INVALID_PARAMS error
func WriteValidationError(w http.ResponseWriter, errors ValidationErrors) {
	appErr := apperrors.InvalidParams(errors.Error())
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(appErr.StatusCode)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"code":    appErr.Code,
		"message": appErr.Message,
		"errors":  errors,
	})
}

// ValidateJSON decodes a JSON request body, rejecting unknown fields
func ValidateJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return fmt.Errorf("request body is required")
	}

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}

	return nil
}
