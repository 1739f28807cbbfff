// Package validation provides struct-tag validation for configuration
// types accepted at the boundary of the retry-dispatcher core, such as a
// loaded RetryConfig.
package validation

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Validate validates s using its `validate` struct tags.
func Validate(s interface{}) error {
	if err := validate.Struct(s); err != nil {
		if validationErrors, ok := err.(validator.ValidationErrors); ok {
			return &ValidationError{Errors: validationErrors}
		}
		return fmt.Errorf("validation error: %w", err)
	}
	return nil
}

// ValidationError wraps validator.ValidationErrors for readable reporting.
type ValidationError struct {
	Errors validator.ValidationErrors
}

// Error implements the error interface.
func (v *ValidationError) Error() string {
	if len(v.Errors) == 0 {
		return "validation error"
	}
	return fmt.Sprintf("validation failed: %s", formatField(v.Errors[0]))
}

// Details returns a human-readable message per failed field.
func (v *ValidationError) Details() []string {
	details := make([]string, 0, len(v.Errors))
	for _, err := range v.Errors {
		details = append(details, formatField(err))
	}
	return details
}

func formatField(err validator.FieldError) string {
	switch err.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", err.Field())
	case "min":
		return fmt.Sprintf("%s must be at least %s", err.Field(), err.Param())
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", err.Field(), err.Param())
	case "dive":
		return fmt.Sprintf("%s has an invalid element", err.Field())
	default:
		return fmt.Sprintf("%s failed validation: %s", err.Field(), err.Tag())
	}
}
