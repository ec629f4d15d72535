package generation

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	ErrNotFound          = errors.New("generation task not found")
	ErrConflict          = errors.New("generation task already exists")
	ErrTimeout           = errors.New("timed out waiting for provider result")
	ErrProviderFailed    = errors.New("provider reported the task as failed")
	ErrInvalidCallback   = errors.New("invalid callback token")
	ErrCallbackForbidden = errors.New("callback does not belong to the task owner")
)

// ValidationError lists invalid request fields. Fields maps a field name to the
// rule it broke.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+": "+e.Fields[name])
	}
	return "validation failed: " + strings.Join(parts, ", ")
}

func newValidationError(field, rule string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: rule}}
}

// fromValidator converts validator.ValidationErrors into a ValidationError keyed
// by the fields' JSON names.
func fromValidator(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate inputs: %w", err)
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		rule := fe.Tag()
		if fe.Param() != "" {
			rule += "=" + fe.Param()
		}
		fields[fe.Field()] = rule
	}
	return &ValidationError{Fields: fields}
}
