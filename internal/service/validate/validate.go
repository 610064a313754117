package validate

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/nkiryanov/mixcore/internal/apperrors"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

func init() {
	// Report fields by json tag name, as the server calls them
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
}

// FieldErrors maps field name to user friendly message
type FieldErrors map[string]string

func (f FieldErrors) Error() string {
	names := make([]string, 0, len(f))
	for name := range f {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+": "+f[name])
	}
	return strings.Join(parts, "; ")
}

func (f FieldErrors) Unwrap() error {
	return apperrors.ErrValidation
}

// Struct validates v by its struct tags
// Returns FieldErrors that match apperrors.ErrValidation
func Struct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}

	var errs validator.ValidationErrors
	if !errors.As(err, &errs) {
		return fmt.Errorf("%w: %v", apperrors.ErrValidation, err)
	}

	fields := make(FieldErrors, len(errs))
	for _, fieldError := range errs {
		var message string
		switch fieldError.Tag() {
		case "required":
			message = "This field is required"
		case "min":
			message = fmt.Sprintf("Value is too short (minimum %s)", fieldError.Param())
		case "email":
			message = "Invalid email address"
		case "eqfield":
			message = fmt.Sprintf("Value must match %s", fieldError.Param())
		default:
			message = "Invalid value"
		}
		fields[fieldError.Field()] = message
	}
	return fields
}
