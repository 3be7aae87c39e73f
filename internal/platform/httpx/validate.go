package httpx

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/odyssey-transfer/internal/shared"
)

var validate = validator.New()

// Validate checks struct tags and returns an ErrValidation-wrapped error listing
// the offending fields.
func Validate(v any) error {
	if err := validate.Struct(v); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			fields := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				fields = append(fields, fmt.Sprintf("%s(%s)", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid fields %s: %w", strings.Join(fields, ", "), shared.ErrValidation)
		}
		return fmt.Errorf("%v: %w", err, shared.ErrValidation)
	}
	return nil
}
