package layerx

import (
	"github.com/go-playground/validator/v10"

	"go.eggybyte.com/layerx/errors"
)

// defaultValidator backs WithValidation and ValidateStruct when no explicit
// instance is supplied. validator.Validate is safe for concurrent use.
var defaultValidator = validator.New()

// ValidatorOption configures the validator.
type ValidatorOption func(*validator.Validate)

// NewValidator creates a new validator instance.
func NewValidator(opts ...ValidatorOption) *validator.Validate {
	v := validator.New()
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// ValidateStruct validates a struct using validator tags. A nil validator
// uses the package default.
func ValidateStruct(v *validator.Validate, target any) error {
	if v == nil {
		v = defaultValidator
	}

	if err := v.Struct(target); err != nil {
		return errors.Wrap(errors.CodeInvalidArgument, "layerx.validate", err)
	}

	return nil
}
