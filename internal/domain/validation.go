package domain

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// validate is the package-level validator instance used for struct validation.
var validate = validator.New(validator.WithRequiredStructEnabled())

func (r *AnalyzeRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if r.RequestedTier != "" && !r.RequestedTier.Valid() {
		return fmt.Errorf("%w: unknown tier %q", ErrInvalidRequest, r.RequestedTier)
	}
	return nil
}

func (r *ChatRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return nil
}

// Validate checks the assessment ranges without mutating them. The judge
// uses it to reject out-of-range payloads before clamping.
func (q *QualityAssessment) Validate() error {
	return validate.Struct(q)
}
