package utils

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"evidence-ledger/core/errs"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

var rangeTags = map[string]bool{"gte": true, "lte": true, "gt": true, "lt": true}

// ValidateStruct runs struct tag validation. Numeric bound failures surface as OutOfRange,
// everything else as a ValidationError.
func ValidateStruct(s any) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return errs.Validation("%v", err)
	}
	outOfRange := false
	var msgs []string
	for _, fe := range verrs {
		if rangeTags[fe.Tag()] {
			outOfRange = true
		}
		msgs = append(msgs, fieldMessage(fe))
	}
	sort.Strings(msgs)
	if outOfRange {
		return errs.OutOfRange("%s", strings.Join(msgs, "; "))
	}
	return errs.Validation("%s", strings.Join(msgs, "; "))
}

func fieldMessage(fe validator.FieldError) string {
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	case "gte":
		return fmt.Sprintf("%s must be greater than or equal to %s", field, fe.Param())
	case "lte":
		return fmt.Sprintf("%s must be less than or equal to %s", field, fe.Param())
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", field, fe.Param())
	case "lt":
		return fmt.Sprintf("%s must be less than %s", field, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, fe.Param())
	case "email":
		return fmt.Sprintf("%s must be a valid email", field)
	default:
		return fmt.Sprintf("%s failed on '%s'", field, fe.Tag())
	}
}
