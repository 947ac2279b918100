package trace

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

var gpPracticeCodePattern = regexp.MustCompile(`^[A-Y][0-9]{5}$`)

// ValidNhsNumber reports whether s is ten digits with a correct modulus 11
// check digit.
func ValidNhsNumber(s string) bool {
	if len(s) != 10 {
		return false
	}
	sum := 0
	for i := 0; i < 10; i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
		if i < 9 {
			sum += int(s[i]-'0') * (10 - i)
		}
	}
	check := 11 - sum%11
	if check == 11 {
		check = 0
	}
	return check != 10 && check == int(s[9]-'0')
}

// ValidGpPracticeCode reports whether s is an English GP practice ODS code.
func ValidGpPracticeCode(s string) bool {
	return gpPracticeCodePattern.MatchString(s)
}

// ValidationError names the field of a trace result that failed validation.
type ValidationError struct {
	ReferralID string
	Field      string
	Value      string
	Rule       string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("trace result for referral %q: field %s value %q fails %s", e.ReferralID, e.Field, e.Value, e.Rule)
}

// NewValidator returns a validator with the nhsnumber and gppracticecode tags
// registered. Field names in errors come from json tags.
func NewValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("nhsnumber", func(fl validator.FieldLevel) bool {
		return ValidNhsNumber(fl.Field().String())
	})
	_ = v.RegisterValidation("gppracticecode", func(fl validator.FieldLevel) bool {
		return ValidGpPracticeCode(fl.Field().String())
	})
	return v
}

func validateResult(v *validator.Validate, r TraceResult) error {
	err := v.Struct(r)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return &ValidationError{
			ReferralID: r.ReferralID,
			Field:      fe.Field(),
			Value:      fmt.Sprint(fe.Value()),
			Rule:       fe.Tag(),
		}
	}
	return fmt.Errorf("failed to validate trace result: %w", err)
}
