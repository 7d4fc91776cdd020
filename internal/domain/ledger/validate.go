package ledger

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// structErr converts the first validator failure into a ValidationError.
func structErr(s any) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return &ValidationError{Message: err.Error()}
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "required":
		return invalid(fe.Field(), "is required")
	case "max":
		return invalid(fe.Field(), "must be at most %s characters", fe.Param())
	case "min":
		return invalid(fe.Field(), "must be at least %s", fe.Param())
	case "oneof":
		return invalid(fe.Field(), "must be one of: %s", fe.Param())
	default:
		return invalid(fe.Field(), "failed %q check", fe.Tag())
	}
}

func normalizePatient(in *PatientInput) {
	in.Name = strings.TrimSpace(in.Name)
	in.Phone = strings.TrimSpace(in.Phone)
	in.Gender = strings.TrimSpace(in.Gender)
}

func normalizeTreatment(in *TreatmentInput) {
	in.Diagnosis = strings.TrimSpace(in.Diagnosis)
	in.TreatmentPlan = strings.TrimSpace(in.TreatmentPlan)
	in.ToothNumber = strings.TrimSpace(in.ToothNumber)
}

// ValidatePatientInput trims and checks the demographic fields.
func ValidatePatientInput(in *PatientInput) error {
	normalizePatient(in)
	return structErr(in)
}

// ValidateTreatmentInput trims and checks the treatment fields and amounts.
func ValidateTreatmentInput(in *TreatmentInput) error {
	normalizeTreatment(in)
	if err := structErr(in); err != nil {
		return err
	}
	if err := checkMoney("total_amount", in.TotalAmount); err != nil {
		return err
	}
	if !in.TotalAmount.IsPositive() {
		return invalid("total_amount", "must be greater than zero")
	}
	if err := checkMoney("amount_paid", in.AmountPaid); err != nil {
		return err
	}
	if in.AmountPaid.IsNegative() {
		return invalid("amount_paid", "must not be negative")
	}
	if in.AmountPaid.GreaterThan(in.TotalAmount) {
		return invalid("amount_paid", "cannot exceed total amount %s", in.TotalAmount.StringFixed(MoneyScale))
	}
	return nil
}

func checkMoney(field string, d decimal.Decimal) error {
	if !hasMoneyScale(d) {
		return invalid(field, "must have at most %d decimal places", MoneyScale)
	}
	if d.Abs().GreaterThanOrEqual(MaxAmount) {
		return invalid(field, "must be less than %s", MaxAmount.String())
	}
	return nil
}
