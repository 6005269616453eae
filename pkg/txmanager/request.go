package txmanager

import (
	"reflect"
	"regexp"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/turingfp/micropay/pkg/errors"
	"github.com/turingfp/micropay/pkg/phone"
)

// PaymentRequest is a standalone charge, not bound to a session.
type PaymentRequest struct {
	CustomerPhone        string          `json:"customerPhone" validate:"required"`
	Amount               decimal.Decimal `json:"amount" validate:"gt=0"`
	Currency             string          `json:"currency"`
	Reference            string          `json:"reference" validate:"omitempty,reference"`
	TransactionReference string          `json:"transactionReference,omitempty"`
	Description          string          `json:"description,omitempty"`
	Metadata             map[string]any  `json:"metadata,omitempty"`
}

var referencePattern = regexp.MustCompile(`^[\w-]{1,50}$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterCustomTypeFunc(func(field reflect.Value) any {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			f, _ := d.Float64()
			return f
		}
		return nil
	}, decimal.Decimal{})
	_ = v.RegisterValidation("reference", func(fl validator.FieldLevel) bool {
		return referencePattern.MatchString(fl.Field().String())
	})
	return v
}

var fieldMessages = map[string]string{
	"CustomerPhone": "Invalid phone number format",
	"Amount":        "Amount must be a positive number",
	"Reference":     "Invalid reference format (alphanumeric, max 50 chars)",
}

var fieldNames = map[string]string{
	"CustomerPhone": "customerPhone",
	"Amount":        "amount",
	"Reference":     "reference",
}

// Validate checks the request against region's phone rules and the amount
// and reference constraints. Every failing field is reported.
func (r PaymentRequest) Validate(region string) error {
	var fields []errors.FieldError
	seen := map[string]bool{}
	add := func(name string) {
		if seen[name] {
			return
		}
		seen[name] = true
		fields = append(fields, errors.FieldError{Field: fieldNames[name], Message: fieldMessages[name]})
	}

	if r.CustomerPhone != "" && !phone.IsValid(r.CustomerPhone, region) {
		add("CustomerPhone")
	}
	if err := validate.Struct(r); err != nil {
		if ve, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range ve {
				add(fe.StructField())
			}
		} else {
			return err
		}
	}
	if len(fields) == 0 {
		return nil
	}
	return errors.NewFieldsError(orderFields(fields))
}

// orderFields keeps the report stable: phone, then amount, then reference.
func orderFields(in []errors.FieldError) []errors.FieldError {
	order := []string{"customerPhone", "amount", "reference"}
	out := make([]errors.FieldError, 0, len(in))
	for _, name := range order {
		for _, f := range in {
			if f.Field == name {
				out = append(out, f)
			}
		}
	}
	return out
}
