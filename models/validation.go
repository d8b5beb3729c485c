package models

import (
	"errors"
	"reflect"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

const (
	// MinJustificationLength applies to cancellation, correction and range invalidation texts.
	MinJustificationLength = 15
	MaxJustificationLength = 1000
	MaxCorrectionSequence  = 20
	MaxSeries              = 999
	MaxDocumentNumber      = 999999999
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	v.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			f, _ := d.Float64()
			return f
		}
		return nil
	}, decimal.Decimal{})
	return v
}

// ValidatePayload checks p is the payload type for kind and that its fields are well-formed.
func ValidatePayload(kind DocumentKind, p Payload) error {
	if p == nil || reflect.ValueOf(p).IsNil() {
		return NewValidationError("payload is required")
	}
	if p.DocumentKind() != kind {
		return NewValidationError("payload is for %s, not %s", p.DocumentKind(), kind)
	}
	if err := validate.Struct(p); err != nil {
		return &FiscalError{Code: ErrCodeValidation, Message: ValidationMessage(err)}
	}
	if c, ok := p.(*ConsumerInvoicePayload); ok && c.PaidTotal().LessThan(c.Total()) {
		return NewValidationError("payments (%s) do not cover total (%s)", c.PaidTotal().StringFixed(2), c.Total().StringFixed(2))
	}
	if s, ok := p.(*ServiceInvoicePayload); ok && s.Deductions.GreaterThan(s.ServiceValue) {
		return NewValidationError("deductions exceed service value")
	}
	return nil
}

func ValidateSeries(series int) error {
	if series < 0 || series > MaxSeries {
		return NewValidationError("series must be between 0 and %d", MaxSeries)
	}
	return nil
}

// ValidateJustification trims text and enforces the minimum length counted in characters.
func ValidateJustification(field string, text string) (string, error) {
	text = strings.TrimSpace(text)
	n := utf8.RuneCountInString(text)
	if n < MinJustificationLength {
		return "", NewValidationError("%s must have at least %d characters", field, MinJustificationLength)
	}
	if n > MaxJustificationLength {
		return "", NewValidationError("%s must have at most %d characters", field, MaxJustificationLength)
	}
	return text, nil
}

// ValidateJurisdiction accepts a two-digit IBGE state code.
func ValidateJurisdiction(code string) error {
	if len(code) != 2 || code[0] < '1' || code[0] > '5' || code[1] < '0' || code[1] > '9' {
		return NewValidationError("jurisdiction must be a two-digit state code")
	}
	return nil
}

// ValidationMessage flattens validator errors to "field:tag" pairs in a stable order.
func ValidationMessage(err error) string {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return err.Error()
	}
	parts := make([]string, 0, len(validationErrors))
	for _, ve := range validationErrors {
		ns := ve.Namespace()
		if i := strings.Index(ns, "."); i >= 0 {
			ns = ns[i+1:]
		}
		parts = append(parts, ns+":"+ve.Tag())
	}
	sort.Strings(parts)
	return "invalid fields " + strings.Join(parts, ", ")
}
