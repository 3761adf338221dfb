// Package validation turns raw caller input into typed values or field-level
// validation errors.
package validation

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/cast"

	"careledger/pkg/dateutil"
	"careledger/pkg/errutil"
)

var (
	once     sync.Once
	validate *validator.Validate
)

var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
}

func instance() *validator.Validate {
	once.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
			if name == "-" || name == "" {
				return f.Name
			}
			return name
		})
	})
	return validate
}

// Struct validates v against its `validate` tags and reports every failing
// field as a detail of a single validation error.
func Struct(v any) error {
	err := instance().Struct(v)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return errutil.ValidationFailed("invalid input", err)
	}

	details := make([]errutil.Detail, 0, len(verrs))
	for _, fe := range verrs {
		details = append(details, errutil.Detail{
			Field:   fe.Field(),
			Message: describe(fe),
		})
	}
	return errutil.ValidationFailed("validation failed", nil, errutil.WithDetails(details...))
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return fmt.Sprintf("must be one of: %s", strings.ReplaceAll(fe.Param(), " ", ", "))
	case "gte":
		return fmt.Sprintf("must be greater than or equal to %s", fe.Param())
	case "gt":
		return fmt.Sprintf("must be greater than %s", fe.Param())
	case "url":
		return "must be a valid URL"
	default:
		return fmt.Sprintf("failed %q check", fe.Tag())
	}
}

// ParseDate accepts YYYY-MM-DD or an RFC 3339 timestamp and returns the calendar day.
func ParseDate(field, raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, errutil.Field(field, "is required")
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return dateutil.Day(t), nil
		}
	}
	return time.Time{}, errutil.Field(field, fmt.Sprintf("invalid date %q, expected YYYY-MM-DD", raw))
}

// ParseOptionalDate is ParseDate where an empty value means "not set".
func ParseOptionalDate(field, raw string) (*time.Time, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	t, err := ParseDate(field, raw)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// DateRange checks end >= start when an end date is present.
func DateRange(startField string, start time.Time, endField string, end *time.Time) error {
	if end == nil {
		return nil
	}
	if dateutil.Day(*end).Before(dateutil.Day(start)) {
		return errutil.Field(endField, fmt.Sprintf("must be on or after %s", startField))
	}
	return nil
}

// Amount parses a non-negative monetary value from any numeric or string input.
func Amount(field string, raw any) (float64, error) {
	v, err := cast.ToFloat64E(raw)
	if err != nil {
		return 0, errutil.Field(field, "must be a number")
	}
	if v < 0 || IsNaNOrInf(v) {
		return 0, errutil.Field(field, "must be a non-negative number")
	}
	return v, nil
}

// PositiveAmount is Amount that also rejects zero.
func PositiveAmount(field string, raw any) (float64, error) {
	v, err := Amount(field, raw)
	if err != nil {
		return 0, err
	}
	if v <= 0 {
		return 0, errutil.Field(field, "must be greater than 0")
	}
	return v, nil
}

// Cents is Amount restricted to whole cents. The result is rounded to strip
// float noise so it can be added to stored balances exactly.
func Cents(field string, raw any) (float64, error) {
	v, err := Amount(field, raw)
	if err != nil {
		return 0, err
	}
	if !AlmostEqual(v, RoundMoney(v)) {
		return 0, errutil.Field(field, "must be a whole number of cents")
	}
	return RoundMoney(v), nil
}

// Quantity parses an integer unit count, at least 1.
func Quantity(field string, raw any) (int, error) {
	v, err := cast.ToIntE(raw)
	if err != nil {
		return 0, errutil.Field(field, "must be an integer")
	}
	if v < 1 {
		return 0, errutil.Field(field, "must be at least 1")
	}
	return v, nil
}

// NonNegativeInt parses an integer that may be zero.
func NonNegativeInt(field string, raw any) (int, error) {
	v, err := cast.ToIntE(raw)
	if err != nil {
		return 0, errutil.Field(field, "must be an integer")
	}
	if v < 0 {
		return 0, errutil.Field(field, "must be a non-negative integer")
	}
	return v, nil
}
