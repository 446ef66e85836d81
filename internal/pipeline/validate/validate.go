// Package validate implements the record validator: per-field type and range
// rules evaluated through the domain rule engine. Hard failures exclude a
// record from resolution; flags feed quality scoring without halting it.
package validate

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"procurecore/pkg/domain"
)

// DateFormats is the fixed allowed format set for date fields, tried in order.
var DateFormats = []string{
	"2006-01-02",
	time.RFC3339,
	"01/02/2006",
	"02.01.2006",
	"2006/01/02",
}

// Field length caps in runes.
const (
	maxFieldLen = 512
	maxNameLen  = 256
)

// NewDefaultEngine builds a rule engine with the built-in validation set.
func NewDefaultEngine() *domain.RuleEngine {
	engine := domain.NewRuleEngine()
	engine.Register(RequiredRule())
	engine.Register(LengthRule())
	engine.Register(NumericRule())
	engine.Register(DateRule())
	return engine
}

// Validator evaluates mapped records and types their field values.
type Validator struct {
	engine *domain.RuleEngine
}

// New constructs a validator. A nil engine uses the default rule set.
func New(engine *domain.RuleEngine) *Validator {
	if engine == nil {
		engine = NewDefaultEngine()
	}
	return &Validator{engine: engine}
}

// Validate runs all rules over the record's canonical fields. Typing rules
// annotate parsed values in place, so after a clean validation numeric and
// date fields carry their typed representations. Validation failures are
// always local to the record.
func (v *Validator) Validate(ctx context.Context, fields map[domain.CanonicalField]domain.FieldValue) (domain.Result, error) {
	return v.engine.Evaluate(ctx, fields)
}

// RequiredRule checks presence of every required canonical field. Whitespace
// only values count as absent, which also covers empty reference names.
func RequiredRule() domain.Rule { return requiredRule{} }

type requiredRule struct{}

func (requiredRule) Name() string { return "required" }

func (requiredRule) Evaluate(_ context.Context, fields map[domain.CanonicalField]domain.FieldValue) (domain.Result, error) {
	var res domain.Result
	for _, field := range domain.RequiredFields() {
		value, ok := fields[field]
		if ok && strings.TrimSpace(value.Raw) != "" {
			continue
		}
		res.Violations = append(res.Violations, domain.Violation{
			Rule:     "required",
			Severity: domain.SeverityHard,
			Field:    field,
			Message:  fmt.Sprintf("required field %s is missing or empty", field),
		})
	}
	return res, nil
}

// LengthRule caps field lengths; names get the tighter cap.
func LengthRule() domain.Rule { return lengthRule{} }

type lengthRule struct{}

func (lengthRule) Name() string { return "max_length" }

func (lengthRule) Evaluate(_ context.Context, fields map[domain.CanonicalField]domain.FieldValue) (domain.Result, error) {
	var res domain.Result
	for field, value := range fields {
		limit := maxFieldLen
		if field == domain.FieldSupplierName || field == domain.FieldMaterialName {
			limit = maxNameLen
		}
		if utf8.RuneCountInString(value.Raw) <= limit {
			continue
		}
		res.Violations = append(res.Violations, domain.Violation{
			Rule:     "max_length",
			Severity: domain.SeverityHard,
			Field:    field,
			Message:  fmt.Sprintf("%s exceeds %d characters", field, limit),
		})
	}
	return res, nil
}

// NumericRule parses number-kind fields and annotates the typed value. Values
// must parse and be non-negative; zero is valid but flagged for quality
// scoring.
func NumericRule() domain.Rule { return numericRule{} }

type numericRule struct{}

func (numericRule) Name() string { return "numeric" }

func (numericRule) Evaluate(_ context.Context, fields map[domain.CanonicalField]domain.FieldValue) (domain.Result, error) {
	var res domain.Result
	for field, value := range fields {
		if value.Kind != domain.KindNumber || value.IsEmpty() {
			continue
		}
		n, err := ParseNumber(value.Raw)
		if err != nil {
			res.Violations = append(res.Violations, domain.Violation{
				Rule:     "numeric_parse",
				Severity: domain.SeverityHard,
				Field:    field,
				Message:  fmt.Sprintf("%s value %q is not numeric", field, value.Raw),
			})
			continue
		}
		if n < 0 {
			res.Violations = append(res.Violations, domain.Violation{
				Rule:     "non_negative",
				Severity: domain.SeverityHard,
				Field:    field,
				Message:  fmt.Sprintf("%s must not be negative", field),
			})
			continue
		}
		if n == 0 {
			res.Violations = append(res.Violations, domain.Violation{
				Rule:     "zero_value",
				Severity: domain.SeverityFlag,
				Field:    field,
				Message:  fmt.Sprintf("%s is zero", field),
			})
		}
		fields[field] = domain.NumberValue(value.Raw, n)
	}
	return res, nil
}

// DateRule parses date-kind fields against the fixed allowed format set and
// annotates the typed value.
func DateRule() domain.Rule { return dateRule{} }

type dateRule struct{}

func (dateRule) Name() string { return "date" }

func (dateRule) Evaluate(_ context.Context, fields map[domain.CanonicalField]domain.FieldValue) (domain.Result, error) {
	var res domain.Result
	for field, value := range fields {
		if value.Kind != domain.KindDate || value.IsEmpty() {
			continue
		}
		t, err := ParseDate(value.Raw)
		if err != nil {
			res.Violations = append(res.Violations, domain.Violation{
				Rule:     "date_parse",
				Severity: domain.SeverityHard,
				Field:    field,
				Message:  fmt.Sprintf("%s value %q does not match an allowed date format", field, value.Raw),
			})
			continue
		}
		fields[field] = domain.DateValue(value.Raw, t)
	}
	return res, nil
}

// ParseNumber parses a raw numeric cell. Currency symbols and surrounding
// whitespace are tolerated; a lone decimal comma is treated as a decimal
// point.
func ParseNumber(raw string) (float64, error) {
	s := strings.TrimSpace(raw)
	s = strings.TrimLeft(s, "$€£ ")
	s = strings.TrimSpace(s)
	if strings.Count(s, ",") == 1 && !strings.Contains(s, ".") {
		s = strings.Replace(s, ",", ".", 1)
	} else {
		s = strings.ReplaceAll(s, ",", "")
	}
	return strconv.ParseFloat(s, 64)
}

// ParseDate parses a raw date cell against DateFormats in order.
func ParseDate(raw string) (time.Time, error) {
	s := strings.TrimSpace(raw)
	for _, format := range DateFormats {
		if t, err := time.Parse(format, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable date %q", raw)
}
