// Package quality computes the six-dimension data quality assessment per
// record and the batch-level aggregate. Scores annotate every record
// regardless of its pipeline path and never gate commits.
package quality

import (
	"math"
	"time"

	"procurecore/pkg/domain"
)

// Default recency windows for the timeliness dimension.
const (
	DefaultRecencyWindow = 2 * 365 * 24 * time.Hour
	DefaultOuterBound    = 5 * 365 * 24 * time.Hour

	// minPriceSamples is the sample floor below which the accuracy dimension
	// abstains rather than flag against a thin distribution.
	minPriceSamples = 5

	// consistencyTolerance bounds the relative error of quantity × unit
	// price against the stated total.
	consistencyTolerance = 0.01
)

// Weights are the per-dimension contributions to the composite. Zero-value
// weights fall back to equal weighting.
type Weights struct {
	Completeness float64 `yaml:"completeness"`
	Consistency  float64 `yaml:"consistency"`
	Validity     float64 `yaml:"validity"`
	Timeliness   float64 `yaml:"timeliness"`
	Uniqueness   float64 `yaml:"uniqueness"`
	Accuracy     float64 `yaml:"accuracy"`
}

// EqualWeights returns the default equal weighting.
func EqualWeights() Weights {
	return Weights{Completeness: 1, Consistency: 1, Validity: 1, Timeliness: 1, Uniqueness: 1, Accuracy: 1}
}

func (w Weights) total() float64 {
	return w.Completeness + w.Consistency + w.Validity + w.Timeliness + w.Uniqueness + w.Accuracy
}

// RecordInput carries everything the scorer needs for one record.
type RecordInput struct {
	Fields     map[domain.CanonicalField]domain.FieldValue
	Violations []domain.Violation
	IngestedAt time.Time
	// DuplicateCount is the number of other records (batch-local plus
	// already committed) sharing this record's duplicate key.
	DuplicateCount int
	// PriceStats is the trailing price distribution for the record's
	// material; a zero Count disables the accuracy check.
	PriceStats domain.PriceStats
}

// Scorer computes quality scores with configurable weights and windows.
type Scorer struct {
	weights       Weights
	recencyWindow time.Duration
	outerBound    time.Duration
}

// NewScorer constructs a scorer. Zero weights or windows use the defaults.
func NewScorer(weights Weights, recencyWindow, outerBound time.Duration) *Scorer {
	if weights.total() == 0 {
		weights = EqualWeights()
	}
	if recencyWindow <= 0 {
		recencyWindow = DefaultRecencyWindow
	}
	if outerBound <= recencyWindow {
		outerBound = DefaultOuterBound
		if outerBound <= recencyWindow {
			outerBound = 2 * recencyWindow
		}
	}
	return &Scorer{weights: weights, recencyWindow: recencyWindow, outerBound: outerBound}
}

// Score computes the six dimensions and the weighted composite for one
// record. Computation is deterministic over its input.
func (s *Scorer) Score(input RecordInput) domain.QualityScore {
	dims := domain.QualityDimensions{
		Completeness: completeness(input.Fields),
		Consistency:  consistency(input.Fields),
		Validity:     validity(input.Fields, input.Violations),
		Timeliness:   s.timeliness(input.Fields, input.IngestedAt),
		Uniqueness:   uniqueness(input.DuplicateCount),
		Accuracy:     accuracy(input.Fields, input.PriceStats),
	}
	composite := (dims.Completeness*s.weights.Completeness +
		dims.Consistency*s.weights.Consistency +
		dims.Validity*s.weights.Validity +
		dims.Timeliness*s.weights.Timeliness +
		dims.Uniqueness*s.weights.Uniqueness +
		dims.Accuracy*s.weights.Accuracy) / s.weights.total()
	return domain.QualityScore{
		Dimensions: dims,
		Composite:  composite,
		Grade:      domain.GradeFor(composite),
	}
}

// completeness is the fraction of the defined canonical fields that are
// non-empty.
func completeness(fields map[domain.CanonicalField]domain.FieldValue) float64 {
	all := domain.CanonicalFields()
	populated := 0
	for _, field := range all {
		if value, ok := fields[field]; ok && !value.IsEmpty() {
			populated++
		}
	}
	return float64(populated) / float64(len(all))
}

// consistency runs the applicable cross-field checks and returns the
// fraction passed. With no applicable check the record is vacuously
// consistent.
func consistency(fields map[domain.CanonicalField]domain.FieldValue) float64 {
	applicable, passed := 0, 0

	qty, qtyOK := typedNumber(fields, domain.FieldQuantity)
	price, priceOK := typedNumber(fields, domain.FieldUnitPrice)
	total, totalOK := typedNumber(fields, domain.FieldTotalPrice)
	if qtyOK && priceOK && totalOK && total > 0 {
		applicable++
		if math.Abs(qty*price-total)/total <= consistencyTolerance {
			passed++
		}
	}

	ordered, orderedOK := typedDate(fields, domain.FieldOrderDate)
	delivery, deliveryOK := typedDate(fields, domain.FieldDeliveryDate)
	if orderedOK && deliveryOK {
		applicable++
		if !delivery.Before(ordered) {
			passed++
		}
	}

	if applicable == 0 {
		return 1
	}
	return float64(passed) / float64(applicable)
}

// validity is the fraction of checked fields whose validation rules passed.
// Missing required fields count as failed checks.
func validity(fields map[domain.CanonicalField]domain.FieldValue, violations []domain.Violation) float64 {
	checked := make(map[domain.CanonicalField]struct{})
	for field, value := range fields {
		if !value.IsEmpty() {
			checked[field] = struct{}{}
		}
	}
	for _, field := range domain.RequiredFields() {
		checked[field] = struct{}{}
	}
	failed := make(map[domain.CanonicalField]struct{})
	for _, v := range violations {
		if v.Severity == domain.SeverityHard {
			failed[v.Field] = struct{}{}
		}
	}
	if len(checked) == 0 {
		return 1
	}
	return 1 - float64(len(failed))/float64(len(checked))
}

// timeliness scores the business date against the ingestion time: 1.0 inside
// the recency window, decaying linearly to 0 at the outer bound. Records
// without a usable business date score 0.
func (s *Scorer) timeliness(fields map[domain.CanonicalField]domain.FieldValue, ingestedAt time.Time) float64 {
	date, ok := typedDate(fields, domain.FieldOrderDate)
	if !ok || ingestedAt.IsZero() {
		return 0
	}
	age := ingestedAt.Sub(date)
	if age < 0 {
		age = 0
	}
	if age <= s.recencyWindow {
		return 1
	}
	if age >= s.outerBound {
		return 0
	}
	return 1 - float64(age-s.recencyWindow)/float64(s.outerBound-s.recencyWindow)
}

// uniqueness drops proportionally to the duplicate count.
func uniqueness(duplicateCount int) float64 {
	if duplicateCount <= 0 {
		return 1
	}
	return 1 / float64(1+duplicateCount)
}

// accuracy flags statistical price anomalies: 1.0 within three standard
// deviations of the trailing mean, decaying with distance beyond that. The
// flag is advisory and never a hard failure.
func accuracy(fields map[domain.CanonicalField]domain.FieldValue, stats domain.PriceStats) float64 {
	price, ok := typedNumber(fields, domain.FieldUnitPrice)
	if !ok || stats.Count < minPriceSamples {
		return 1
	}
	var z float64
	if stats.StdDev > 0 {
		z = math.Abs(price-stats.Mean) / stats.StdDev
	} else if price != stats.Mean {
		z = 6
	}
	if z <= 3 {
		return 1
	}
	score := 1 - (z-3)/3
	if score < 0 {
		return 0
	}
	return score
}

func typedNumber(fields map[domain.CanonicalField]domain.FieldValue, field domain.CanonicalField) (float64, bool) {
	value, ok := fields[field]
	if !ok || value.Kind != domain.KindNumber || value.IsEmpty() {
		return 0, false
	}
	return value.Num, true
}

func typedDate(fields map[domain.CanonicalField]domain.FieldValue, field domain.CanonicalField) (time.Time, bool) {
	value, ok := fields[field]
	if !ok || value.Kind != domain.KindDate || value.Date.IsZero() {
		return time.Time{}, false
	}
	return value.Date, true
}

// BatchSummary aggregates per-record scores for reporting.
type BatchSummary struct {
	MeanComposite float64
	GradeCounts   map[domain.Grade]int
}

// Summarize computes the batch-level aggregate across record scores.
func Summarize(scores []domain.QualityScore) BatchSummary {
	summary := BatchSummary{GradeCounts: make(map[domain.Grade]int)}
	if len(scores) == 0 {
		return summary
	}
	var sum float64
	for _, score := range scores {
		sum += score.Composite
		summary.GradeCounts[score.Grade]++
	}
	summary.MeanComposite = sum / float64(len(scores))
	return summary
}
