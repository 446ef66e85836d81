// Package mapper maps raw source columns onto the canonical field set using
// a saved mapping template or a synonym pattern library. Mapping is a pure
// function of its inputs; identical rows and templates always produce
// identical output.
package mapper

import (
	"sort"
	"strings"

	"procurecore/pkg/domain"
)

// Score levels assigned to column/field pairings, mirroring the pattern
// confidence ladder: exact name match, synonym containment, partial token
// containment.
const (
	scoreExact   = 1.0
	scoreSynonym = 0.8
	scorePartial = 0.6

	// DefaultFloor is the minimum score a pairing needs to be assigned.
	DefaultFloor = 0.5
)

// PatternLibrary holds the known synonym substrings per canonical field.
type PatternLibrary map[domain.CanonicalField][]string

// DefaultPatterns returns the built-in synonym library for procurement
// uploads. Synonyms are matched case-insensitively as substrings in either
// direction.
func DefaultPatterns() PatternLibrary {
	return PatternLibrary{
		domain.FieldSupplierName:  {"supplier", "vendor", "seller", "supplier name"},
		domain.FieldSupplierTaxID: {"tax id", "tax", "vat", "registration"},
		domain.FieldMaterialName:  {"material", "item", "product", "description", "article"},
		domain.FieldMaterialCode:  {"sku", "material code", "item code", "part number", "article no"},
		domain.FieldQuantity:      {"quantity", "qty", "units ordered"},
		domain.FieldUnit:          {"unit", "uom", "measure"},
		domain.FieldUnitPrice:     {"price", "unit price", "rate", "price per unit"},
		domain.FieldTotalPrice:    {"total", "total price", "line total", "net amount"},
		domain.FieldCurrency:      {"currency", "curr"},
		domain.FieldOrderNumber:   {"order number", "po number", "purchase order", "po"},
		domain.FieldOrderDate:     {"date", "order date", "po date"},
		domain.FieldDeliveryDate:  {"delivery", "delivery date", "due date"},
	}
}

// Mapper assigns raw columns to canonical fields.
type Mapper struct {
	patterns PatternLibrary
	floor    float64
}

// New constructs a mapper over the given pattern library. A nil library uses
// the defaults; a non-positive floor uses DefaultFloor.
func New(patterns PatternLibrary, floor float64) *Mapper {
	if patterns == nil {
		patterns = DefaultPatterns()
	}
	if floor <= 0 {
		floor = DefaultFloor
	}
	return &Mapper{patterns: patterns, floor: floor}
}

// Map converts one raw row into canonical fields. When template is non-nil
// its explicit column map is authoritative; otherwise the pattern library is
// scored greedily, highest score first, without reusing a column for two
// canonical fields. Unmapped required fields are left absent for the
// validator to flag. Values are carried raw; the validator performs typing.
func (m *Mapper) Map(row []domain.RawCell, template *domain.MappingTemplate) map[domain.CanonicalField]domain.FieldValue {
	if template != nil {
		return m.applyTemplate(row, template)
	}
	return m.applyPatterns(row)
}

func (m *Mapper) applyTemplate(row []domain.RawCell, template *domain.MappingTemplate) map[domain.CanonicalField]domain.FieldValue {
	out := make(map[domain.CanonicalField]domain.FieldValue)
	for _, cell := range row {
		field, ok := template.Columns[cell.Column]
		if !ok {
			field, ok = lookupFold(template.Columns, cell.Column)
		}
		if !ok {
			continue
		}
		if _, taken := out[field]; taken {
			continue
		}
		out[field] = rawValue(field, cell.Value)
	}
	return out
}

func lookupFold(columns map[string]domain.CanonicalField, name string) (domain.CanonicalField, bool) {
	for col, field := range columns {
		if strings.EqualFold(col, name) {
			return field, true
		}
	}
	return "", false
}

type pairing struct {
	field    domain.CanonicalField
	fieldIdx int
	colIdx   int
	score    float64
}

func (m *Mapper) applyPatterns(row []domain.RawCell) map[domain.CanonicalField]domain.FieldValue {
	columns := make([]string, len(row))
	for i, cell := range row {
		columns[i] = cell.Column
	}
	out := make(map[domain.CanonicalField]domain.FieldValue)
	for colIdx, field := range m.assign(columns) {
		out[field] = rawValue(field, row[colIdx].Value)
	}
	return out
}

// Assign returns the column-to-field assignment the pattern scorer chooses
// for the given headers, keyed by column name. It is what a template saved
// from an accepted batch mapping records.
func (m *Mapper) Assign(columns []string) map[string]domain.CanonicalField {
	out := make(map[string]domain.CanonicalField)
	for colIdx, field := range m.assign(columns) {
		out[columns[colIdx]] = field
	}
	return out
}

func (m *Mapper) assign(columns []string) map[int]domain.CanonicalField {
	fields := domain.CanonicalFields()
	var pairings []pairing
	for fi, field := range fields {
		for ci, column := range columns {
			score := m.scorePairing(field, column)
			if score < m.floor {
				continue
			}
			pairings = append(pairings, pairing{field: field, fieldIdx: fi, colIdx: ci, score: score})
		}
	}
	// Highest composite score first; ties break on column order then field
	// declaration order so mapping stays deterministic.
	sort.Slice(pairings, func(i, j int) bool {
		if pairings[i].score != pairings[j].score {
			return pairings[i].score > pairings[j].score
		}
		if pairings[i].colIdx != pairings[j].colIdx {
			return pairings[i].colIdx < pairings[j].colIdx
		}
		return pairings[i].fieldIdx < pairings[j].fieldIdx
	})

	out := make(map[int]domain.CanonicalField)
	usedColumns := make(map[int]bool)
	usedFields := make(map[domain.CanonicalField]bool)
	for _, p := range pairings {
		if usedColumns[p.colIdx] || usedFields[p.field] {
			continue
		}
		usedColumns[p.colIdx] = true
		usedFields[p.field] = true
		out[p.colIdx] = p.field
	}
	return out
}

// scorePairing rates one column header against one canonical field.
func (m *Mapper) scorePairing(field domain.CanonicalField, column string) float64 {
	header := normalizeHeader(column)
	if header == "" {
		return 0
	}
	canonical := normalizeHeader(string(field))
	if header == canonical {
		return scoreExact
	}
	for _, synonym := range m.patterns[field] {
		syn := normalizeHeader(synonym)
		if syn == "" {
			continue
		}
		if strings.Contains(header, syn) || strings.Contains(syn, header) {
			return scoreSynonym
		}
	}
	for _, token := range strings.Fields(canonical) {
		if len(token) < 3 {
			continue
		}
		if strings.Contains(header, token) || strings.Contains(token, header) {
			return scorePartial
		}
	}
	return 0
}

// normalizeHeader folds case and treats underscores, dashes, and dots as
// spaces so "Unit_Price", "unit-price", and "Unit Price" compare equal.
func normalizeHeader(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	replacer := strings.NewReplacer("_", " ", "-", " ", ".", " ", "/", " ")
	s = replacer.Replace(s)
	return strings.Join(strings.Fields(s), " ")
}

func rawValue(field domain.CanonicalField, value string) domain.FieldValue {
	return domain.FieldValue{Kind: domain.KindOf(field), Raw: strings.TrimSpace(value)}
}
