package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// CanonicalField is a normalized business attribute name that all source
// column names are mapped onto.
type CanonicalField string

// The fixed canonical field set understood by the pipeline.
const (
	FieldSupplierName  CanonicalField = "supplier_name"
	FieldSupplierTaxID CanonicalField = "supplier_tax_id"
	FieldMaterialName  CanonicalField = "material_name"
	FieldMaterialCode  CanonicalField = "material_code"
	FieldQuantity      CanonicalField = "quantity"
	FieldUnit          CanonicalField = "unit"
	FieldUnitPrice     CanonicalField = "unit_price"
	FieldTotalPrice    CanonicalField = "total_price"
	FieldCurrency      CanonicalField = "currency"
	FieldOrderNumber   CanonicalField = "order_number"
	FieldOrderDate     CanonicalField = "order_date"
	FieldDeliveryDate  CanonicalField = "delivery_date"
)

// CanonicalFields lists every defined field in declaration order. The order
// is the deterministic tie-break for mapper assignment.
func CanonicalFields() []CanonicalField {
	return []CanonicalField{
		FieldSupplierName,
		FieldSupplierTaxID,
		FieldMaterialName,
		FieldMaterialCode,
		FieldQuantity,
		FieldUnit,
		FieldUnitPrice,
		FieldTotalPrice,
		FieldCurrency,
		FieldOrderNumber,
		FieldOrderDate,
		FieldDeliveryDate,
	}
}

// RequiredFields lists the fields a record must carry to pass validation.
func RequiredFields() []CanonicalField {
	return []CanonicalField{
		FieldSupplierName,
		FieldMaterialName,
		FieldQuantity,
		FieldUnitPrice,
		FieldOrderDate,
	}
}

// IsRequired reports whether the field belongs to the required set.
func (f CanonicalField) IsRequired() bool {
	for _, r := range RequiredFields() {
		if r == f {
			return true
		}
	}
	return false
}

// FieldKind is the typed-value discriminator for canonical fields.
type FieldKind string

// Field kinds supported by the typed value union.
const (
	KindString FieldKind = "string"
	KindNumber FieldKind = "number"
	KindDate   FieldKind = "date"
)

// KindOf returns the declared kind for a canonical field.
func KindOf(f CanonicalField) FieldKind {
	switch f {
	case FieldQuantity, FieldUnitPrice, FieldTotalPrice:
		return KindNumber
	case FieldOrderDate, FieldDeliveryDate:
		return KindDate
	default:
		return KindString
	}
}

// FieldValue is a typed value union: exactly one of Str, Num, or Date is
// meaningful, selected by Kind. Raw always preserves the source text.
type FieldValue struct {
	Kind FieldKind `json:"kind"`
	Raw  string    `json:"raw"`
	Str  string    `json:"str,omitempty"`
	Num  float64   `json:"num,omitempty"`
	Date time.Time `json:"date"`
}

// StringValue wraps a string into the value union.
func StringValue(raw string) FieldValue {
	return FieldValue{Kind: KindString, Raw: raw, Str: raw}
}

// NumberValue wraps a parsed number, retaining the raw source text.
func NumberValue(raw string, n float64) FieldValue {
	return FieldValue{Kind: KindNumber, Raw: raw, Num: n}
}

// DateValue wraps a parsed date, retaining the raw source text.
func DateValue(raw string, t time.Time) FieldValue {
	return FieldValue{Kind: KindDate, Raw: raw, Date: t}
}

// IsEmpty reports whether the value carries no usable content.
func (v FieldValue) IsEmpty() bool {
	return v.Raw == ""
}

// String renders the value for display and logging.
func (v FieldValue) String() string {
	switch v.Kind {
	case KindNumber:
		return fmt.Sprintf("%g", v.Num)
	case KindDate:
		if v.Date.IsZero() {
			return v.Raw
		}
		return v.Date.Format("2006-01-02")
	default:
		return v.Str
	}
}

// MarshalJSON keeps zero dates out of serialized payloads for Go versions
// without omitzero-aware encoding of time.Time.
func (v FieldValue) MarshalJSON() ([]byte, error) {
	type alias struct {
		Kind FieldKind  `json:"kind"`
		Raw  string     `json:"raw"`
		Str  string     `json:"str,omitempty"`
		Num  float64    `json:"num,omitempty"`
		Date *time.Time `json:"date,omitempty"`
	}
	a := alias{Kind: v.Kind, Raw: v.Raw, Str: v.Str, Num: v.Num}
	if !v.Date.IsZero() {
		t := v.Date
		a.Date = &t
	}
	return json.Marshal(a)
}

// UnmarshalJSON mirrors MarshalJSON.
func (v *FieldValue) UnmarshalJSON(data []byte) error {
	type alias struct {
		Kind FieldKind  `json:"kind"`
		Raw  string     `json:"raw"`
		Str  string     `json:"str"`
		Num  float64    `json:"num"`
		Date *time.Time `json:"date"`
	}
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	v.Kind = a.Kind
	v.Raw = a.Raw
	v.Str = a.Str
	v.Num = a.Num
	if a.Date != nil {
		v.Date = *a.Date
	} else {
		v.Date = time.Time{}
	}
	return nil
}
