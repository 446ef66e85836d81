// Package domain defines the persistent entities, value types, and
// validation primitives used by the procurecore ingestion pipeline.
package domain

import (
	"fmt"
	"time"
)

// EntityType identifies the type of record stored in the core domain.
type EntityType string

// Supported entity type identifiers used in persistence buckets and audit records.
const (
	// EntityBatch identifies a staging batch record.
	EntityBatch EntityType = "staging_batch"
	// EntityRecord identifies a staging record.
	EntityRecord EntityType = "staging_record"
	// EntityCatalogEntry identifies a deduplicated catalog entry.
	EntityCatalogEntry EntityType = "catalog_entry"
	// EntityDecision identifies a match decision.
	EntityDecision EntityType = "match_decision"
	// EntityQualityScore identifies a quality score record.
	EntityQualityScore EntityType = "quality_score"
	// EntityCommitResult identifies a commit result record.
	EntityCommitResult EntityType = "commit_result"
	// EntityConflict identifies a conflict queue entry.
	EntityConflict EntityType = "conflict_entry"
	// EntityOrderLine identifies a derived purchase-order line fact.
	EntityOrderLine EntityType = "order_line"
	// EntityPriceObservation identifies a derived price observation fact.
	EntityPriceObservation EntityType = "price_observation"
	// EntityTemplate identifies a saved mapping template.
	EntityTemplate EntityType = "mapping_template"
)

// BatchStatus represents the staging batch lifecycle states.
type BatchStatus string

// Canonical batch statuses. Transitions are monotonic except the explicit
// retry paths from failed and from completed back to resolving.
const (
	BatchPending    BatchStatus = "pending"
	BatchMapping    BatchStatus = "mapping"
	BatchResolving  BatchStatus = "resolving"
	BatchCommitting BatchStatus = "committing"
	BatchCompleted  BatchStatus = "completed"
	BatchFailed     BatchStatus = "failed"
)

var batchStatusRank = map[BatchStatus]int{
	BatchPending:    0,
	BatchMapping:    1,
	BatchResolving:  2,
	BatchCommitting: 3,
	BatchCompleted:  4,
	BatchFailed:     4,
}

// CanTransition reports whether a batch may move from one status to another.
// Failed batches may re-enter resolving via retry, completed batches may
// re-enter resolving to retry errored records; everything else only moves
// forward.
func CanTransition(from, to BatchStatus) bool {
	switch from {
	case BatchFailed:
		return to == BatchResolving || to == BatchFailed
	case BatchCompleted:
		return to == BatchResolving
	}
	fromRank, ok := batchStatusRank[from]
	if !ok {
		return false
	}
	toRank, ok := batchStatusRank[to]
	if !ok {
		return false
	}
	return toRank > fromRank
}

// RecordStatus represents the staging record lifecycle states.
type RecordStatus string

// Canonical record statuses. A record reaches exactly one terminal status per
// pipeline pass; errored records may be retried.
const (
	RecordPending     RecordStatus = "pending"
	RecordInvalid     RecordStatus = "invalid"
	RecordResolved    RecordStatus = "resolved"
	RecordNeedsReview RecordStatus = "needs_review"
	RecordCommitted   RecordStatus = "committed"
	RecordErrored     RecordStatus = "errored"
)

// IsTerminal reports whether the status ends a record's progression for the
// current pipeline pass. Needs-review is terminal until a human resolves the
// conflict; errored is terminal until the next retry pass.
func (s RecordStatus) IsTerminal() bool {
	switch s {
	case RecordInvalid, RecordCommitted, RecordErrored, RecordNeedsReview:
		return true
	}
	return false
}

// EntryType distinguishes the two catalog namespaces.
type EntryType string

// Catalog entry types. The normalized-key uniqueness constraint is scoped per
// (organization, entry type).
const (
	EntrySupplier EntryType = "supplier"
	EntryMaterial EntryType = "material"
)

// StagingBatch tracks one upload through the pipeline state machine.
type StagingBatch struct {
	ID             string      `json:"id"`
	UploadRef      string      `json:"upload_ref"`
	OrganizationID string      `json:"organization_id"`
	TemplateName   string      `json:"template_name,omitempty"`
	Status         BatchStatus `json:"status"`
	FailureReason  string      `json:"failure_reason,omitempty"`
	RecordCount    int         `json:"record_count"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// RawCell is one source column/value pair. Order is preserved from the
// uploaded row because pattern mapping must be deterministic over it.
type RawCell struct {
	Column string `json:"column"`
	Value  string `json:"value"`
}

// StagingRecord tracks one raw input row. Records are created once per row,
// mutated only by pipeline stages, and retained for audit.
type StagingRecord struct {
	ID               string                        `json:"id"`
	BatchID          string                        `json:"batch_id"`
	OrganizationID   string                        `json:"organization_id"`
	LineNumber       int                           `json:"line_number"`
	RawFields        []RawCell                     `json:"raw_fields"`
	NormalizedFields map[CanonicalField]FieldValue `json:"normalized_fields,omitempty"`
	ValidationErrors []FieldError                  `json:"validation_errors,omitempty"`
	Status           RecordStatus                  `json:"status"`
	ErrorReason      string                        `json:"error_reason,omitempty"`
	UpdatedAt        time.Time                     `json:"updated_at"`
}

// FieldError reports one failed validation rule against one canonical field.
type FieldError struct {
	Field   CanonicalField `json:"field"`
	Rule    string         `json:"rule"`
	Message string         `json:"message"`
}

// CatalogEntry is a persisted, deduplicated supplier or material record.
// NormalizedKey is unique per (OrganizationID, Type); that uniqueness is the
// concurrency-safety anchor for the commit engine.
type CatalogEntry struct {
	ID             string            `json:"id"`
	OrganizationID string            `json:"organization_id"`
	Type           EntryType         `json:"type"`
	CanonicalName  string            `json:"canonical_name"`
	NormalizedKey  string            `json:"normalized_key"`
	Attributes     map[string]string `json:"attributes,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	LastMatchedAt  time.Time         `json:"last_matched_at"`
}

// ScoreBreakdown explains how a candidate's composite score was assembled.
type ScoreBreakdown struct {
	TokenOverlap   float64 `json:"token_overlap"`
	EditSimilarity float64 `json:"edit_similarity"`
	ExactKey       bool    `json:"exact_key,omitempty"`
	AuxiliaryMatch bool    `json:"auxiliary_match,omitempty"`
}

// MatchCandidate is one scored catalog entry considered during resolution.
// Candidates are ephemeral: they survive only inside conflict queue entries.
type MatchCandidate struct {
	EntryID   string         `json:"entry_id"`
	Name      string         `json:"name"`
	Score     float64        `json:"score"`
	Breakdown ScoreBreakdown `json:"breakdown"`
}

// ResolutionKind classifies how a reference was (or will be) resolved.
type ResolutionKind string

// Resolution kinds recorded on match decisions.
const (
	ResolutionAutoMatched     ResolutionKind = "auto_matched"
	ResolutionManuallyMatched ResolutionKind = "manually_matched"
	ResolutionCreatedNew      ResolutionKind = "created_new"
	// ResolutionPending marks a placeholder awaiting a human decision.
	ResolutionPending ResolutionKind = "pending"
)

// ReferenceResolution captures the outcome for a single reference field.
// For created-new resolutions EntityID stays empty until the commit engine
// inserts the proposed entry.
type ReferenceResolution struct {
	Kind         ResolutionKind    `json:"kind"`
	EntityID     string            `json:"entity_id,omitempty"`
	Score        float64           `json:"score,omitempty"`
	ProposedName string            `json:"proposed_name,omitempty"`
	ProposedKey  string            `json:"proposed_key,omitempty"`
	Attributes   map[string]string `json:"attributes,omitempty"`
}

// MatchDecision records the resolution outcome for a staging record. Exactly
// one exists per record that reaches resolution. A decision containing any
// pending reference is a placeholder; it becomes immutable once finalized.
type MatchDecision struct {
	RecordID   string                            `json:"record_id"`
	References map[EntryType]ReferenceResolution `json:"references"`
	ResolvedBy string                            `json:"resolved_by"`
	ResolvedAt time.Time                         `json:"resolved_at"`
}

// Pending reports whether any reference still awaits a human decision.
func (d MatchDecision) Pending() bool {
	for _, ref := range d.References {
		if ref.Kind == ResolutionPending {
			return true
		}
	}
	return false
}

// Grade buckets a composite quality score for reporting.
type Grade string

// Grade bands applied to composite quality scores.
const (
	GradeA Grade = "A"
	GradeB Grade = "B"
	GradeC Grade = "C"
	GradeD Grade = "D"
	GradeF Grade = "F"
)

// GradeFor maps a composite score onto its reporting band.
func GradeFor(composite float64) Grade {
	switch {
	case composite >= 0.90:
		return GradeA
	case composite >= 0.80:
		return GradeB
	case composite >= 0.70:
		return GradeC
	case composite >= 0.60:
		return GradeD
	default:
		return GradeF
	}
}

// QualityDimensions holds the six per-record dimension scores, each in [0,1].
type QualityDimensions struct {
	Completeness float64 `json:"completeness"`
	Consistency  float64 `json:"consistency"`
	Validity     float64 `json:"validity"`
	Timeliness   float64 `json:"timeliness"`
	Uniqueness   float64 `json:"uniqueness"`
	Accuracy     float64 `json:"accuracy"`
}

// QualityScore is the persisted quality assessment for one staging record.
type QualityScore struct {
	RecordID   string            `json:"record_id"`
	Dimensions QualityDimensions `json:"dimensions"`
	Composite  float64           `json:"composite"`
	Grade      Grade             `json:"grade"`
	ScoredAt   time.Time         `json:"scored_at"`
}

// PurchaseOrderLine is a derived fact committed for a resolved record.
type PurchaseOrderLine struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	RecordID       string    `json:"record_id"`
	SupplierID     string    `json:"supplier_id"`
	MaterialID     string    `json:"material_id"`
	Quantity       float64   `json:"quantity"`
	UnitPrice      float64   `json:"unit_price"`
	TotalPrice     float64   `json:"total_price"`
	Currency       string    `json:"currency,omitempty"`
	OrderNumber    string    `json:"order_number,omitempty"`
	OrderDate      time.Time `json:"order_date"`
	// DuplicateKey canonicalizes supplier+material+date+amount for
	// near-duplicate detection in the uniqueness dimension.
	DuplicateKey string    `json:"duplicate_key"`
	CommittedAt  time.Time `json:"committed_at"`
}

// DuplicateKeyFor canonicalizes the supplier+material+date+amount identity
// used for near-duplicate detection across batches.
func DuplicateKeyFor(supplierKey, materialKey string, date time.Time, amount float64) string {
	return fmt.Sprintf("%s|%s|%s|%.4f", supplierKey, materialKey, date.Format("2006-01-02"), amount)
}

// PriceObservation is a derived fact feeding the trailing price distribution
// consumed by the accuracy dimension.
type PriceObservation struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	RecordID       string    `json:"record_id"`
	MaterialID     string    `json:"material_id"`
	MaterialKey    string    `json:"material_key"`
	SupplierID     string    `json:"supplier_id"`
	UnitPrice      float64   `json:"unit_price"`
	Currency       string    `json:"currency,omitempty"`
	ObservedAt     time.Time `json:"observed_at"`
}

// CommitResult is the idempotency anchor: it is written exactly once per
// record, inside the same transaction as the record's facts.
type CommitResult struct {
	RecordID         string    `json:"record_id"`
	CreatedEntityIDs []string  `json:"created_entity_ids,omitempty"`
	MatchedEntityIDs []string  `json:"matched_entity_ids,omitempty"`
	CreatedFactIDs   []string  `json:"created_fact_ids,omitempty"`
	CommittedAt      time.Time `json:"committed_at"`
}

// ConflictStatus tracks conflict queue entry lifecycle.
type ConflictStatus string

// Conflict queue entry statuses. There is no timeout-driven auto-resolution:
// an open conflict simply leaves its record uncommitted.
const (
	ConflictOpen     ConflictStatus = "open"
	ConflictResolved ConflictStatus = "resolved"
)

// ConflictReference is one ambiguous reference within a conflict entry,
// with its review-band candidates ranked descending by score.
type ConflictReference struct {
	Type          EntryType        `json:"type"`
	Input         string           `json:"input"`
	NormalizedKey string           `json:"normalized_key"`
	Candidates    []MatchCandidate `json:"candidates"`
	Resolved      bool             `json:"resolved"`
}

// ConflictEntry is a durable per-record queue entry holding ambiguous
// resolutions pending a human decision.
type ConflictEntry struct {
	RecordID       string              `json:"record_id"`
	BatchID        string              `json:"batch_id"`
	OrganizationID string              `json:"organization_id"`
	References     []ConflictReference `json:"references"`
	Status         ConflictStatus      `json:"status"`
	CreatedAt      time.Time           `json:"created_at"`
	ResolvedAt     time.Time           `json:"resolved_at,omitempty"`
}

// MappingTemplate is a saved explicit source-column to canonical-field map,
// keyed by organization and template name.
type MappingTemplate struct {
	OrganizationID string                    `json:"organization_id"`
	Name           string                    `json:"name"`
	Columns        map[string]CanonicalField `json:"columns"`
	CreatedAt      time.Time                 `json:"created_at"`
}

// PriceStats summarizes the trailing price distribution for one material.
type PriceStats struct {
	Count  int     `json:"count"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stddev"`
}

// BatchReport aggregates per-batch outcomes for reporting surfaces. It never
// gates commits.
type BatchReport struct {
	BatchID         string               `json:"batch_id"`
	Status          BatchStatus          `json:"status"`
	StatusCounts    map[RecordStatus]int `json:"status_counts"`
	GradeCounts     map[Grade]int        `json:"grade_counts"`
	MeanComposite   float64              `json:"mean_composite"`
	CreatedEntities int                  `json:"created_entities"`
	MatchedEntities int                  `json:"matched_entities"`
	OpenConflicts   int                  `json:"open_conflicts"`
}
