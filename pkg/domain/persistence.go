package domain

import (
	"context"
	"time"
)

// CommitSet is the atomic unit applied by the commit engine for one record:
// proposed catalog entries, derived facts, the commit result, and the record
// status flip. A store must apply the whole set or none of it, and must
// surface DuplicateKeyError before applying anything when a proposed entry
// collides with the uniqueness constraint.
type CommitSet struct {
	RecordID   string
	NewEntries []CatalogEntry
	OrderLine  *PurchaseOrderLine
	PriceObs   *PriceObservation
	Result     CommitResult
}

// Store is the persistence contract shared by the in-memory, SQLite, and
// Postgres implementations. All catalog mutation funnels through
// InsertCatalogEntry and CommitRecord, whose uniqueness handling is the
// pipeline's concurrency-correctness mechanism.
type Store interface {
	// Batches.
	CreateBatch(ctx context.Context, batch StagingBatch) (StagingBatch, error)
	GetBatch(ctx context.Context, id string) (StagingBatch, error)
	ListBatches(ctx context.Context, organizationID string) ([]StagingBatch, error)
	// UpdateBatchStatus enforces monotonic transitions and returns
	// InvalidTransitionError on violations.
	UpdateBatchStatus(ctx context.Context, id string, status BatchStatus, reason string) (StagingBatch, error)

	// Staging records.
	InsertRecords(ctx context.Context, records []StagingRecord) error
	GetRecord(ctx context.Context, id string) (StagingRecord, error)
	ListRecords(ctx context.Context, batchID string) ([]StagingRecord, error)
	UpdateRecord(ctx context.Context, id string, mutate func(*StagingRecord) error) (StagingRecord, error)

	// Catalog.
	CatalogSnapshot(ctx context.Context, organizationID string, entryType EntryType) ([]CatalogEntry, error)
	GetCatalogEntry(ctx context.Context, id string) (CatalogEntry, error)
	FindCatalogEntryByKey(ctx context.Context, organizationID string, entryType EntryType, key string) (CatalogEntry, error)
	// InsertCatalogEntry returns DuplicateKeyError carrying the surviving
	// entry when the (organization, type, normalized key) constraint trips.
	InsertCatalogEntry(ctx context.Context, entry CatalogEntry) (CatalogEntry, error)
	// TouchCatalogEntry bumps the most-recently-used marker consumed by the
	// auto-match tie-break.
	TouchCatalogEntry(ctx context.Context, id string, at time.Time) error

	// Decisions. PutDecision is write-once for finalized decisions: a
	// placeholder (pending) decision may be finalized exactly once, after
	// which further writes return DecisionConflictError.
	PutDecision(ctx context.Context, decision MatchDecision) error
	GetDecision(ctx context.Context, recordID string) (MatchDecision, error)

	// Quality scores.
	PutQualityScore(ctx context.Context, score QualityScore) error
	GetQualityScore(ctx context.Context, recordID string) (QualityScore, error)

	// Commit path.
	CommitRecord(ctx context.Context, set CommitSet) error
	GetCommitResult(ctx context.Context, recordID string) (CommitResult, error)
	// DuplicateFactCount reports how many committed order lines share the
	// given duplicate key (uniqueness dimension input).
	DuplicateFactCount(ctx context.Context, organizationID, duplicateKey string) (int, error)
	// PriceStats returns the trailing price distribution for a material key
	// (accuracy dimension input).
	PriceStats(ctx context.Context, organizationID, materialKey string) (PriceStats, error)

	// Conflict queue.
	EnqueueConflict(ctx context.Context, entry ConflictEntry) error
	GetConflict(ctx context.Context, recordID string) (ConflictEntry, error)
	OpenConflicts(ctx context.Context, organizationID string) ([]ConflictEntry, error)
	UpdateConflict(ctx context.Context, recordID string, mutate func(*ConflictEntry) error) (ConflictEntry, error)

	// Mapping templates.
	SaveTemplate(ctx context.Context, template MappingTemplate) error
	GetTemplate(ctx context.Context, organizationID, name string) (MappingTemplate, error)
}
