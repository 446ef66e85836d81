// Package commit applies finalized match decisions to the catalog and the
// derived fact tables. Each record commits atomically and at most once; the
// persisted CommitResult is the idempotency anchor, and the catalog's
// normalized-key uniqueness constraint is the cross-batch race recovery
// mechanism.
package commit

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"procurecore/pkg/domain"
)

// Engine turns a resolved staging record plus its finalized decision into an
// atomic CommitSet and applies it through the store.
type Engine struct {
	store domain.Store

	// Now and NewID are overridable for tests.
	Now   func() time.Time
	NewID func() string
}

// NewEngine constructs a commit engine over the given store.
func NewEngine(store domain.Store) *Engine {
	return &Engine{store: store, Now: time.Now, NewID: uuid.NewString}
}

// Commit applies the decision for one record. Re-committing an already
// committed record returns the stored result without side effects. A
// created-new resolution that loses a uniqueness race against a concurrent
// insert is adopted as a match against the surviving entry and the commit is
// retried.
func (e *Engine) Commit(ctx context.Context, record domain.StagingRecord, decision domain.MatchDecision) (domain.CommitResult, error) {
	if existing, err := e.store.GetCommitResult(ctx, record.ID); err == nil {
		return existing, nil
	} else if !domain.IsNotFound(err) {
		return domain.CommitResult{}, fmt.Errorf("check commit result for record %s: %w", record.ID, err)
	}
	if decision.Pending() {
		return domain.CommitResult{}, fmt.Errorf("record %s: decision has pending references", record.ID)
	}

	refs := make(map[domain.EntryType]domain.ReferenceResolution, 2)
	for _, entryType := range []domain.EntryType{domain.EntrySupplier, domain.EntryMaterial} {
		ref, ok := decision.References[entryType]
		if !ok {
			return domain.CommitResult{}, fmt.Errorf("record %s: decision missing %s reference", record.ID, entryType)
		}
		refs[entryType] = ref
	}

	// Each retry can adopt at most one lost reference, so the loop is
	// bounded by the reference count.
	for attempt := 0; attempt <= len(refs); attempt++ {
		set, matchedIDs, err := e.buildSet(ctx, record, refs)
		if err != nil {
			return domain.CommitResult{}, err
		}
		err = e.store.CommitRecord(ctx, set)
		if err == nil {
			// MRU bump is advisory tie-break input only; a failed touch
			// never invalidates the commit.
			for _, id := range matchedIDs {
				_ = e.store.TouchCatalogEntry(ctx, id, set.Result.CommittedAt)
			}
			return set.Result, nil
		}
		survivor, lost := domain.IsDuplicateKey(err)
		if !lost {
			return domain.CommitResult{}, fmt.Errorf("commit record %s: %w", record.ID, err)
		}
		adopted := false
		for entryType, ref := range refs {
			if ref.Kind == domain.ResolutionCreatedNew &&
				entryType == survivor.Type &&
				ref.ProposedKey == survivor.NormalizedKey {
				refs[entryType] = domain.ReferenceResolution{
					Kind:     domain.ResolutionAutoMatched,
					EntityID: survivor.ID,
					Score:    1,
				}
				adopted = true
			}
		}
		if !adopted {
			return domain.CommitResult{}, fmt.Errorf("commit record %s: %w", record.ID, err)
		}
	}
	return domain.CommitResult{}, fmt.Errorf("commit record %s: duplicate-key recovery did not converge", record.ID)
}

// buildSet assembles the atomic commit unit: proposed catalog entries for
// created-new references, the order line and price observation facts, and the
// commit result. It also returns the matched entry IDs for the MRU bump.
func (e *Engine) buildSet(ctx context.Context, record domain.StagingRecord, refs map[domain.EntryType]domain.ReferenceResolution) (domain.CommitSet, []string, error) {
	now := e.Now().UTC()
	result := domain.CommitResult{RecordID: record.ID, CommittedAt: now}

	entityIDs := make(map[domain.EntryType]string, len(refs))
	entryKeys := make(map[domain.EntryType]string, len(refs))
	var newEntries []domain.CatalogEntry
	var matchedIDs []string

	// Deterministic entry order keeps duplicate-key recovery reproducible.
	entryTypes := make([]domain.EntryType, 0, len(refs))
	for entryType := range refs {
		entryTypes = append(entryTypes, entryType)
	}
	sort.Slice(entryTypes, func(i, j int) bool { return entryTypes[i] < entryTypes[j] })

	for _, entryType := range entryTypes {
		ref := refs[entryType]
		switch ref.Kind {
		case domain.ResolutionAutoMatched, domain.ResolutionManuallyMatched:
			if ref.EntityID == "" {
				return domain.CommitSet{}, nil, fmt.Errorf("record %s: %s resolution has no entity id", record.ID, entryType)
			}
			entry, err := e.store.GetCatalogEntry(ctx, ref.EntityID)
			if err != nil {
				return domain.CommitSet{}, nil, fmt.Errorf("record %s: load matched %s entry: %w", record.ID, entryType, err)
			}
			entityIDs[entryType] = entry.ID
			entryKeys[entryType] = entry.NormalizedKey
			matchedIDs = append(matchedIDs, entry.ID)
			result.MatchedEntityIDs = append(result.MatchedEntityIDs, entry.ID)
		case domain.ResolutionCreatedNew:
			if ref.ProposedKey == "" {
				return domain.CommitSet{}, nil, fmt.Errorf("record %s: %s creation has no proposed key", record.ID, entryType)
			}
			entry := domain.CatalogEntry{
				ID:             e.NewID(),
				OrganizationID: record.OrganizationID,
				Type:           entryType,
				CanonicalName:  ref.ProposedName,
				NormalizedKey:  ref.ProposedKey,
				Attributes:     ref.Attributes,
				CreatedAt:      now,
				LastMatchedAt:  now,
			}
			newEntries = append(newEntries, entry)
			entityIDs[entryType] = entry.ID
			entryKeys[entryType] = entry.NormalizedKey
			result.CreatedEntityIDs = append(result.CreatedEntityIDs, entry.ID)
		default:
			return domain.CommitSet{}, nil, fmt.Errorf("record %s: %s resolution kind %q is not committable", record.ID, entryType, ref.Kind)
		}
	}

	quantity, ok := numberField(record, domain.FieldQuantity)
	if !ok {
		return domain.CommitSet{}, nil, fmt.Errorf("record %s: quantity is not a typed number", record.ID)
	}
	unitPrice, ok := numberField(record, domain.FieldUnitPrice)
	if !ok {
		return domain.CommitSet{}, nil, fmt.Errorf("record %s: unit price is not a typed number", record.ID)
	}
	totalPrice, ok := numberField(record, domain.FieldTotalPrice)
	if !ok {
		totalPrice = quantity * unitPrice
	}
	orderDate, ok := dateField(record, domain.FieldOrderDate)
	if !ok {
		return domain.CommitSet{}, nil, fmt.Errorf("record %s: order date is not a typed date", record.ID)
	}

	line := domain.PurchaseOrderLine{
		ID:             e.NewID(),
		OrganizationID: record.OrganizationID,
		RecordID:       record.ID,
		SupplierID:     entityIDs[domain.EntrySupplier],
		MaterialID:     entityIDs[domain.EntryMaterial],
		Quantity:       quantity,
		UnitPrice:      unitPrice,
		TotalPrice:     totalPrice,
		Currency:       stringField(record, domain.FieldCurrency),
		OrderNumber:    stringField(record, domain.FieldOrderNumber),
		OrderDate:      orderDate,
		DuplicateKey: domain.DuplicateKeyFor(
			entryKeys[domain.EntrySupplier], entryKeys[domain.EntryMaterial], orderDate, totalPrice),
		CommittedAt: now,
	}
	obs := domain.PriceObservation{
		ID:             e.NewID(),
		OrganizationID: record.OrganizationID,
		RecordID:       record.ID,
		MaterialID:     entityIDs[domain.EntryMaterial],
		MaterialKey:    entryKeys[domain.EntryMaterial],
		SupplierID:     entityIDs[domain.EntrySupplier],
		UnitPrice:      unitPrice,
		Currency:       line.Currency,
		ObservedAt:     orderDate,
	}
	result.CreatedFactIDs = []string{line.ID, obs.ID}

	return domain.CommitSet{
		RecordID:   record.ID,
		NewEntries: newEntries,
		OrderLine:  &line,
		PriceObs:   &obs,
		Result:     result,
	}, matchedIDs, nil
}

func numberField(record domain.StagingRecord, field domain.CanonicalField) (float64, bool) {
	value, ok := record.NormalizedFields[field]
	if !ok || value.Kind != domain.KindNumber || value.IsEmpty() {
		return 0, false
	}
	return value.Num, true
}

func dateField(record domain.StagingRecord, field domain.CanonicalField) (time.Time, bool) {
	value, ok := record.NormalizedFields[field]
	if !ok || value.Kind != domain.KindDate || value.Date.IsZero() {
		return time.Time{}, false
	}
	return value.Date, true
}

func stringField(record domain.StagingRecord, field domain.CanonicalField) string {
	value, ok := record.NormalizedFields[field]
	if !ok {
		return ""
	}
	return value.Raw
}
