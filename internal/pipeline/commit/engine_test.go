package commit

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"procurecore/pkg/domain"
)

var commitClock = time.Date(2026, 8, 15, 10, 0, 0, 0, time.UTC)

// fakeStore implements the slice of the store contract the commit engine
// touches. Uniqueness is enforced the way the real stores do: the whole set
// is rejected before any part applies.
type fakeStore struct {
	domain.Store

	entries map[string]domain.CatalogEntry
	byKey   map[string]domain.CatalogEntry
	results map[string]domain.CommitResult
	commits []domain.CommitSet
	touched []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		entries: make(map[string]domain.CatalogEntry),
		byKey:   make(map[string]domain.CatalogEntry),
		results: make(map[string]domain.CommitResult),
	}
}

func (s *fakeStore) addEntry(entry domain.CatalogEntry) {
	s.entries[entry.ID] = entry
	s.byKey[string(entry.Type)+"|"+entry.NormalizedKey] = entry
}

func (s *fakeStore) GetCatalogEntry(_ context.Context, id string) (domain.CatalogEntry, error) {
	entry, ok := s.entries[id]
	if !ok {
		return domain.CatalogEntry{}, domain.ErrNotFound{Entity: domain.EntityCatalogEntry, ID: id}
	}
	return entry, nil
}

func (s *fakeStore) TouchCatalogEntry(_ context.Context, id string, _ time.Time) error {
	s.touched = append(s.touched, id)
	return nil
}

func (s *fakeStore) GetCommitResult(_ context.Context, recordID string) (domain.CommitResult, error) {
	result, ok := s.results[recordID]
	if !ok {
		return domain.CommitResult{}, domain.ErrNotFound{Entity: domain.EntityCommitResult, ID: recordID}
	}
	return result, nil
}

func (s *fakeStore) CommitRecord(_ context.Context, set domain.CommitSet) error {
	for _, entry := range set.NewEntries {
		if existing, ok := s.byKey[string(entry.Type)+"|"+entry.NormalizedKey]; ok {
			return domain.DuplicateKeyError{Existing: existing}
		}
	}
	for _, entry := range set.NewEntries {
		s.addEntry(entry)
	}
	s.results[set.RecordID] = set.Result
	s.commits = append(s.commits, set)
	return nil
}

func testEngine(store domain.Store) *Engine {
	e := NewEngine(store)
	e.Now = func() time.Time { return commitClock }
	seq := 0
	e.NewID = func() string {
		seq++
		return fmt.Sprintf("id-%d", seq)
	}
	return e
}

func resolvedRecord() domain.StagingRecord {
	return domain.StagingRecord{
		ID:             "rec-1",
		BatchID:        "batch-1",
		OrganizationID: "org-1",
		Status:         domain.RecordResolved,
		NormalizedFields: map[domain.CanonicalField]domain.FieldValue{
			domain.FieldSupplierName: domain.StringValue("ACME Corp"),
			domain.FieldMaterialName: domain.StringValue("Steel Rod"),
			domain.FieldQuantity:     domain.NumberValue("10", 10),
			domain.FieldUnitPrice:    domain.NumberValue("5", 5),
			domain.FieldCurrency:     domain.StringValue("EUR"),
			domain.FieldOrderDate:    domain.DateValue("2026-08-01", time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)),
		},
	}
}

func createdNewDecision() domain.MatchDecision {
	return domain.MatchDecision{
		RecordID: "rec-1",
		References: map[domain.EntryType]domain.ReferenceResolution{
			domain.EntrySupplier: {Kind: domain.ResolutionCreatedNew, ProposedName: "ACME Corp", ProposedKey: "acme"},
			domain.EntryMaterial: {Kind: domain.ResolutionCreatedNew, ProposedName: "Steel Rod", ProposedKey: "steel rod"},
		},
		ResolvedBy: "pipeline",
		ResolvedAt: commitClock,
	}
}

func TestCommitCreatesNewEntriesAndFacts(t *testing.T) {
	store := newFakeStore()
	engine := testEngine(store)

	result, err := engine.Commit(context.Background(), resolvedRecord(), createdNewDecision())
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if len(result.CreatedEntityIDs) != 2 || len(result.MatchedEntityIDs) != 0 {
		t.Fatalf("expected two created entities, got %+v", result)
	}
	if len(result.CreatedFactIDs) != 2 {
		t.Fatalf("expected order line and price observation facts, got %v", result.CreatedFactIDs)
	}
	if len(store.commits) != 1 {
		t.Fatalf("expected one commit set, got %d", len(store.commits))
	}
	set := store.commits[0]
	if len(set.NewEntries) != 2 {
		t.Fatalf("expected two proposed entries, got %d", len(set.NewEntries))
	}
	line := set.OrderLine
	if line.TotalPrice != 50 {
		t.Fatalf("total price should derive from quantity and unit price, got %v", line.TotalPrice)
	}
	wantKey := domain.DuplicateKeyFor("acme", "steel rod", time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC), 50)
	if line.DuplicateKey != wantKey {
		t.Fatalf("duplicate key = %q, want %q", line.DuplicateKey, wantKey)
	}
	if set.PriceObs.MaterialKey != "steel rod" || set.PriceObs.UnitPrice != 5 {
		t.Fatalf("price observation = %+v", set.PriceObs)
	}
	if len(store.touched) != 0 {
		t.Fatalf("created entries must not be MRU-touched, got %v", store.touched)
	}
}

func TestCommitMatchedEntriesTouchMRU(t *testing.T) {
	store := newFakeStore()
	store.addEntry(domain.CatalogEntry{ID: "sup-1", OrganizationID: "org-1", Type: domain.EntrySupplier, CanonicalName: "ACME Corp", NormalizedKey: "acme"})
	store.addEntry(domain.CatalogEntry{ID: "mat-1", OrganizationID: "org-1", Type: domain.EntryMaterial, CanonicalName: "Steel Rod", NormalizedKey: "steel rod"})
	engine := testEngine(store)

	decision := domain.MatchDecision{
		RecordID: "rec-1",
		References: map[domain.EntryType]domain.ReferenceResolution{
			domain.EntrySupplier: {Kind: domain.ResolutionAutoMatched, EntityID: "sup-1", Score: 1},
			domain.EntryMaterial: {Kind: domain.ResolutionManuallyMatched, EntityID: "mat-1"},
		},
	}
	result, err := engine.Commit(context.Background(), resolvedRecord(), decision)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if len(result.MatchedEntityIDs) != 2 || len(result.CreatedEntityIDs) != 0 {
		t.Fatalf("expected two matched entities, got %+v", result)
	}
	if len(store.touched) != 2 {
		t.Fatalf("both matched entries should be MRU-touched, got %v", store.touched)
	}
}

func TestCommitIsIdempotent(t *testing.T) {
	store := newFakeStore()
	engine := testEngine(store)

	first, err := engine.Commit(context.Background(), resolvedRecord(), createdNewDecision())
	if err != nil {
		t.Fatalf("first commit: %v", err)
	}
	second, err := engine.Commit(context.Background(), resolvedRecord(), createdNewDecision())
	if err != nil {
		t.Fatalf("second commit: %v", err)
	}
	if second.CommittedAt != first.CommittedAt || len(second.CreatedEntityIDs) != len(first.CreatedEntityIDs) {
		t.Fatalf("re-commit must return the stored result: first %+v second %+v", first, second)
	}
	if len(store.commits) != 1 {
		t.Fatalf("re-commit must not apply a second set, got %d", len(store.commits))
	}
}

func TestCommitAdoptsSurvivorOnDuplicateKey(t *testing.T) {
	store := newFakeStore()
	// A concurrent batch already inserted the supplier this record proposes.
	store.addEntry(domain.CatalogEntry{ID: "sup-existing", OrganizationID: "org-1", Type: domain.EntrySupplier, CanonicalName: "ACME Corporation", NormalizedKey: "acme"})
	engine := testEngine(store)

	result, err := engine.Commit(context.Background(), resolvedRecord(), createdNewDecision())
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if len(result.MatchedEntityIDs) != 1 || result.MatchedEntityIDs[0] != "sup-existing" {
		t.Fatalf("lost race should adopt the surviving entry, got %+v", result)
	}
	if len(result.CreatedEntityIDs) != 1 {
		t.Fatalf("material should still be created, got %+v", result)
	}
	set := store.commits[0]
	if len(set.NewEntries) != 1 || set.NewEntries[0].Type != domain.EntryMaterial {
		t.Fatalf("retried set should only propose the material, got %+v", set.NewEntries)
	}
	if set.OrderLine.SupplierID != "sup-existing" {
		t.Fatalf("order line should reference the survivor, got %q", set.OrderLine.SupplierID)
	}
	found := false
	for _, id := range store.touched {
		if id == "sup-existing" {
			found = true
		}
	}
	if !found {
		t.Fatalf("adopted survivor should be MRU-touched, got %v", store.touched)
	}
}

func TestCommitRejectsPendingDecision(t *testing.T) {
	engine := testEngine(newFakeStore())
	decision := createdNewDecision()
	ref := decision.References[domain.EntrySupplier]
	ref.Kind = domain.ResolutionPending
	decision.References[domain.EntrySupplier] = ref

	_, err := engine.Commit(context.Background(), resolvedRecord(), decision)
	if err == nil || !strings.Contains(err.Error(), "pending") {
		t.Fatalf("pending decision must not commit, got %v", err)
	}
}

func TestCommitRejectsMissingReference(t *testing.T) {
	engine := testEngine(newFakeStore())
	decision := createdNewDecision()
	delete(decision.References, domain.EntryMaterial)

	_, err := engine.Commit(context.Background(), resolvedRecord(), decision)
	if err == nil || !strings.Contains(err.Error(), "missing material reference") {
		t.Fatalf("expected missing reference error, got %v", err)
	}
}

func TestCommitRequiresTypedNumbers(t *testing.T) {
	engine := testEngine(newFakeStore())
	record := resolvedRecord()
	record.NormalizedFields[domain.FieldQuantity] = domain.StringValue("ten")

	_, err := engine.Commit(context.Background(), record, createdNewDecision())
	if err == nil || !strings.Contains(err.Error(), "quantity") {
		t.Fatalf("untyped quantity must fail, got %v", err)
	}
}
