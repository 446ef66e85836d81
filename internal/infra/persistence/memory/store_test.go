package memory

import (
	"context"
	"testing"
	"time"

	"procurecore/pkg/domain"
)

var storeClock = time.Date(2026, 8, 10, 8, 0, 0, 0, time.UTC)

func newTestStore() *Store {
	s := NewStore()
	s.SetClock(func() time.Time { return storeClock })
	return s
}

func seedBatchWithRecord(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()
	if _, err := s.CreateBatch(ctx, domain.StagingBatch{ID: "batch-1", OrganizationID: "org-1"}); err != nil {
		t.Fatalf("create batch: %v", err)
	}
	err := s.InsertRecords(ctx, []domain.StagingRecord{
		{ID: "rec-1", BatchID: "batch-1", OrganizationID: "org-1", LineNumber: 1},
	})
	if err != nil {
		t.Fatalf("insert records: %v", err)
	}
}

func TestBatchLifecycle(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	batch, err := s.CreateBatch(ctx, domain.StagingBatch{ID: "batch-1", OrganizationID: "org-1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if batch.Status != domain.BatchPending || batch.CreatedAt.IsZero() {
		t.Fatalf("created batch = %+v", batch)
	}
	if _, err := s.UpdateBatchStatus(ctx, "batch-1", domain.BatchMapping, ""); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if _, err := s.UpdateBatchStatus(ctx, "batch-1", domain.BatchPending, ""); err == nil {
		t.Fatal("backward transition must fail")
	} else if _, ok := err.(domain.InvalidTransitionError); !ok {
		t.Fatalf("expected InvalidTransitionError, got %T", err)
	}
	if _, err := s.GetBatch(ctx, "missing"); !domain.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	batches, err := s.ListBatches(ctx, "org-1")
	if err != nil || len(batches) != 1 {
		t.Fatalf("list = %v, %v", batches, err)
	}
}

func TestFailedBatchCanRetry(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	if _, err := s.CreateBatch(ctx, domain.StagingBatch{ID: "batch-1", Status: domain.BatchResolving}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.UpdateBatchStatus(ctx, "batch-1", domain.BatchFailed, "snapshot load"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	batch, err := s.UpdateBatchStatus(ctx, "batch-1", domain.BatchResolving, "")
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if batch.FailureReason != "" {
		t.Fatalf("retry should clear the failure reason, got %q", batch.FailureReason)
	}
}

func TestUpdateRecordIsolatesCallerState(t *testing.T) {
	s := newTestStore()
	seedBatchWithRecord(t, s)
	ctx := context.Background()

	updated, err := s.UpdateRecord(ctx, "rec-1", func(r *domain.StagingRecord) error {
		r.Status = domain.RecordInvalid
		r.ValidationErrors = []domain.FieldError{{Field: domain.FieldQuantity, Rule: "required"}}
		return nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	// Mutating the returned copy must not leak into the store.
	updated.ValidationErrors[0].Rule = "mutated"
	stored, err := s.GetRecord(ctx, "rec-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.ValidationErrors[0].Rule != "required" {
		t.Fatal("store state leaked through returned copy")
	}
	if stored.Status != domain.RecordInvalid {
		t.Fatalf("status = %s", stored.Status)
	}
}

func TestCatalogUniqueness(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	first := domain.CatalogEntry{ID: "sup-1", OrganizationID: "org-1", Type: domain.EntrySupplier, CanonicalName: "ACME Corp", NormalizedKey: "acme"}
	if _, err := s.InsertCatalogEntry(ctx, first); err != nil {
		t.Fatalf("insert: %v", err)
	}
	_, err := s.InsertCatalogEntry(ctx, domain.CatalogEntry{ID: "sup-2", OrganizationID: "org-1", Type: domain.EntrySupplier, NormalizedKey: "acme"})
	survivor, ok := domain.IsDuplicateKey(err)
	if !ok || survivor.ID != "sup-1" {
		t.Fatalf("expected duplicate key carrying survivor, got %v", err)
	}
	// Same key in another organization or namespace is fine.
	if _, err := s.InsertCatalogEntry(ctx, domain.CatalogEntry{ID: "sup-3", OrganizationID: "org-2", Type: domain.EntrySupplier, NormalizedKey: "acme"}); err != nil {
		t.Fatalf("cross-org insert: %v", err)
	}
	if _, err := s.InsertCatalogEntry(ctx, domain.CatalogEntry{ID: "mat-1", OrganizationID: "org-1", Type: domain.EntryMaterial, NormalizedKey: "acme"}); err != nil {
		t.Fatalf("cross-type insert: %v", err)
	}
	found, err := s.FindCatalogEntryByKey(ctx, "org-1", domain.EntrySupplier, "acme")
	if err != nil || found.ID != "sup-1" {
		t.Fatalf("find by key = %+v, %v", found, err)
	}
}

func TestTouchCatalogEntryIsMonotonic(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	if _, err := s.InsertCatalogEntry(ctx, domain.CatalogEntry{ID: "sup-1", OrganizationID: "org-1", Type: domain.EntrySupplier, NormalizedKey: "acme", LastMatchedAt: storeClock}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.TouchCatalogEntry(ctx, "sup-1", storeClock.Add(-time.Hour)); err != nil {
		t.Fatalf("touch: %v", err)
	}
	entry, _ := s.GetCatalogEntry(ctx, "sup-1")
	if !entry.LastMatchedAt.Equal(storeClock) {
		t.Fatal("older touch must not rewind the MRU marker")
	}
	if err := s.TouchCatalogEntry(ctx, "sup-1", storeClock.Add(time.Hour)); err != nil {
		t.Fatalf("touch: %v", err)
	}
	entry, _ = s.GetCatalogEntry(ctx, "sup-1")
	if !entry.LastMatchedAt.Equal(storeClock.Add(time.Hour)) {
		t.Fatal("newer touch must advance the MRU marker")
	}
}

func TestDecisionImmutableOnceFinalized(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	pending := domain.MatchDecision{
		RecordID: "rec-1",
		References: map[domain.EntryType]domain.ReferenceResolution{
			domain.EntrySupplier: {Kind: domain.ResolutionPending},
		},
	}
	if err := s.PutDecision(ctx, pending); err != nil {
		t.Fatalf("put placeholder: %v", err)
	}
	final := domain.MatchDecision{
		RecordID: "rec-1",
		References: map[domain.EntryType]domain.ReferenceResolution{
			domain.EntrySupplier: {Kind: domain.ResolutionManuallyMatched, EntityID: "sup-1"},
		},
		ResolvedBy: "reviewer",
	}
	if err := s.PutDecision(ctx, final); err != nil {
		t.Fatalf("finalize placeholder: %v", err)
	}

	// Replaying the identical finalized decision is a no-op.
	if err := s.PutDecision(ctx, final); err != nil {
		t.Fatalf("identical finalized put: %v", err)
	}

	changed := final
	changed.References = map[domain.EntryType]domain.ReferenceResolution{
		domain.EntrySupplier: {Kind: domain.ResolutionManuallyMatched, EntityID: "sup-2"},
	}
	err := s.PutDecision(ctx, changed)
	if _, ok := err.(domain.DecisionConflictError); !ok {
		t.Fatalf("expected DecisionConflictError, got %v", err)
	}
	got, err := s.GetDecision(ctx, "rec-1")
	if err != nil {
		t.Fatalf("GetDecision: %v", err)
	}
	if got.References[domain.EntrySupplier].EntityID != "sup-1" {
		t.Fatalf("finalized decision was rewritten: %+v", got)
	}
}

func commitSetFixture() domain.CommitSet {
	line := domain.PurchaseOrderLine{
		ID: "line-1", OrganizationID: "org-1", RecordID: "rec-1",
		SupplierID: "sup-1", MaterialID: "mat-1",
		Quantity: 10, UnitPrice: 5, TotalPrice: 50,
		DuplicateKey: "acme|steel rod|2026-08-01|50.0000",
	}
	obs := domain.PriceObservation{
		ID: "obs-1", OrganizationID: "org-1", RecordID: "rec-1",
		MaterialID: "mat-1", MaterialKey: "steel rod", SupplierID: "sup-1", UnitPrice: 5,
	}
	return domain.CommitSet{
		RecordID: "rec-1",
		NewEntries: []domain.CatalogEntry{
			{ID: "sup-1", OrganizationID: "org-1", Type: domain.EntrySupplier, NormalizedKey: "acme"},
			{ID: "mat-1", OrganizationID: "org-1", Type: domain.EntryMaterial, NormalizedKey: "steel rod"},
		},
		OrderLine: &line,
		PriceObs:  &obs,
		Result:    domain.CommitResult{RecordID: "rec-1", CreatedEntityIDs: []string{"sup-1", "mat-1"}, CommittedAt: storeClock},
	}
}

func TestCommitRecordAppliesWholeSet(t *testing.T) {
	s := newTestStore()
	seedBatchWithRecord(t, s)
	ctx := context.Background()

	if err := s.CommitRecord(ctx, commitSetFixture()); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if _, err := s.GetCatalogEntry(ctx, "sup-1"); err != nil {
		t.Fatalf("supplier missing after commit: %v", err)
	}
	if _, err := s.GetCommitResult(ctx, "rec-1"); err != nil {
		t.Fatalf("result missing after commit: %v", err)
	}
	record, _ := s.GetRecord(ctx, "rec-1")
	if record.Status != domain.RecordCommitted {
		t.Fatalf("record status = %s", record.Status)
	}
	count, err := s.DuplicateFactCount(ctx, "org-1", "acme|steel rod|2026-08-01|50.0000")
	if err != nil || count != 1 {
		t.Fatalf("duplicate count = %d, %v", count, err)
	}
}

func TestCommitRecordRejectsWholeSetOnDuplicate(t *testing.T) {
	s := newTestStore()
	seedBatchWithRecord(t, s)
	ctx := context.Background()

	// Another batch already claimed the material key.
	if _, err := s.InsertCatalogEntry(ctx, domain.CatalogEntry{ID: "mat-existing", OrganizationID: "org-1", Type: domain.EntryMaterial, NormalizedKey: "steel rod"}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	err := s.CommitRecord(ctx, commitSetFixture())
	if _, ok := domain.IsDuplicateKey(err); !ok {
		t.Fatalf("expected duplicate key, got %v", err)
	}
	// Nothing from the set may have been applied.
	if _, err := s.GetCatalogEntry(ctx, "sup-1"); !domain.IsNotFound(err) {
		t.Fatal("supplier insert leaked from rejected set")
	}
	if _, err := s.GetCommitResult(ctx, "rec-1"); !domain.IsNotFound(err) {
		t.Fatal("commit result leaked from rejected set")
	}
	record, _ := s.GetRecord(ctx, "rec-1")
	if record.Status == domain.RecordCommitted {
		t.Fatal("record flipped despite rejected set")
	}
}

func TestCommitRecordIsIdempotent(t *testing.T) {
	s := newTestStore()
	seedBatchWithRecord(t, s)
	ctx := context.Background()

	if err := s.CommitRecord(ctx, commitSetFixture()); err != nil {
		t.Fatalf("first commit: %v", err)
	}
	// Replay with different fact IDs must be a no-op, not a duplicate error.
	replay := commitSetFixture()
	replay.OrderLine.ID = "line-2"
	if err := s.CommitRecord(ctx, replay); err != nil {
		t.Fatalf("replay: %v", err)
	}
	count, _ := s.DuplicateFactCount(ctx, "org-1", "acme|steel rod|2026-08-01|50.0000")
	if count != 1 {
		t.Fatalf("replay must not duplicate facts, count = %d", count)
	}
}

func TestPriceStatsWelford(t *testing.T) {
	s := newTestStore()
	seedBatchWithRecord(t, s)
	ctx := context.Background()
	prices := []float64{4, 5, 6, 5, 5}
	for i, p := range prices {
		s.state.prices[string(rune('a'+i))] = domain.PriceObservation{
			ID: string(rune('a' + i)), OrganizationID: "org-1", MaterialKey: "steel rod", UnitPrice: p,
		}
	}
	stats, err := s.PriceStats(ctx, "org-1", "steel rod")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Count != 5 || stats.Mean != 5 {
		t.Fatalf("stats = %+v", stats)
	}
	if stats.StdDev < 0.70 || stats.StdDev > 0.72 {
		t.Fatalf("stddev = %v", stats.StdDev)
	}
	other, _ := s.PriceStats(ctx, "org-1", "unknown")
	if other.Count != 0 || other.StdDev != 0 {
		t.Fatalf("unknown material stats = %+v", other)
	}
}

func TestConflictQueueOrdering(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	for i, id := range []string{"rec-b", "rec-a"} {
		err := s.EnqueueConflict(ctx, domain.ConflictEntry{
			RecordID:       id,
			OrganizationID: "org-1",
			Status:         domain.ConflictOpen,
			CreatedAt:      storeClock.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	open, err := s.OpenConflicts(ctx, "org-1")
	if err != nil || len(open) != 2 {
		t.Fatalf("open = %v, %v", open, err)
	}
	if open[0].RecordID != "rec-b" {
		t.Fatalf("expected creation order, got %s first", open[0].RecordID)
	}
	if _, err := s.UpdateConflict(ctx, "rec-b", func(e *domain.ConflictEntry) error {
		e.Status = domain.ConflictResolved
		return nil
	}); err != nil {
		t.Fatalf("update: %v", err)
	}
	open, _ = s.OpenConflicts(ctx, "org-1")
	if len(open) != 1 || open[0].RecordID != "rec-a" {
		t.Fatalf("open after resolve = %v", open)
	}
}

func TestTemplateRoundTrip(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	template := domain.MappingTemplate{
		OrganizationID: "org-1",
		Name:           "acme-po",
		Columns:        map[string]domain.CanonicalField{"Vendor": domain.FieldSupplierName},
	}
	if err := s.SaveTemplate(ctx, template); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := s.GetTemplate(ctx, "org-1", "acme-po")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if loaded.Columns["Vendor"] != domain.FieldSupplierName || loaded.CreatedAt.IsZero() {
		t.Fatalf("loaded = %+v", loaded)
	}
	if _, err := s.GetTemplate(ctx, "org-2", "acme-po"); !domain.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSnapshotRoundTripRebuildsUniquenessIndex(t *testing.T) {
	s := newTestStore()
	seedBatchWithRecord(t, s)
	ctx := context.Background()
	if err := s.CommitRecord(ctx, commitSetFixture()); err != nil {
		t.Fatalf("commit: %v", err)
	}

	restored := NewStore()
	restored.ImportState(s.ExportState())

	if _, err := restored.GetCommitResult(ctx, "rec-1"); err != nil {
		t.Fatalf("result lost in round trip: %v", err)
	}
	// The derived key index must be rebuilt, not serialized.
	_, err := restored.InsertCatalogEntry(ctx, domain.CatalogEntry{ID: "sup-dup", OrganizationID: "org-1", Type: domain.EntrySupplier, NormalizedKey: "acme"})
	if _, ok := domain.IsDuplicateKey(err); !ok {
		t.Fatalf("uniqueness index not rebuilt: %v", err)
	}
	if s.ExportState().Records["rec-1"].Status != domain.RecordCommitted {
		t.Fatal("record status lost in export")
	}
}
