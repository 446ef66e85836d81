package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"procurecore/pkg/domain"
)

func newTempStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "procurecore.db")
	s, err := NewStore(path)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func TestStateSurvivesReopen(t *testing.T) {
	s, path := newTempStore(t)
	ctx := context.Background()

	if _, err := s.CreateBatch(ctx, domain.StagingBatch{ID: "batch-1", OrganizationID: "org-1"}); err != nil {
		t.Fatalf("create batch: %v", err)
	}
	err := s.InsertRecords(ctx, []domain.StagingRecord{{ID: "rec-1", BatchID: "batch-1", OrganizationID: "org-1", LineNumber: 1}})
	if err != nil {
		t.Fatalf("insert records: %v", err)
	}
	if _, err := s.InsertCatalogEntry(ctx, domain.CatalogEntry{ID: "sup-1", OrganizationID: "org-1", Type: domain.EntrySupplier, CanonicalName: "ACME Corp", NormalizedKey: "acme"}); err != nil {
		t.Fatalf("insert entry: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := NewStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = reopened.Close() }()

	batch, err := reopened.GetBatch(ctx, "batch-1")
	if err != nil || batch.OrganizationID != "org-1" {
		t.Fatalf("batch after reopen = %+v, %v", batch, err)
	}
	if _, err := reopened.GetRecord(ctx, "rec-1"); err != nil {
		t.Fatalf("record after reopen: %v", err)
	}
	// The rebuilt uniqueness index must still reject the key.
	_, err = reopened.InsertCatalogEntry(ctx, domain.CatalogEntry{ID: "sup-2", OrganizationID: "org-1", Type: domain.EntrySupplier, NormalizedKey: "acme"})
	if _, ok := domain.IsDuplicateKey(err); !ok {
		t.Fatalf("expected duplicate key after reopen, got %v", err)
	}
}

func TestCommitMirrorsFactTables(t *testing.T) {
	s, _ := newTempStore(t)
	ctx := context.Background()

	if _, err := s.CreateBatch(ctx, domain.StagingBatch{ID: "batch-1", OrganizationID: "org-1"}); err != nil {
		t.Fatalf("create batch: %v", err)
	}
	err := s.InsertRecords(ctx, []domain.StagingRecord{{ID: "rec-1", BatchID: "batch-1", OrganizationID: "org-1", LineNumber: 1}})
	if err != nil {
		t.Fatalf("insert records: %v", err)
	}
	line := domain.PurchaseOrderLine{
		ID: "line-1", OrganizationID: "org-1", RecordID: "rec-1",
		SupplierID: "sup-1", MaterialID: "mat-1",
		Quantity: 10, UnitPrice: 5, TotalPrice: 50,
		DuplicateKey: "acme|steel rod|2026-08-01|50.0000",
		OrderDate:    time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
	}
	obs := domain.PriceObservation{
		ID: "obs-1", OrganizationID: "org-1", RecordID: "rec-1",
		MaterialID: "mat-1", MaterialKey: "steel rod", SupplierID: "sup-1", UnitPrice: 5,
		ObservedAt: line.OrderDate,
	}
	set := domain.CommitSet{
		RecordID: "rec-1",
		NewEntries: []domain.CatalogEntry{
			{ID: "sup-1", OrganizationID: "org-1", Type: domain.EntrySupplier, CanonicalName: "ACME", NormalizedKey: "acme"},
			{ID: "mat-1", OrganizationID: "org-1", Type: domain.EntryMaterial, CanonicalName: "Steel Rod", NormalizedKey: "steel rod"},
		},
		OrderLine: &line,
		PriceObs:  &obs,
		Result:    domain.CommitResult{RecordID: "rec-1", CreatedEntityIDs: []string{"sup-1", "mat-1"}, CommittedAt: time.Now()},
	}
	if err := s.CommitRecord(ctx, set); err != nil {
		t.Fatalf("commit: %v", err)
	}

	var entries, lines, prices int
	if err := s.DB().QueryRow(`SELECT COUNT(*) FROM catalog_entries`).Scan(&entries); err != nil {
		t.Fatalf("count entries: %v", err)
	}
	if err := s.DB().QueryRow(`SELECT COUNT(*) FROM order_lines WHERE duplicate_key = ?`, line.DuplicateKey).Scan(&lines); err != nil {
		t.Fatalf("count lines: %v", err)
	}
	if err := s.DB().QueryRow(`SELECT COUNT(*) FROM price_observations WHERE material_key = ?`, "steel rod").Scan(&prices); err != nil {
		t.Fatalf("count prices: %v", err)
	}
	if entries != 2 || lines != 1 || prices != 1 {
		t.Fatalf("mirror counts = %d entries, %d lines, %d prices", entries, lines, prices)
	}

	stats, err := s.PriceStats(ctx, "org-1", "steel rod")
	if err != nil || stats.Count != 1 || stats.Mean != 5 {
		t.Fatalf("price stats = %+v, %v", stats, err)
	}
}

func TestUniqueViolationDetection(t *testing.T) {
	if !isUniqueViolation(errSentinel("constraint failed: UNIQUE constraint failed: catalog_entries.normalized_key")) {
		t.Fatal("driver unique violation not recognized")
	}
	if isUniqueViolation(nil) || isUniqueViolation(errSentinel("disk I/O error")) {
		t.Fatal("false positive unique violation")
	}
}

type errSentinel string

func (e errSentinel) Error() string { return string(e) }
