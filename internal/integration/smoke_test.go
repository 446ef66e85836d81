package integration

import (
	"context"
	"path/filepath"
	"testing"

	blobcore "procurecore/internal/infra/blob/core"
	blobfs "procurecore/internal/infra/blob/fs"
	blobmemory "procurecore/internal/infra/blob/memory"
	"procurecore/internal/infra/persistence/memory"
	"procurecore/internal/infra/persistence/sqlite"
	"procurecore/internal/ingest"
	"procurecore/internal/pipeline"
	"procurecore/pkg/domain"
)

// TestIntegrationSmoke drives one upload through the whole pipeline for each
// supported store and blob adapter pairing. It intentionally keeps scope tiny
// so it can act as a fast CI health check.
func TestIntegrationSmoke(t *testing.T) {
	ctx := context.Background()

	storeVariants := []struct {
		name string
		open func(t *testing.T) domain.Store
	}{
		{
			name: "memory-store",
			open: func(_ *testing.T) domain.Store { return memory.NewStore() },
		},
		{
			name: "sqlite-store",
			open: func(t *testing.T) domain.Store {
				s, err := sqlite.NewStore(filepath.Join(t.TempDir(), "procure.db"))
				if err != nil {
					t.Fatalf("new sqlite store: %v", err)
				}
				t.Cleanup(func() { _ = s.Close() })
				return s
			},
		},
	}

	blobVariants := []struct {
		name string
		open func(t *testing.T) blobcore.Store
	}{
		{
			name: "memory-blob",
			open: func(_ *testing.T) blobcore.Store { return blobmemory.New() },
		},
		{
			name: "fs-blob",
			open: func(t *testing.T) blobcore.Store {
				s, err := blobfs.New(t.TempDir())
				if err != nil {
					t.Fatalf("new fs blob store: %v", err)
				}
				return s
			},
		},
	}

	for _, sv := range storeVariants {
		for _, bv := range blobVariants {
			t.Run(sv.name+"/"+bv.name, func(t *testing.T) {
				store := sv.open(t)
				orch := pipeline.New(store, pipeline.Config{Workers: 2})
				service := ingest.NewService(orch, store, ingest.WithBlobStore(bv.open(t)))

				batch, err := service.SubmitUpload(ctx, ingest.Upload{
					OrganizationID: "org-smoke",
					UploadRef:      "smoke-1",
					Header:         []string{"supplier_name", "material_name", "quantity", "unit_price", "order_date"},
					Rows: [][]string{
						{"Acme Corp", "Steel Rod", "10", "5.00", "2026-08-01"},
					},
				})
				if err != nil {
					t.Fatalf("submit upload: %v", err)
				}

				if err := service.Process(ctx, batch.ID); err != nil {
					t.Fatalf("process batch: %v", err)
				}

				report, err := service.Report(ctx, batch.ID)
				if err != nil {
					t.Fatalf("report: %v", err)
				}
				if report.Status != domain.BatchCompleted {
					t.Fatalf("batch status = %s, want completed", report.Status)
				}
				if report.StatusCounts[domain.RecordCommitted] != 1 {
					t.Fatalf("status counts = %v, want 1 committed", report.StatusCounts)
				}

				entry, err := store.FindCatalogEntryByKey(ctx, "org-smoke", domain.EntrySupplier, "acme")
				if err != nil {
					t.Fatalf("find supplier after commit: %v", err)
				}
				if entry.CanonicalName != "Acme Corp" {
					t.Fatalf("supplier name = %q", entry.CanonicalName)
				}

				archived, err := service.ArchivedUpload(ctx, "org-smoke", "smoke-1")
				if err != nil {
					t.Fatalf("archived upload: %v", err)
				}
				if len(archived.Rows) != 1 {
					t.Fatalf("archived rows = %d, want 1", len(archived.Rows))
				}
			})
		}
	}
}
