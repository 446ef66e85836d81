// Package sqlite provides a SQLite-backed pipeline store. It reuses the
// in-memory implementation for transactional semantics and snapshots the
// full state to disk after every successful mutation, alongside relational
// mirror tables for the catalog and the committed facts.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"procurecore/internal/infra/persistence/memory"
	"procurecore/pkg/domain"
)

var _ domain.Store = (*Store)(nil)

// Store persists the in-memory state to SQLite as JSON buckets plus mirror
// tables. The mirror tables carry a real uniqueness constraint on
// (organization, type, normalized key), so a second process sharing the
// database file cannot slip a duplicate past the in-memory index.
type Store struct {
	*memory.Store
	db   *sql.DB
	mu   sync.Mutex
	path string
}

// NewStore opens (or creates) a SQLite-backed store at the given path and
// hydrates the in-memory state from any existing snapshot.
func NewStore(path string) (*Store, error) {
	if path == "" {
		path = "procurecore.db"
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	for _, stmt := range schemaStatements {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("apply schema: %w", err)
		}
	}
	s := &Store{Store: memory.NewStore(), db: db, path: path}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS state (
		bucket TEXT PRIMARY KEY,
		payload BLOB NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS catalog_entries (
		id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL,
		entry_type TEXT NOT NULL,
		canonical_name TEXT NOT NULL,
		normalized_key TEXT NOT NULL,
		created_at TEXT NOT NULL,
		last_matched_at TEXT NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS catalog_entries_org_type_key
		ON catalog_entries (organization_id, entry_type, normalized_key)`,
	`CREATE TABLE IF NOT EXISTS order_lines (
		id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL,
		record_id TEXT NOT NULL,
		supplier_id TEXT NOT NULL,
		material_id TEXT NOT NULL,
		quantity REAL NOT NULL,
		unit_price REAL NOT NULL,
		total_price REAL NOT NULL,
		duplicate_key TEXT NOT NULL,
		order_date TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS order_lines_duplicate_key
		ON order_lines (organization_id, duplicate_key)`,
	`CREATE TABLE IF NOT EXISTS price_observations (
		id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL,
		material_key TEXT NOT NULL,
		unit_price REAL NOT NULL,
		observed_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS price_observations_material
		ON price_observations (organization_id, material_key)`,
}

var snapshotBuckets = []string{
	"batches", "records", "catalog_entries", "decisions", "quality_scores",
	"commit_results", "order_lines", "price_observations", "conflicts", "templates",
}

func (s *Store) load() error {
	rows, err := s.db.Query(`SELECT bucket, payload FROM state`)
	if err != nil {
		return fmt.Errorf("select state: %w", err)
	}
	defer func() { _ = rows.Close() }()

	snapshot := memory.Snapshot{}
	targets := map[string]any{
		"batches":            &snapshot.Batches,
		"records":            &snapshot.Records,
		"catalog_entries":    &snapshot.Entries,
		"decisions":          &snapshot.Decisions,
		"quality_scores":     &snapshot.Scores,
		"commit_results":     &snapshot.Results,
		"order_lines":        &snapshot.Lines,
		"price_observations": &snapshot.Prices,
		"conflicts":          &snapshot.Conflicts,
		"templates":          &snapshot.Templates,
	}
	loaded := false
	for rows.Next() {
		var bucket string
		var payload []byte
		if err := rows.Scan(&bucket, &payload); err != nil {
			return fmt.Errorf("scan state: %w", err)
		}
		target, ok := targets[bucket]
		if !ok || len(payload) == 0 {
			continue
		}
		if err := json.Unmarshal(payload, target); err != nil {
			return fmt.Errorf("decode %s: %w", bucket, err)
		}
		loaded = true
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate state: %w", err)
	}
	if loaded {
		s.Store.ImportState(snapshot)
	}
	return nil
}

func bucketPayload(snapshot memory.Snapshot, bucket string) ([]byte, error) {
	switch bucket {
	case "batches":
		return json.Marshal(snapshot.Batches)
	case "records":
		return json.Marshal(snapshot.Records)
	case "catalog_entries":
		return json.Marshal(snapshot.Entries)
	case "decisions":
		return json.Marshal(snapshot.Decisions)
	case "quality_scores":
		return json.Marshal(snapshot.Scores)
	case "commit_results":
		return json.Marshal(snapshot.Results)
	case "order_lines":
		return json.Marshal(snapshot.Lines)
	case "price_observations":
		return json.Marshal(snapshot.Prices)
	case "conflicts":
		return json.Marshal(snapshot.Conflicts)
	case "templates":
		return json.Marshal(snapshot.Templates)
	}
	return nil, fmt.Errorf("unknown bucket %q", bucket)
}

func (s *Store) persist(ctx context.Context) (retErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := s.Store.ExportState()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	for _, bucket := range snapshotBuckets {
		data, err := bucketPayload(snapshot, bucket)
		if err != nil {
			retErr = err
			return retErr
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO state(bucket,payload) VALUES(?,?) ON CONFLICT(bucket) DO UPDATE SET payload=excluded.payload`,
			bucket, data); err != nil {
			retErr = fmt.Errorf("upsert %s: %w", bucket, err)
			return retErr
		}
	}
	if retErr = mirrorSnapshot(ctx, tx, snapshot); retErr != nil {
		return retErr
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func mirrorSnapshot(ctx context.Context, tx *sql.Tx, snapshot memory.Snapshot) error {
	for _, entry := range snapshot.Entries {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO catalog_entries(id, organization_id, entry_type, canonical_name, normalized_key, created_at, last_matched_at)
			 VALUES(?,?,?,?,?,?,?)
			 ON CONFLICT(id) DO UPDATE SET canonical_name=excluded.canonical_name, last_matched_at=excluded.last_matched_at`,
			entry.ID, entry.OrganizationID, string(entry.Type), entry.CanonicalName, entry.NormalizedKey,
			entry.CreatedAt.Format(time.RFC3339Nano), entry.LastMatchedAt.Format(time.RFC3339Nano))
		if err != nil {
			if isUniqueViolation(err) {
				return domain.DuplicateKeyError{Existing: entry}
			}
			return fmt.Errorf("mirror catalog entry %s: %w", entry.ID, err)
		}
	}
	for _, line := range snapshot.Lines {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO order_lines(id, organization_id, record_id, supplier_id, material_id, quantity, unit_price, total_price, duplicate_key, order_date)
			 VALUES(?,?,?,?,?,?,?,?,?,?) ON CONFLICT(id) DO NOTHING`,
			line.ID, line.OrganizationID, line.RecordID, line.SupplierID, line.MaterialID,
			line.Quantity, line.UnitPrice, line.TotalPrice, line.DuplicateKey,
			line.OrderDate.Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("mirror order line %s: %w", line.ID, err)
		}
	}
	for _, obs := range snapshot.Prices {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO price_observations(id, organization_id, material_key, unit_price, observed_at)
			 VALUES(?,?,?,?,?) ON CONFLICT(id) DO NOTHING`,
			obs.ID, obs.OrganizationID, obs.MaterialKey, obs.UnitPrice,
			obs.ObservedAt.Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("mirror price observation %s: %w", obs.ID, err)
		}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Mutating operations delegate to the in-memory store and snapshot on
// success. A persist failure is returned to the caller; re-running the
// operation is safe because the in-memory semantics are idempotent at the
// commit level.

func (s *Store) CreateBatch(ctx context.Context, batch domain.StagingBatch) (domain.StagingBatch, error) {
	created, err := s.Store.CreateBatch(ctx, batch)
	if err != nil {
		return domain.StagingBatch{}, err
	}
	return created, s.persist(ctx)
}

func (s *Store) UpdateBatchStatus(ctx context.Context, id string, status domain.BatchStatus, reason string) (domain.StagingBatch, error) {
	updated, err := s.Store.UpdateBatchStatus(ctx, id, status, reason)
	if err != nil {
		return domain.StagingBatch{}, err
	}
	return updated, s.persist(ctx)
}

func (s *Store) InsertRecords(ctx context.Context, records []domain.StagingRecord) error {
	if err := s.Store.InsertRecords(ctx, records); err != nil {
		return err
	}
	return s.persist(ctx)
}

func (s *Store) UpdateRecord(ctx context.Context, id string, mutate func(*domain.StagingRecord) error) (domain.StagingRecord, error) {
	updated, err := s.Store.UpdateRecord(ctx, id, mutate)
	if err != nil {
		return domain.StagingRecord{}, err
	}
	return updated, s.persist(ctx)
}

func (s *Store) InsertCatalogEntry(ctx context.Context, entry domain.CatalogEntry) (domain.CatalogEntry, error) {
	inserted, err := s.Store.InsertCatalogEntry(ctx, entry)
	if err != nil {
		return domain.CatalogEntry{}, err
	}
	return inserted, s.persist(ctx)
}

func (s *Store) TouchCatalogEntry(ctx context.Context, id string, at time.Time) error {
	if err := s.Store.TouchCatalogEntry(ctx, id, at); err != nil {
		return err
	}
	return s.persist(ctx)
}

func (s *Store) PutDecision(ctx context.Context, decision domain.MatchDecision) error {
	if err := s.Store.PutDecision(ctx, decision); err != nil {
		return err
	}
	return s.persist(ctx)
}

func (s *Store) PutQualityScore(ctx context.Context, score domain.QualityScore) error {
	if err := s.Store.PutQualityScore(ctx, score); err != nil {
		return err
	}
	return s.persist(ctx)
}

func (s *Store) CommitRecord(ctx context.Context, set domain.CommitSet) error {
	if err := s.Store.CommitRecord(ctx, set); err != nil {
		return err
	}
	return s.persist(ctx)
}

func (s *Store) EnqueueConflict(ctx context.Context, entry domain.ConflictEntry) error {
	if err := s.Store.EnqueueConflict(ctx, entry); err != nil {
		return err
	}
	return s.persist(ctx)
}

func (s *Store) UpdateConflict(ctx context.Context, recordID string, mutate func(*domain.ConflictEntry) error) (domain.ConflictEntry, error) {
	updated, err := s.Store.UpdateConflict(ctx, recordID, mutate)
	if err != nil {
		return domain.ConflictEntry{}, err
	}
	return updated, s.persist(ctx)
}

func (s *Store) SaveTemplate(ctx context.Context, template domain.MappingTemplate) error {
	if err := s.Store.SaveTemplate(ctx, template); err != nil {
		return err
	}
	return s.persist(ctx)
}

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the configured database path.
func (s *Store) Path() string { return s.path }

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }
