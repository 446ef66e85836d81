// Package postgres provides a Postgres-backed pipeline store that mirrors
// the in-memory semantics. State snapshots land in a JSONB bucket table; the
// catalog and fact tables are mirrored relationally with the uniqueness
// constraint enforced by the database.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver

	"procurecore/internal/infra/persistence/memory"
	"procurecore/pkg/domain"
)

var _ domain.Store = (*Store)(nil)

const (
	defaultDriver = "pgx"
	defaultDSN    = "postgres://localhost/procurecore?sslmode=disable"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// Store persists state to Postgres while reusing the in-memory
// implementation for transactional semantics.
type Store struct {
	*memory.Store
	db *sql.DB
	mu sync.Mutex
}

// NewStore opens a Postgres-backed store using the provided DSN (falls back
// to defaultDSN), applies the schema, and hydrates the in-memory store from
// any existing snapshot.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("apply schema: %w", err)
		}
	}
	snapshot, err := loadSnapshot(ctx, db)
	if err != nil {
		return nil, err
	}
	mem := memory.NewStore()
	mem.ImportState(snapshot)
	return &Store{Store: mem, db: db}, nil
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS state (
		bucket TEXT PRIMARY KEY,
		payload JSONB NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS catalog_entries (
		id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL,
		entry_type TEXT NOT NULL,
		canonical_name TEXT NOT NULL,
		normalized_key TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		last_matched_at TIMESTAMPTZ NOT NULL,
		UNIQUE (organization_id, entry_type, normalized_key)
	)`,
	`CREATE TABLE IF NOT EXISTS order_lines (
		id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL,
		record_id TEXT NOT NULL,
		supplier_id TEXT NOT NULL,
		material_id TEXT NOT NULL,
		quantity DOUBLE PRECISION NOT NULL,
		unit_price DOUBLE PRECISION NOT NULL,
		total_price DOUBLE PRECISION NOT NULL,
		duplicate_key TEXT NOT NULL,
		order_date TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS order_lines_duplicate_key
		ON order_lines (organization_id, duplicate_key)`,
	`CREATE TABLE IF NOT EXISTS price_observations (
		id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL,
		material_key TEXT NOT NULL,
		unit_price DOUBLE PRECISION NOT NULL,
		observed_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS price_observations_material
		ON price_observations (organization_id, material_key)`,
}

var snapshotBuckets = []string{
	"batches", "records", "catalog_entries", "decisions", "quality_scores",
	"commit_results", "order_lines", "price_observations", "conflicts", "templates",
}

func snapshotTargets(snapshot *memory.Snapshot) map[string]any {
	return map[string]any{
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
}

func loadSnapshot(ctx context.Context, db *sql.DB) (memory.Snapshot, error) {
	rows, err := db.QueryContext(ctx, `SELECT bucket, payload FROM state`)
	if err != nil {
		return memory.Snapshot{}, fmt.Errorf("select state: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var snapshot memory.Snapshot
	targets := snapshotTargets(&snapshot)
	for rows.Next() {
		var bucket string
		var payload []byte
		if err := rows.Scan(&bucket, &payload); err != nil {
			return memory.Snapshot{}, fmt.Errorf("scan state: %w", err)
		}
		target, ok := targets[bucket]
		if !ok || len(payload) == 0 {
			continue
		}
		if err := json.Unmarshal(payload, target); err != nil {
			return memory.Snapshot{}, fmt.Errorf("decode %s: %w", bucket, err)
		}
	}
	if err := rows.Err(); err != nil {
		return memory.Snapshot{}, fmt.Errorf("iterate state: %w", err)
	}
	return snapshot, nil
}

func bucketPayload(snapshot memory.Snapshot, bucket string) ([]byte, error) {
	targets := snapshotTargets(&snapshot)
	target, ok := targets[bucket]
	if !ok {
		return nil, fmt.Errorf("unknown bucket %q", bucket)
	}
	return json.Marshal(target)
}

func (s *Store) persist(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := s.Store.ExportState()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	for _, bucket := range snapshotBuckets {
		data, err := bucketPayload(snapshot, bucket)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO state(bucket,payload) VALUES($1,$2) ON CONFLICT(bucket) DO UPDATE SET payload=EXCLUDED.payload`,
			bucket, data); err != nil {
			return fmt.Errorf("upsert %s: %w", bucket, err)
		}
	}
	if err := mirrorSnapshot(ctx, tx, snapshot); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	return nil
}

func mirrorSnapshot(ctx context.Context, tx *sql.Tx, snapshot memory.Snapshot) error {
	for _, entry := range snapshot.Entries {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO catalog_entries(id, organization_id, entry_type, canonical_name, normalized_key, created_at, last_matched_at)
			 VALUES($1,$2,$3,$4,$5,$6,$7)
			 ON CONFLICT(id) DO UPDATE SET canonical_name=EXCLUDED.canonical_name, last_matched_at=EXCLUDED.last_matched_at`,
			entry.ID, entry.OrganizationID, string(entry.Type), entry.CanonicalName, entry.NormalizedKey,
			entry.CreatedAt, entry.LastMatchedAt)
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
			 VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10) ON CONFLICT(id) DO NOTHING`,
			line.ID, line.OrganizationID, line.RecordID, line.SupplierID, line.MaterialID,
			line.Quantity, line.UnitPrice, line.TotalPrice, line.DuplicateKey, line.OrderDate)
		if err != nil {
			return fmt.Errorf("mirror order line %s: %w", line.ID, err)
		}
	}
	for _, obs := range snapshot.Prices {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO price_observations(id, organization_id, material_key, unit_price, observed_at)
			 VALUES($1,$2,$3,$4,$5) ON CONFLICT(id) DO NOTHING`,
			obs.ID, obs.OrganizationID, obs.MaterialKey, obs.UnitPrice, obs.ObservedAt)
		if err != nil {
			return fmt.Errorf("mirror price observation %s: %w", obs.ID, err)
		}
	}
	return nil
}

// isUniqueViolation recognizes SQLSTATE 23505 (unique_violation).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return err != nil && strings.Contains(err.Error(), "SQLSTATE 23505")
}

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

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// OverrideSQLOpen swaps the sqlOpen function for tests and returns a restore
// function.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}
