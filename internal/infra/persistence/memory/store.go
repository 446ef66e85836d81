// Package memory provides the in-memory implementation of the pipeline
// store. It is the reference implementation of the persistence contract:
// the SQLite and Postgres stores embed it and add durability, so every
// semantic guarantee (catalog uniqueness, decision immutability, atomic
// commit sets) is enforced here.
package memory

import (
	"context"
	"math"
	"reflect"
	"sort"
	"sync"
	"time"

	"procurecore/pkg/domain"
)

var _ domain.Store = (*Store)(nil)

type state struct {
	batches   map[string]domain.StagingBatch
	records   map[string]domain.StagingRecord
	entries   map[string]domain.CatalogEntry
	entryKeys map[string]string // org|type|key -> entry ID
	decisions map[string]domain.MatchDecision
	scores    map[string]domain.QualityScore
	results   map[string]domain.CommitResult
	lines     map[string]domain.PurchaseOrderLine
	prices    map[string]domain.PriceObservation
	conflicts map[string]domain.ConflictEntry
	templates map[string]domain.MappingTemplate // org|name -> template
}

func newState() state {
	return state{
		batches:   make(map[string]domain.StagingBatch),
		records:   make(map[string]domain.StagingRecord),
		entries:   make(map[string]domain.CatalogEntry),
		entryKeys: make(map[string]string),
		decisions: make(map[string]domain.MatchDecision),
		scores:    make(map[string]domain.QualityScore),
		results:   make(map[string]domain.CommitResult),
		lines:     make(map[string]domain.PurchaseOrderLine),
		prices:    make(map[string]domain.PriceObservation),
		conflicts: make(map[string]domain.ConflictEntry),
		templates: make(map[string]domain.MappingTemplate),
	}
}

// Store is the in-memory pipeline store. All state access runs under one
// mutex; CommitRecord applies its whole set inside a single critical section,
// which is what makes the commit atomic.
type Store struct {
	mu    sync.RWMutex
	state state
	now   func() time.Time
}

// NewStore constructs an empty in-memory store.
func NewStore() *Store {
	return &Store{state: newState(), now: time.Now}
}

// SetClock overrides the store clock for tests.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

func entryKey(organizationID string, entryType domain.EntryType, key string) string {
	return organizationID + "|" + string(entryType) + "|" + key
}

func templateKey(organizationID, name string) string {
	return organizationID + "|" + name
}

// CreateBatch stores a new batch, defaulting its status to pending.
func (s *Store) CreateBatch(_ context.Context, batch domain.StagingBatch) (domain.StagingBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if batch.Status == "" {
		batch.Status = domain.BatchPending
	}
	now := s.now().UTC()
	if batch.CreatedAt.IsZero() {
		batch.CreatedAt = now
	}
	batch.UpdatedAt = now
	s.state.batches[batch.ID] = batch
	return batch, nil
}

func (s *Store) GetBatch(_ context.Context, id string) (domain.StagingBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	batch, ok := s.state.batches[id]
	if !ok {
		return domain.StagingBatch{}, domain.ErrNotFound{Entity: domain.EntityBatch, ID: id}
	}
	return batch, nil
}

func (s *Store) ListBatches(_ context.Context, organizationID string) ([]domain.StagingBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var batches []domain.StagingBatch
	for _, batch := range s.state.batches {
		if batch.OrganizationID == organizationID {
			batches = append(batches, batch)
		}
	}
	sort.Slice(batches, func(i, j int) bool {
		if !batches[i].CreatedAt.Equal(batches[j].CreatedAt) {
			return batches[i].CreatedAt.Before(batches[j].CreatedAt)
		}
		return batches[i].ID < batches[j].ID
	})
	return batches, nil
}

func (s *Store) UpdateBatchStatus(_ context.Context, id string, status domain.BatchStatus, reason string) (domain.StagingBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch, ok := s.state.batches[id]
	if !ok {
		return domain.StagingBatch{}, domain.ErrNotFound{Entity: domain.EntityBatch, ID: id}
	}
	if !domain.CanTransition(batch.Status, status) {
		return domain.StagingBatch{}, domain.InvalidTransitionError{BatchID: id, From: batch.Status, To: status}
	}
	batch.Status = status
	batch.FailureReason = reason
	batch.UpdatedAt = s.now().UTC()
	s.state.batches[id] = batch
	return batch, nil
}

func (s *Store) InsertRecords(_ context.Context, records []domain.StagingRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	for _, record := range records {
		if record.Status == "" {
			record.Status = domain.RecordPending
		}
		record.UpdatedAt = now
		s.state.records[record.ID] = cloneRecord(record)
	}
	return nil
}

func (s *Store) GetRecord(_ context.Context, id string) (domain.StagingRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.state.records[id]
	if !ok {
		return domain.StagingRecord{}, domain.ErrNotFound{Entity: domain.EntityRecord, ID: id}
	}
	return cloneRecord(record), nil
}

func (s *Store) ListRecords(_ context.Context, batchID string) ([]domain.StagingRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var records []domain.StagingRecord
	for _, record := range s.state.records {
		if record.BatchID == batchID {
			records = append(records, cloneRecord(record))
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].LineNumber < records[j].LineNumber })
	return records, nil
}

func (s *Store) UpdateRecord(_ context.Context, id string, mutate func(*domain.StagingRecord) error) (domain.StagingRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.state.records[id]
	if !ok {
		return domain.StagingRecord{}, domain.ErrNotFound{Entity: domain.EntityRecord, ID: id}
	}
	updated := cloneRecord(record)
	if err := mutate(&updated); err != nil {
		return domain.StagingRecord{}, err
	}
	updated.ID = record.ID
	updated.UpdatedAt = s.now().UTC()
	s.state.records[id] = cloneRecord(updated)
	return updated, nil
}

func (s *Store) CatalogSnapshot(_ context.Context, organizationID string, entryType domain.EntryType) ([]domain.CatalogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var entries []domain.CatalogEntry
	for _, entry := range s.state.entries {
		if entry.OrganizationID == organizationID && entry.Type == entryType {
			entries = append(entries, cloneEntry(entry))
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].NormalizedKey != entries[j].NormalizedKey {
			return entries[i].NormalizedKey < entries[j].NormalizedKey
		}
		return entries[i].ID < entries[j].ID
	})
	return entries, nil
}

func (s *Store) GetCatalogEntry(_ context.Context, id string) (domain.CatalogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.state.entries[id]
	if !ok {
		return domain.CatalogEntry{}, domain.ErrNotFound{Entity: domain.EntityCatalogEntry, ID: id}
	}
	return cloneEntry(entry), nil
}

func (s *Store) FindCatalogEntryByKey(_ context.Context, organizationID string, entryType domain.EntryType, key string) (domain.CatalogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.state.entryKeys[entryKey(organizationID, entryType, key)]
	if !ok {
		return domain.CatalogEntry{}, domain.ErrNotFound{Entity: domain.EntityCatalogEntry, ID: key}
	}
	return cloneEntry(s.state.entries[id]), nil
}

func (s *Store) InsertCatalogEntry(_ context.Context, entry domain.CatalogEntry) (domain.CatalogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertEntryLocked(entry)
}

func (s *Store) insertEntryLocked(entry domain.CatalogEntry) (domain.CatalogEntry, error) {
	key := entryKey(entry.OrganizationID, entry.Type, entry.NormalizedKey)
	if existingID, ok := s.state.entryKeys[key]; ok {
		return domain.CatalogEntry{}, domain.DuplicateKeyError{Existing: cloneEntry(s.state.entries[existingID])}
	}
	now := s.now().UTC()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	if entry.LastMatchedAt.IsZero() {
		entry.LastMatchedAt = entry.CreatedAt
	}
	s.state.entries[entry.ID] = cloneEntry(entry)
	s.state.entryKeys[key] = entry.ID
	return entry, nil
}

func (s *Store) TouchCatalogEntry(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.state.entries[id]
	if !ok {
		return domain.ErrNotFound{Entity: domain.EntityCatalogEntry, ID: id}
	}
	if at.After(entry.LastMatchedAt) {
		entry.LastMatchedAt = at
		s.state.entries[id] = entry
	}
	return nil
}

// PutDecision stores a match decision. Placeholder decisions may be
// rewritten; a finalized decision is immutable. Re-putting a finalized
// decision unchanged is a no-op so resolution retries stay idempotent.
func (s *Store) PutDecision(_ context.Context, decision domain.MatchDecision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prior, ok := s.state.decisions[decision.RecordID]; ok && !prior.Pending() {
		if reflect.DeepEqual(prior, decision) {
			return nil
		}
		return domain.DecisionConflictError{RecordID: decision.RecordID}
	}
	s.state.decisions[decision.RecordID] = cloneDecision(decision)
	return nil
}

func (s *Store) GetDecision(_ context.Context, recordID string) (domain.MatchDecision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	decision, ok := s.state.decisions[recordID]
	if !ok {
		return domain.MatchDecision{}, domain.ErrNotFound{Entity: domain.EntityDecision, ID: recordID}
	}
	return cloneDecision(decision), nil
}

func (s *Store) PutQualityScore(_ context.Context, score domain.QualityScore) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.scores[score.RecordID] = score
	return nil
}

func (s *Store) GetQualityScore(_ context.Context, recordID string) (domain.QualityScore, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	score, ok := s.state.scores[recordID]
	if !ok {
		return domain.QualityScore{}, domain.ErrNotFound{Entity: domain.EntityQualityScore, ID: recordID}
	}
	return score, nil
}

// CommitRecord applies the whole set or none of it. Uniqueness of all
// proposed entries is checked before anything is written, so a losing race
// surfaces as DuplicateKeyError with no partial state.
func (s *Store) CommitRecord(_ context.Context, set domain.CommitSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state.results[set.RecordID]; ok {
		// Already committed; the stored result is authoritative.
		return nil
	}
	if _, ok := s.state.records[set.RecordID]; !ok {
		return domain.ErrNotFound{Entity: domain.EntityRecord, ID: set.RecordID}
	}
	for _, entry := range set.NewEntries {
		key := entryKey(entry.OrganizationID, entry.Type, entry.NormalizedKey)
		if existingID, ok := s.state.entryKeys[key]; ok {
			return domain.DuplicateKeyError{Existing: cloneEntry(s.state.entries[existingID])}
		}
	}
	for _, entry := range set.NewEntries {
		if _, err := s.insertEntryLocked(entry); err != nil {
			return err
		}
	}
	if set.OrderLine != nil {
		s.state.lines[set.OrderLine.ID] = *set.OrderLine
	}
	if set.PriceObs != nil {
		s.state.prices[set.PriceObs.ID] = *set.PriceObs
	}
	s.state.results[set.RecordID] = cloneResult(set.Result)
	record := s.state.records[set.RecordID]
	record.Status = domain.RecordCommitted
	record.ErrorReason = ""
	record.UpdatedAt = s.now().UTC()
	s.state.records[set.RecordID] = record
	return nil
}

func (s *Store) GetCommitResult(_ context.Context, recordID string) (domain.CommitResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result, ok := s.state.results[recordID]
	if !ok {
		return domain.CommitResult{}, domain.ErrNotFound{Entity: domain.EntityCommitResult, ID: recordID}
	}
	return cloneResult(result), nil
}

func (s *Store) DuplicateFactCount(_ context.Context, organizationID, duplicateKey string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, line := range s.state.lines {
		if line.OrganizationID == organizationID && line.DuplicateKey == duplicateKey {
			count++
		}
	}
	return count, nil
}

// PriceStats aggregates with Welford's one-pass algorithm so long price
// histories stay numerically stable.
func (s *Store) PriceStats(_ context.Context, organizationID, materialKey string) (domain.PriceStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		count int
		mean  float64
		m2    float64
	)
	for _, obs := range s.state.prices {
		if obs.OrganizationID != organizationID || obs.MaterialKey != materialKey {
			continue
		}
		count++
		delta := obs.UnitPrice - mean
		mean += delta / float64(count)
		m2 += delta * (obs.UnitPrice - mean)
	}
	stats := domain.PriceStats{Count: count, Mean: mean}
	if count > 1 {
		stats.StdDev = math.Sqrt(m2 / float64(count-1))
	}
	return stats, nil
}

func (s *Store) EnqueueConflict(_ context.Context, entry domain.ConflictEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.conflicts[entry.RecordID] = cloneConflict(entry)
	return nil
}

func (s *Store) GetConflict(_ context.Context, recordID string) (domain.ConflictEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.state.conflicts[recordID]
	if !ok {
		return domain.ConflictEntry{}, domain.ErrNotFound{Entity: domain.EntityConflict, ID: recordID}
	}
	return cloneConflict(entry), nil
}

func (s *Store) OpenConflicts(_ context.Context, organizationID string) ([]domain.ConflictEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var open []domain.ConflictEntry
	for _, entry := range s.state.conflicts {
		if entry.OrganizationID == organizationID && entry.Status == domain.ConflictOpen {
			open = append(open, cloneConflict(entry))
		}
	}
	sort.Slice(open, func(i, j int) bool {
		if !open[i].CreatedAt.Equal(open[j].CreatedAt) {
			return open[i].CreatedAt.Before(open[j].CreatedAt)
		}
		return open[i].RecordID < open[j].RecordID
	})
	return open, nil
}

func (s *Store) UpdateConflict(_ context.Context, recordID string, mutate func(*domain.ConflictEntry) error) (domain.ConflictEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.state.conflicts[recordID]
	if !ok {
		return domain.ConflictEntry{}, domain.ErrNotFound{Entity: domain.EntityConflict, ID: recordID}
	}
	updated := cloneConflict(entry)
	if err := mutate(&updated); err != nil {
		return domain.ConflictEntry{}, err
	}
	updated.RecordID = entry.RecordID
	s.state.conflicts[recordID] = cloneConflict(updated)
	return updated, nil
}

func (s *Store) SaveTemplate(_ context.Context, template domain.MappingTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if template.CreatedAt.IsZero() {
		template.CreatedAt = s.now().UTC()
	}
	s.state.templates[templateKey(template.OrganizationID, template.Name)] = cloneTemplate(template)
	return nil
}

func (s *Store) GetTemplate(_ context.Context, organizationID, name string) (domain.MappingTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	template, ok := s.state.templates[templateKey(organizationID, name)]
	if !ok {
		return domain.MappingTemplate{}, domain.ErrNotFound{Entity: domain.EntityTemplate, ID: name}
	}
	return cloneTemplate(template), nil
}
