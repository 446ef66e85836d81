package resolve

import (
	"context"
	"fmt"

	"procurecore/pkg/domain"
)

// Snapshot is the read-only catalog view a batch resolves against. It is
// built once per batch from the store, indexed by normalized key and by
// shingles for candidate retrieval, and shared across workers without locks.
type Snapshot struct {
	organizationID string
	indexes        map[domain.EntryType]*entryIndex
}

type entryIndex struct {
	entries  []domain.CatalogEntry
	byKey    map[string]int
	shingles map[string][]int
}

// BuildSnapshot loads the organization's catalog for both entry types and
// indexes it. A load failure here is fatal to the batch, not to individual
// records.
func BuildSnapshot(ctx context.Context, store domain.Store, organizationID string) (*Snapshot, error) {
	snapshot := &Snapshot{
		organizationID: organizationID,
		indexes:        make(map[domain.EntryType]*entryIndex, 2),
	}
	for _, entryType := range []domain.EntryType{domain.EntrySupplier, domain.EntryMaterial} {
		entries, err := store.CatalogSnapshot(ctx, organizationID, entryType)
		if err != nil {
			return nil, fmt.Errorf("load %s catalog for %s: %w", entryType, organizationID, err)
		}
		snapshot.indexes[entryType] = buildIndex(entries)
	}
	return snapshot, nil
}

// NewSnapshot indexes pre-loaded entries; used by tests and replays.
func NewSnapshot(organizationID string, suppliers, materials []domain.CatalogEntry) *Snapshot {
	return &Snapshot{
		organizationID: organizationID,
		indexes: map[domain.EntryType]*entryIndex{
			domain.EntrySupplier: buildIndex(suppliers),
			domain.EntryMaterial: buildIndex(materials),
		},
	}
}

func buildIndex(entries []domain.CatalogEntry) *entryIndex {
	idx := &entryIndex{
		entries:  entries,
		byKey:    make(map[string]int, len(entries)),
		shingles: make(map[string][]int),
	}
	for i, entry := range entries {
		idx.byKey[entry.NormalizedKey] = i
		for _, shingle := range Shingles(entry.NormalizedKey) {
			idx.shingles[shingle] = append(idx.shingles[shingle], i)
		}
	}
	return idx
}

// OrganizationID returns the organization this snapshot was built for.
func (s *Snapshot) OrganizationID() string { return s.organizationID }

// Size reports the number of indexed entries of the given type.
func (s *Snapshot) Size(entryType domain.EntryType) int {
	idx, ok := s.indexes[entryType]
	if !ok {
		return 0
	}
	return len(idx.entries)
}

// ExactKey returns the entry whose normalized key equals key, if present.
func (s *Snapshot) ExactKey(entryType domain.EntryType, key string) (domain.CatalogEntry, bool) {
	idx, ok := s.indexes[entryType]
	if !ok {
		return domain.CatalogEntry{}, false
	}
	i, ok := idx.byKey[key]
	if !ok {
		return domain.CatalogEntry{}, false
	}
	return idx.entries[i], true
}

// Candidates returns every entry sharing at least one shingle with the
// normalized input key, deduplicated, in index order.
func (s *Snapshot) Candidates(entryType domain.EntryType, key string) []domain.CatalogEntry {
	idx, ok := s.indexes[entryType]
	if !ok {
		return nil
	}
	seen := make(map[int]struct{})
	var out []domain.CatalogEntry
	for _, shingle := range Shingles(key) {
		for _, i := range idx.shingles[shingle] {
			if _, dup := seen[i]; dup {
				continue
			}
			seen[i] = struct{}{}
			out = append(out, idx.entries[i])
		}
	}
	return out
}
