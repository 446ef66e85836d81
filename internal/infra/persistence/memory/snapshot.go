package memory

import (
	"procurecore/pkg/domain"
)

// Snapshot captures a point-in-time clone of the store state. The SQLite and
// Postgres stores serialize it bucket by bucket after each mutation and
// rehydrate from it on startup.
type Snapshot struct {
	Batches   map[string]domain.StagingBatch      `json:"batches"`
	Records   map[string]domain.StagingRecord     `json:"records"`
	Entries   map[string]domain.CatalogEntry      `json:"catalog_entries"`
	Decisions map[string]domain.MatchDecision     `json:"decisions"`
	Scores    map[string]domain.QualityScore      `json:"quality_scores"`
	Results   map[string]domain.CommitResult      `json:"commit_results"`
	Lines     map[string]domain.PurchaseOrderLine `json:"order_lines"`
	Prices    map[string]domain.PriceObservation  `json:"price_observations"`
	Conflicts map[string]domain.ConflictEntry     `json:"conflicts"`
	Templates map[string]domain.MappingTemplate   `json:"templates"`
}

// ExportState returns a deep copy of the current state.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snapshot := Snapshot{
		Batches:   make(map[string]domain.StagingBatch, len(s.state.batches)),
		Records:   make(map[string]domain.StagingRecord, len(s.state.records)),
		Entries:   make(map[string]domain.CatalogEntry, len(s.state.entries)),
		Decisions: make(map[string]domain.MatchDecision, len(s.state.decisions)),
		Scores:    make(map[string]domain.QualityScore, len(s.state.scores)),
		Results:   make(map[string]domain.CommitResult, len(s.state.results)),
		Lines:     make(map[string]domain.PurchaseOrderLine, len(s.state.lines)),
		Prices:    make(map[string]domain.PriceObservation, len(s.state.prices)),
		Conflicts: make(map[string]domain.ConflictEntry, len(s.state.conflicts)),
		Templates: make(map[string]domain.MappingTemplate, len(s.state.templates)),
	}
	for k, v := range s.state.batches {
		snapshot.Batches[k] = v
	}
	for k, v := range s.state.records {
		snapshot.Records[k] = cloneRecord(v)
	}
	for k, v := range s.state.entries {
		snapshot.Entries[k] = cloneEntry(v)
	}
	for k, v := range s.state.decisions {
		snapshot.Decisions[k] = cloneDecision(v)
	}
	for k, v := range s.state.scores {
		snapshot.Scores[k] = v
	}
	for k, v := range s.state.results {
		snapshot.Results[k] = cloneResult(v)
	}
	for k, v := range s.state.lines {
		snapshot.Lines[k] = v
	}
	for k, v := range s.state.prices {
		snapshot.Prices[k] = v
	}
	for k, v := range s.state.conflicts {
		snapshot.Conflicts[k] = cloneConflict(v)
	}
	for k, v := range s.state.templates {
		snapshot.Templates[k] = cloneTemplate(v)
	}
	return snapshot
}

// ImportState replaces the store state with the snapshot contents and
// rebuilds the derived uniqueness index. Nil buckets are treated as empty so
// snapshots written by older builds load cleanly.
func (s *Store) ImportState(snapshot Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := newState()
	for k, v := range snapshot.Batches {
		next.batches[k] = v
	}
	for k, v := range snapshot.Records {
		next.records[k] = cloneRecord(v)
	}
	for k, v := range snapshot.Entries {
		entry := cloneEntry(v)
		next.entries[k] = entry
		next.entryKeys[entryKey(entry.OrganizationID, entry.Type, entry.NormalizedKey)] = entry.ID
	}
	for k, v := range snapshot.Decisions {
		next.decisions[k] = cloneDecision(v)
	}
	for k, v := range snapshot.Scores {
		next.scores[k] = v
	}
	for k, v := range snapshot.Results {
		next.results[k] = cloneResult(v)
	}
	for k, v := range snapshot.Lines {
		next.lines[k] = v
	}
	for k, v := range snapshot.Prices {
		next.prices[k] = v
	}
	for k, v := range snapshot.Conflicts {
		next.conflicts[k] = cloneConflict(v)
	}
	for k, v := range snapshot.Templates {
		next.templates[k] = cloneTemplate(v)
	}
	s.state = next
}

func cloneRecord(record domain.StagingRecord) domain.StagingRecord {
	out := record
	if record.RawFields != nil {
		out.RawFields = append([]domain.RawCell(nil), record.RawFields...)
	}
	if record.NormalizedFields != nil {
		out.NormalizedFields = make(map[domain.CanonicalField]domain.FieldValue, len(record.NormalizedFields))
		for k, v := range record.NormalizedFields {
			out.NormalizedFields[k] = v
		}
	}
	if record.ValidationErrors != nil {
		out.ValidationErrors = append([]domain.FieldError(nil), record.ValidationErrors...)
	}
	return out
}

func cloneEntry(entry domain.CatalogEntry) domain.CatalogEntry {
	out := entry
	if entry.Attributes != nil {
		out.Attributes = make(map[string]string, len(entry.Attributes))
		for k, v := range entry.Attributes {
			out.Attributes[k] = v
		}
	}
	return out
}

func cloneDecision(decision domain.MatchDecision) domain.MatchDecision {
	out := decision
	if decision.References != nil {
		out.References = make(map[domain.EntryType]domain.ReferenceResolution, len(decision.References))
		for k, v := range decision.References {
			ref := v
			if v.Attributes != nil {
				ref.Attributes = make(map[string]string, len(v.Attributes))
				for ak, av := range v.Attributes {
					ref.Attributes[ak] = av
				}
			}
			out.References[k] = ref
		}
	}
	return out
}

func cloneResult(result domain.CommitResult) domain.CommitResult {
	out := result
	if result.CreatedEntityIDs != nil {
		out.CreatedEntityIDs = append([]string(nil), result.CreatedEntityIDs...)
	}
	if result.MatchedEntityIDs != nil {
		out.MatchedEntityIDs = append([]string(nil), result.MatchedEntityIDs...)
	}
	if result.CreatedFactIDs != nil {
		out.CreatedFactIDs = append([]string(nil), result.CreatedFactIDs...)
	}
	return out
}

func cloneConflict(entry domain.ConflictEntry) domain.ConflictEntry {
	out := entry
	if entry.References != nil {
		out.References = make([]domain.ConflictReference, len(entry.References))
		for i, ref := range entry.References {
			cloned := ref
			if ref.Candidates != nil {
				cloned.Candidates = append([]domain.MatchCandidate(nil), ref.Candidates...)
			}
			out.References[i] = cloned
		}
	}
	return out
}

func cloneTemplate(template domain.MappingTemplate) domain.MappingTemplate {
	out := template
	if template.Columns != nil {
		out.Columns = make(map[string]domain.CanonicalField, len(template.Columns))
		for k, v := range template.Columns {
			out.Columns[k] = v
		}
	}
	return out
}
