// Package conflict manages the durable review queue for ambiguous catalog
// matches. Records parked here stay uncommitted until a human resolves every
// ambiguous reference; there is no timeout-driven auto-resolution.
package conflict

import (
	"context"
	"fmt"
	"time"

	"procurecore/internal/pipeline/resolve"
	"procurecore/pkg/domain"
)

// Committer applies a finalized decision for a record. The commit engine
// satisfies this; tests substitute fakes.
type Committer interface {
	Commit(ctx context.Context, record domain.StagingRecord, decision domain.MatchDecision) (domain.CommitResult, error)
}

// Service exposes the queue operations: enqueue from the pipeline, list and
// inspect for review surfaces, and per-reference resolution.
type Service struct {
	store     domain.Store
	committer Committer

	// Now is overridable for tests.
	Now func() time.Time
}

// NewService constructs the queue service. The committer may be nil, in which
// case finalized records are left in resolved state for the next batch retry
// to commit.
func NewService(store domain.Store, committer Committer) *Service {
	return &Service{store: store, committer: committer, Now: time.Now}
}

// Enqueue parks a record in the queue together with its placeholder decision.
// The placeholder pins the already-unambiguous references so a later retry
// pass cannot silently re-resolve them differently.
func (s *Service) Enqueue(ctx context.Context, entry domain.ConflictEntry, placeholder domain.MatchDecision) error {
	if len(entry.References) == 0 {
		return fmt.Errorf("conflict for record %s has no references", entry.RecordID)
	}
	if !placeholder.Pending() {
		return fmt.Errorf("record %s: placeholder decision has no pending reference", entry.RecordID)
	}
	entry.Status = domain.ConflictOpen
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.Now().UTC()
	}
	if err := s.store.EnqueueConflict(ctx, entry); err != nil {
		return fmt.Errorf("enqueue conflict for record %s: %w", entry.RecordID, err)
	}
	if err := s.store.PutDecision(ctx, placeholder); err != nil {
		return fmt.Errorf("store placeholder decision for record %s: %w", entry.RecordID, err)
	}
	return nil
}

// Get returns the queue entry for a record.
func (s *Service) Get(ctx context.Context, recordID string) (domain.ConflictEntry, error) {
	return s.store.GetConflict(ctx, recordID)
}

// Open lists the open queue entries for an organization.
func (s *Service) Open(ctx context.Context, organizationID string) ([]domain.ConflictEntry, error) {
	return s.store.OpenConflicts(ctx, organizationID)
}

// Choice is one reviewer decision for a single ambiguous reference: either a
// manual match against an existing catalog entry, or creation of a new one.
type Choice struct {
	Reference domain.EntryType `json:"reference"`
	EntryID   string           `json:"entry_id,omitempty"`
	CreateNew bool             `json:"create_new,omitempty"`
	// NewName overrides the canonical name for a created entry; it defaults
	// to the record's input value.
	NewName string `json:"new_name,omitempty"`
}

// Resolve applies one reviewer choice. When the choice settles the last open
// reference the decision is finalized, the record moves back to resolved, and
// the committer (if configured) commits it immediately. The conflict is
// marked resolved only once the commit has succeeded, so a failed commit can
// be retried by resolving the same reference again.
func (s *Service) Resolve(ctx context.Context, recordID string, choice Choice, resolvedBy string) (domain.ConflictEntry, error) {
	if resolvedBy == "" {
		return domain.ConflictEntry{}, fmt.Errorf("record %s: resolver identity is required", recordID)
	}
	if choice.CreateNew == (choice.EntryID != "") {
		return domain.ConflictEntry{}, fmt.Errorf("record %s: choice must name an entry or create a new one", recordID)
	}

	entry, err := s.store.GetConflict(ctx, recordID)
	if err != nil {
		return domain.ConflictEntry{}, err
	}
	if entry.Status != domain.ConflictOpen {
		return domain.ConflictEntry{}, fmt.Errorf("conflict for record %s is already resolved", recordID)
	}
	ref, err := findReference(entry, choice.Reference)
	if err != nil {
		return domain.ConflictEntry{}, err
	}
	if ref.Resolved {
		return domain.ConflictEntry{}, fmt.Errorf("record %s: %s reference is already resolved", recordID, choice.Reference)
	}

	resolution, err := s.buildResolution(ctx, entry, ref, choice)
	if err != nil {
		return domain.ConflictEntry{}, err
	}

	now := s.Now().UTC()
	decision, err := s.store.GetDecision(ctx, recordID)
	if err != nil {
		return domain.ConflictEntry{}, fmt.Errorf("load decision for record %s: %w", recordID, err)
	}
	decision.References[choice.Reference] = resolution
	final := !decision.Pending()
	if final && decision.ResolvedAt.IsZero() {
		decision.ResolvedBy = resolvedBy
		decision.ResolvedAt = now
	}
	if err := s.store.PutDecision(ctx, decision); err != nil {
		return domain.ConflictEntry{}, fmt.Errorf("store decision for record %s: %w", recordID, err)
	}

	if final {
		record, err := s.store.UpdateRecord(ctx, recordID, func(r *domain.StagingRecord) error {
			r.Status = domain.RecordResolved
			return nil
		})
		if err != nil {
			return domain.ConflictEntry{}, fmt.Errorf("mark record %s resolved: %w", recordID, err)
		}
		if s.committer != nil {
			if _, err := s.committer.Commit(ctx, record, decision); err != nil {
				return domain.ConflictEntry{}, fmt.Errorf("commit resolved record %s: %w", recordID, err)
			}
		}
	}

	// The queue entry records the resolution only after the commit has
	// succeeded; a transient commit failure leaves the conflict open so the
	// same choice can be replayed.
	updated, err := s.store.UpdateConflict(ctx, recordID, func(e *domain.ConflictEntry) error {
		open := 0
		for i := range e.References {
			if e.References[i].Type == choice.Reference {
				e.References[i].Resolved = true
			}
			if !e.References[i].Resolved {
				open++
			}
		}
		if open == 0 {
			e.Status = domain.ConflictResolved
			e.ResolvedAt = now
		}
		return nil
	})
	if err != nil {
		return domain.ConflictEntry{}, fmt.Errorf("update conflict for record %s: %w", recordID, err)
	}
	return updated, nil
}

func (s *Service) buildResolution(ctx context.Context, entry domain.ConflictEntry, ref domain.ConflictReference, choice Choice) (domain.ReferenceResolution, error) {
	if choice.CreateNew {
		name := choice.NewName
		if name == "" {
			name = ref.Input
		}
		key := resolve.NormalizeKey(name)
		if key == "" {
			return domain.ReferenceResolution{}, fmt.Errorf("record %s: created %s entry needs a usable name", entry.RecordID, ref.Type)
		}
		return domain.ReferenceResolution{
			Kind:         domain.ResolutionCreatedNew,
			ProposedName: name,
			ProposedKey:  key,
		}, nil
	}
	target, err := s.store.GetCatalogEntry(ctx, choice.EntryID)
	if err != nil {
		return domain.ReferenceResolution{}, fmt.Errorf("record %s: load chosen entry: %w", entry.RecordID, err)
	}
	if target.OrganizationID != entry.OrganizationID || target.Type != ref.Type {
		return domain.ReferenceResolution{}, fmt.Errorf("record %s: entry %s is not a %s in this organization", entry.RecordID, choice.EntryID, ref.Type)
	}
	return domain.ReferenceResolution{
		Kind:     domain.ResolutionManuallyMatched,
		EntityID: target.ID,
	}, nil
}

func findReference(entry domain.ConflictEntry, entryType domain.EntryType) (domain.ConflictReference, error) {
	for _, ref := range entry.References {
		if ref.Type == entryType {
			return ref, nil
		}
	}
	return domain.ConflictReference{}, fmt.Errorf("conflict for record %s has no %s reference", entry.RecordID, entryType)
}
