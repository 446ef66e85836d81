package domain

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a lookup misses within store operations.
type ErrNotFound struct {
	Entity EntityType
	ID     string
}

func (e ErrNotFound) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

// IsNotFound reports whether err wraps an ErrNotFound.
func IsNotFound(err error) bool {
	var nf ErrNotFound
	return errors.As(err, &nf)
}

// DuplicateKeyError is returned when a catalog insert collides with the
// (organization, type, normalized key) uniqueness constraint. Existing carries
// the surviving entry so callers can fall back to re-resolution; the collision
// is the race-safety mechanism, not a user-visible failure.
type DuplicateKeyError struct {
	Existing CatalogEntry
}

func (e DuplicateKeyError) Error() string {
	return fmt.Sprintf("catalog entry %s/%s already exists for key %q",
		e.Existing.OrganizationID, e.Existing.Type, e.Existing.NormalizedKey)
}

// IsDuplicateKey reports whether err wraps a DuplicateKeyError and, if so,
// returns the surviving entry.
func IsDuplicateKey(err error) (CatalogEntry, bool) {
	var dup DuplicateKeyError
	if errors.As(err, &dup) {
		return dup.Existing, true
	}
	return CatalogEntry{}, false
}

// DecisionConflictError is returned when a finalized match decision would be
// overwritten with different content. Decisions are immutable once set.
type DecisionConflictError struct {
	RecordID string
}

func (e DecisionConflictError) Error() string {
	return fmt.Sprintf("match decision for record %s is already finalized", e.RecordID)
}

// InvalidTransitionError is returned when a batch status update violates the
// monotonic transition rules.
type InvalidTransitionError struct {
	BatchID string
	From    BatchStatus
	To      BatchStatus
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("batch %s cannot transition from %s to %s", e.BatchID, e.From, e.To)
}

// BatchFailure marks an infrastructure-level failure that is fatal to a batch
// (for example a catalog snapshot load error). Record-level errors never use
// this type; they are contained at the record.
type BatchFailure struct {
	BatchID string
	Stage   string
	Err     error
}

func (e BatchFailure) Error() string {
	return fmt.Sprintf("batch %s failed in %s: %v", e.BatchID, e.Stage, e.Err)
}

func (e BatchFailure) Unwrap() error { return e.Err }
