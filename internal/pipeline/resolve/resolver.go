package resolve

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"procurecore/pkg/domain"
)

// Default classification thresholds. Both are configurable defaults asserted
// from product behavior, not derived constants.
const (
	DefaultAutoThreshold   = 0.95
	DefaultReviewThreshold = 0.75
)

// auxiliaryAttribute names the identifier attribute whose exact match
// overrides name-based scoring, per entry type.
var auxiliaryAttribute = map[domain.EntryType]string{
	domain.EntrySupplier: "tax_id",
	domain.EntryMaterial: "material_code",
}

// Reference is one entity reference extracted from a staging record.
type Reference struct {
	Type domain.EntryType
	Name string
	// Auxiliary carries identifier attributes (tax id, material code) that
	// force an exact match when equal to a candidate's attribute.
	Auxiliary map[string]string
}

// Outcome is the resolver's verdict for one reference. A pending resolution
// means the reference sits in the review band and carries its ranked
// candidates for the conflict queue.
type Outcome struct {
	Resolution domain.ReferenceResolution
	Candidates []domain.MatchCandidate
}

// NeedsReview reports whether the outcome awaits a human decision.
func (o Outcome) NeedsReview() bool {
	return o.Resolution.Kind == domain.ResolutionPending
}

// Resolver matches references against a catalog snapshot. The batch-local
// cache guarantees that two raw names normalizing to the same key within one
// batch resolve identically, and is the only mutable state shared between
// workers.
type Resolver struct {
	snapshot        *Snapshot
	autoThreshold   float64
	reviewThreshold float64

	mu    sync.Mutex
	cache map[string]Outcome
}

// NewResolver constructs a resolver over the given snapshot. Non-positive
// thresholds fall back to the defaults.
func NewResolver(snapshot *Snapshot, autoThreshold, reviewThreshold float64) *Resolver {
	if autoThreshold <= 0 {
		autoThreshold = DefaultAutoThreshold
	}
	if reviewThreshold <= 0 {
		reviewThreshold = DefaultReviewThreshold
	}
	return &Resolver{
		snapshot:        snapshot,
		autoThreshold:   autoThreshold,
		reviewThreshold: reviewThreshold,
		cache:           make(map[string]Outcome),
	}
}

// Resolve classifies one reference. Empty names are a caller bug: the
// validator screens them out before resolution.
func (r *Resolver) Resolve(ref Reference) (Outcome, error) {
	name := strings.TrimSpace(ref.Name)
	if name == "" {
		return Outcome{}, fmt.Errorf("resolve %s: empty reference name", ref.Type)
	}
	key := NormalizeKey(name)
	if key == "" {
		return Outcome{}, fmt.Errorf("resolve %s: name %q normalizes to an empty key", ref.Type, name)
	}

	cacheKey := string(ref.Type) + "|" + key
	r.mu.Lock()
	if cached, ok := r.cache[cacheKey]; ok {
		r.mu.Unlock()
		return cached, nil
	}
	r.mu.Unlock()

	outcome := r.classify(ref, name, key)

	r.mu.Lock()
	r.cache[cacheKey] = outcome
	r.mu.Unlock()
	return outcome, nil
}

func (r *Resolver) classify(ref Reference, name, key string) Outcome {
	candidates := r.score(ref, key)
	if len(candidates) > 0 && candidates[0].Score >= r.autoThreshold {
		best := candidates[0]
		return Outcome{
			Resolution: domain.ReferenceResolution{
				Kind:     domain.ResolutionAutoMatched,
				EntityID: best.EntryID,
				Score:    best.Score,
			},
			Candidates: candidates[:1],
		}
	}
	var band []domain.MatchCandidate
	for _, c := range candidates {
		if c.Score >= r.reviewThreshold {
			band = append(band, c)
		}
	}
	if len(band) > 0 {
		return Outcome{
			Resolution: domain.ReferenceResolution{
				Kind:         domain.ResolutionPending,
				Score:        band[0].Score,
				ProposedName: name,
				ProposedKey:  key,
			},
			Candidates: band,
		}
	}
	return Outcome{
		Resolution: domain.ReferenceResolution{
			Kind:         domain.ResolutionCreatedNew,
			ProposedName: name,
			ProposedKey:  key,
			Attributes:   cloneAttributes(ref.Auxiliary),
		},
	}
}

// score retrieves shingle-sharing candidates and ranks them by composite
// score, breaking ties toward the most-recently-used entry and then the
// lexicographically smallest id for determinism.
func (r *Resolver) score(ref Reference, key string) []domain.MatchCandidate {
	auxKey := auxiliaryAttribute[ref.Type]
	auxValue := strings.TrimSpace(ref.Auxiliary[auxKey])

	entries := r.snapshot.Candidates(ref.Type, key)
	order := make(map[string]domain.CatalogEntry, len(entries))
	var out []domain.MatchCandidate
	for _, entry := range entries {
		candidate := domain.MatchCandidate{EntryID: entry.ID, Name: entry.CanonicalName}
		switch {
		case auxValue != "" && entry.Attributes[auxKey] == auxValue:
			candidate.Score = 1.0
			candidate.Breakdown = domain.ScoreBreakdown{AuxiliaryMatch: true}
		case entry.NormalizedKey == key:
			candidate.Score = 1.0
			candidate.Breakdown = domain.ScoreBreakdown{ExactKey: true, TokenOverlap: 1, EditSimilarity: 1}
		default:
			composite, overlap, edit := NameScore(key, entry.NormalizedKey)
			candidate.Score = composite
			candidate.Breakdown = domain.ScoreBreakdown{TokenOverlap: overlap, EditSimilarity: edit}
		}
		order[entry.ID] = entry
		out = append(out, candidate)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		mruI := order[out[i].EntryID].LastMatchedAt
		mruJ := order[out[j].EntryID].LastMatchedAt
		if !mruI.Equal(mruJ) {
			return mruI.After(mruJ)
		}
		return out[i].EntryID < out[j].EntryID
	})
	return out
}

func cloneAttributes(attrs map[string]string) map[string]string {
	if len(attrs) == 0 {
		return nil
	}
	out := make(map[string]string, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}

// ReferencesOf extracts the resolvable references from a record's canonical
// fields. Absent names yield no reference; the validator has already flagged
// missing required names.
func ReferencesOf(fields map[domain.CanonicalField]domain.FieldValue) []Reference {
	var out []Reference
	if name := fields[domain.FieldSupplierName].Raw; strings.TrimSpace(name) != "" {
		ref := Reference{Type: domain.EntrySupplier, Name: name}
		if taxID := strings.TrimSpace(fields[domain.FieldSupplierTaxID].Raw); taxID != "" {
			ref.Auxiliary = map[string]string{"tax_id": taxID}
		}
		out = append(out, ref)
	}
	if name := fields[domain.FieldMaterialName].Raw; strings.TrimSpace(name) != "" {
		ref := Reference{Type: domain.EntryMaterial, Name: name}
		if code := strings.TrimSpace(fields[domain.FieldMaterialCode].Raw); code != "" {
			ref.Auxiliary = map[string]string{"material_code": code}
		}
		out = append(out, ref)
	}
	return out
}
