package ingest

import (
	"context"
	"fmt"

	"procurecore/pkg/domain"
)

// RecordExport joins one staged record with its quality score for review and
// reporting surfaces. Score is nil when the record was never scored, which
// only happens for batches that failed before the scoring stage.
type RecordExport struct {
	Record domain.StagingRecord `json:"record"`
	Score  *domain.QualityScore `json:"score,omitempty"`
}

// Export returns every record of a batch with its quality score, in line
// order.
func (s *Service) Export(ctx context.Context, batchID string) ([]RecordExport, error) {
	if _, err := s.store.GetBatch(ctx, batchID); err != nil {
		return nil, err
	}
	records, err := s.store.ListRecords(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("list records for batch %s: %w", batchID, err)
	}

	out := make([]RecordExport, 0, len(records))
	for _, rec := range records {
		entry := RecordExport{Record: rec}
		score, err := s.store.GetQualityScore(ctx, rec.ID)
		switch {
		case err == nil:
			entry.Score = &score
		case domain.IsNotFound(err):
			// unscored, leave nil
		default:
			return nil, fmt.Errorf("load quality score for record %s: %w", rec.ID, err)
		}
		out = append(out, entry)
	}
	return out, nil
}
