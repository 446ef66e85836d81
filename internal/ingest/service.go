// Package ingest is the batch-facing facade over the pipeline: it accepts
// raw uploads, archives the original payload, and exposes the processing,
// retry, template, and reporting surfaces the adapters build on.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"procurecore/internal/conflict"
	blobcore "procurecore/internal/infra/blob/core"
	"procurecore/internal/pipeline"
	"procurecore/pkg/domain"
)

// Upload is one raw tabular payload submitted for ingestion. Header order is
// preserved; short rows are padded with empty cells and long rows truncated
// to the header width.
type Upload struct {
	OrganizationID string     `json:"organization_id"`
	UploadRef      string     `json:"upload_ref"`
	TemplateName   string     `json:"template_name,omitempty"`
	Header         []string   `json:"header"`
	Rows           [][]string `json:"rows"`
}

// Service wires the pipeline, the store, and the archival blob layer into
// one ingestion surface.
type Service struct {
	pipeline *pipeline.Orchestrator
	store    domain.Store
	blobs    blobcore.Store
	logger   *slog.Logger
	now      func() time.Time
}

// Option customizes service construction.
type Option func(*Service)

// WithBlobStore enables raw-payload archival. Without it uploads are not
// archived.
func WithBlobStore(blobs blobcore.Store) Option {
	return func(s *Service) { s.blobs = blobs }
}

// WithLogger installs a structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService constructs the ingestion facade.
func NewService(orch *pipeline.Orchestrator, store domain.Store, opts ...Option) *Service {
	s := &Service{
		pipeline: orch,
		store:    store,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SubmitUpload validates the payload shape, archives the original bytes, and
// stages the batch. Processing starts separately via Process.
func (s *Service) SubmitUpload(ctx context.Context, up Upload) (domain.StagingBatch, error) {
	if len(up.Header) == 0 {
		return domain.StagingBatch{}, fmt.Errorf("submit upload: header is required")
	}
	if up.UploadRef == "" {
		return domain.StagingBatch{}, fmt.Errorf("submit upload: upload reference is required")
	}

	rows := make([][]domain.RawCell, 0, len(up.Rows))
	for _, raw := range up.Rows {
		row := make([]domain.RawCell, len(up.Header))
		for i, column := range up.Header {
			value := ""
			if i < len(raw) {
				value = raw[i]
			}
			row[i] = domain.RawCell{Column: column, Value: value}
		}
		rows = append(rows, row)
	}

	if err := s.archive(ctx, up); err != nil {
		// Archival is best-effort: losing the audit copy must not lose
		// the batch.
		s.logger.Warn("upload archival failed",
			"organization_id", up.OrganizationID, "upload_ref", up.UploadRef, "error", err)
	}

	batch, err := s.pipeline.Submit(ctx, up.OrganizationID, up.UploadRef, up.TemplateName, rows)
	if err != nil {
		return domain.StagingBatch{}, err
	}
	s.logger.Info("upload staged",
		"batch_id", batch.ID, "organization_id", batch.OrganizationID,
		"upload_ref", batch.UploadRef, "records", batch.RecordCount)
	return batch, nil
}

// archive stores the original payload as JSON under
// uploads/<organization>/<uploadRef>.json.
func (s *Service) archive(ctx context.Context, up Upload) error {
	if s.blobs == nil {
		return nil
	}
	payload, err := json.Marshal(up)
	if err != nil {
		return fmt.Errorf("encode upload: %w", err)
	}
	key := ArchiveKey(up.OrganizationID, up.UploadRef)
	_, err = s.blobs.Put(ctx, key, bytes.NewReader(payload), blobcore.PutOptions{
		ContentType: "application/json",
		Metadata: map[string]string{
			"organization_id": up.OrganizationID,
			"upload_ref":      up.UploadRef,
		},
	})
	if err != nil {
		return fmt.Errorf("archive upload %s: %w", key, err)
	}
	return nil
}

// ArchiveKey builds the blob key an upload is archived under.
func ArchiveKey(organizationID, uploadRef string) string {
	return path.Join("uploads", organizationID, uploadRef+".json")
}

// ArchivedUpload retrieves the archived payload for an upload reference.
func (s *Service) ArchivedUpload(ctx context.Context, organizationID, uploadRef string) (Upload, error) {
	if s.blobs == nil {
		return Upload{}, fmt.Errorf("archived upload: no blob store configured")
	}
	_, rc, err := s.blobs.Get(ctx, ArchiveKey(organizationID, uploadRef))
	if err != nil {
		return Upload{}, fmt.Errorf("archived upload %s/%s: %w", organizationID, uploadRef, err)
	}
	defer rc.Close()
	var up Upload
	if err := json.NewDecoder(rc).Decode(&up); err != nil {
		return Upload{}, fmt.Errorf("decode archived upload %s/%s: %w", organizationID, uploadRef, err)
	}
	return up, nil
}

// Process runs the staged batch through the pipeline.
func (s *Service) Process(ctx context.Context, batchID string) error {
	return s.pipeline.ProcessBatch(ctx, batchID)
}

// Retry re-runs a failed batch.
func (s *Service) Retry(ctx context.Context, batchID string) error {
	return s.pipeline.RetryBatch(ctx, batchID)
}

// Report aggregates the batch's outcomes.
func (s *Service) Report(ctx context.Context, batchID string) (domain.BatchReport, error) {
	return s.pipeline.Report(ctx, batchID)
}

// Batch returns one staging batch.
func (s *Service) Batch(ctx context.Context, batchID string) (domain.StagingBatch, error) {
	return s.store.GetBatch(ctx, batchID)
}

// Batches lists an organization's staging batches.
func (s *Service) Batches(ctx context.Context, organizationID string) ([]domain.StagingBatch, error) {
	return s.store.ListBatches(ctx, organizationID)
}

// Records lists a batch's staging records.
func (s *Service) Records(ctx context.Context, batchID string) ([]domain.StagingRecord, error) {
	return s.store.ListRecords(ctx, batchID)
}

// SaveTemplate validates and persists a mapping template.
func (s *Service) SaveTemplate(ctx context.Context, template domain.MappingTemplate) error {
	if template.OrganizationID == "" || strings.TrimSpace(template.Name) == "" {
		return fmt.Errorf("save template: organization id and name are required")
	}
	if len(template.Columns) == 0 {
		return fmt.Errorf("save template %s: no column mappings", template.Name)
	}
	known := make(map[domain.CanonicalField]struct{})
	for _, field := range domain.CanonicalFields() {
		known[field] = struct{}{}
	}
	for column, field := range template.Columns {
		if strings.TrimSpace(column) == "" {
			return fmt.Errorf("save template %s: empty source column", template.Name)
		}
		if _, ok := known[field]; !ok {
			return fmt.Errorf("save template %s: unknown canonical field %q", template.Name, field)
		}
	}
	if template.CreatedAt.IsZero() {
		template.CreatedAt = s.now().UTC()
	}
	return s.store.SaveTemplate(ctx, template)
}

// SaveTemplateFromBatch derives a template from the mapping a batch actually
// used and persists it under the given name for reuse by later uploads.
func (s *Service) SaveTemplateFromBatch(ctx context.Context, batchID, name string) (domain.MappingTemplate, error) {
	template, err := s.pipeline.DeriveTemplate(ctx, batchID, name)
	if err != nil {
		return domain.MappingTemplate{}, err
	}
	if err := s.SaveTemplate(ctx, template); err != nil {
		return domain.MappingTemplate{}, err
	}
	return template, nil
}

// Template returns a saved mapping template.
func (s *Service) Template(ctx context.Context, organizationID, name string) (domain.MappingTemplate, error) {
	return s.store.GetTemplate(ctx, organizationID, name)
}

// Conflicts exposes the conflict queue surface. Resolutions made through it
// commit their record through the same engine as the pipeline.
func (s *Service) Conflicts() *conflict.Service {
	return s.pipeline.Conflicts()
}
