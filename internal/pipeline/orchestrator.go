// Package pipeline drives staging batches through the ingestion state
// machine: mapping, validation, entity resolution, quality scoring, and
// commit. Batches for the same organization run one at a time; records
// within a batch fan out over a bounded worker pool. Record-level failures
// stay at the record; only infrastructure failures fail the batch.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"procurecore/internal/conflict"
	"procurecore/internal/pipeline/commit"
	"procurecore/internal/pipeline/mapper"
	"procurecore/internal/pipeline/quality"
	"procurecore/internal/pipeline/resolve"
	"procurecore/internal/pipeline/validate"
	"procurecore/pkg/domain"
)

// Default tuning for batch processing.
const (
	DefaultWorkers       = 4
	DefaultRecordTimeout = 30 * time.Second

	// pipelineActor is recorded as ResolvedBy on decisions the pipeline
	// finalizes without human involvement.
	pipelineActor = "pipeline"
)

// Stage labels used for metrics and batch failure reporting.
const (
	StageMapping    = "mapping"
	StageResolution = "resolution"
	StageScoring    = "scoring"
	StageCommit     = "commit"
)

// MetricsRecorder receives per-stage outcome observations. Implementations
// must be safe for concurrent use.
type MetricsRecorder interface {
	Observe(ctx context.Context, operation string, success bool, duration time.Duration)
}

// Config carries the orchestrator tunables. Zero values fall back to the
// package defaults.
type Config struct {
	Workers         int
	RecordTimeout   time.Duration
	AutoThreshold   float64
	ReviewThreshold float64
	MappingFloor    float64
	Weights         quality.Weights
	RecencyWindow   time.Duration
	OuterBound      time.Duration
}

// Orchestrator owns one pipeline over one store. It is safe for concurrent
// use; batches for the same organization serialize on a per-organization
// lock.
type Orchestrator struct {
	store     domain.Store
	mapper    *mapper.Mapper
	validator *validate.Validator
	scorer    *quality.Scorer
	engine    *commit.Engine
	conflicts *conflict.Service
	metrics   MetricsRecorder
	logger    *slog.Logger
	cfg       Config

	now   func() time.Time
	newID func() string

	mu       sync.Mutex
	orgLocks map[string]*sync.Mutex
}

// Option customizes orchestrator construction.
type Option func(*Orchestrator)

// WithLogger installs a structured logger. The default discards output.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetricsRecorder installs a metrics sink for stage observations.
func WithMetricsRecorder(metrics MetricsRecorder) Option {
	return func(o *Orchestrator) { o.metrics = metrics }
}

// WithConflictService overrides the default conflict queue wiring.
func WithConflictService(svc *conflict.Service) Option {
	return func(o *Orchestrator) {
		if svc != nil {
			o.conflicts = svc
		}
	}
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// WithIDGenerator overrides the identifier source for tests.
func WithIDGenerator(newID func() string) Option {
	return func(o *Orchestrator) {
		if newID != nil {
			o.newID = newID
		}
	}
}

// New constructs an orchestrator over the given store.
func New(store domain.Store, cfg Config, opts ...Option) *Orchestrator {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.RecordTimeout <= 0 {
		cfg.RecordTimeout = DefaultRecordTimeout
	}
	engine := commit.NewEngine(store)
	o := &Orchestrator{
		store:     store,
		mapper:    mapper.New(nil, cfg.MappingFloor),
		validator: validate.New(nil),
		scorer:    quality.NewScorer(cfg.Weights, cfg.RecencyWindow, cfg.OuterBound),
		engine:    engine,
		conflicts: conflict.NewService(store, engine),
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		cfg:       cfg,
		now:       time.Now,
		newID:     uuid.NewString,
		orgLocks:  make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(o)
	}
	engine.Now = o.now
	engine.NewID = o.newID
	return o
}

// Conflicts returns the conflict queue surface wired to this pipeline. A
// human resolution through it commits the record via the same engine.
func (o *Orchestrator) Conflicts() *conflict.Service { return o.conflicts }

// Submit stages a new batch: it creates the batch record and one staging
// record per raw row, all in pending status. Processing is a separate call so
// callers control when pipeline work starts.
func (o *Orchestrator) Submit(ctx context.Context, organizationID, uploadRef, templateName string, rows [][]domain.RawCell) (domain.StagingBatch, error) {
	if organizationID == "" {
		return domain.StagingBatch{}, fmt.Errorf("submit batch: organization id is required")
	}
	if len(rows) == 0 {
		return domain.StagingBatch{}, fmt.Errorf("submit batch: no rows")
	}
	now := o.now().UTC()
	batch := domain.StagingBatch{
		ID:             o.newID(),
		UploadRef:      uploadRef,
		OrganizationID: organizationID,
		TemplateName:   templateName,
		Status:         domain.BatchPending,
		RecordCount:    len(rows),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	created, err := o.store.CreateBatch(ctx, batch)
	if err != nil {
		return domain.StagingBatch{}, fmt.Errorf("submit batch: %w", err)
	}
	records := make([]domain.StagingRecord, 0, len(rows))
	for i, row := range rows {
		records = append(records, domain.StagingRecord{
			ID:             o.newID(),
			BatchID:        created.ID,
			OrganizationID: organizationID,
			LineNumber:     i + 1,
			RawFields:      row,
			Status:         domain.RecordPending,
			UpdatedAt:      now,
		})
	}
	if err := o.store.InsertRecords(ctx, records); err != nil {
		return domain.StagingBatch{}, fmt.Errorf("submit batch %s: insert records: %w", created.ID, err)
	}
	return created, nil
}

// ProcessBatch runs a pending batch through the full pipeline. Record-level
// failures are contained at the record; the returned error is non-nil only
// for infrastructure failures (wrapped in BatchFailure) or cancellation.
func (o *Orchestrator) ProcessBatch(ctx context.Context, batchID string) error {
	batch, err := o.store.GetBatch(ctx, batchID)
	if err != nil {
		return fmt.Errorf("process batch %s: %w", batchID, err)
	}
	if batch.Status != domain.BatchPending {
		return fmt.Errorf("process batch %s: status is %s, want %s", batchID, batch.Status, domain.BatchPending)
	}

	unlock := o.lockOrganization(batch.OrganizationID)
	defer unlock()

	if _, err := o.store.UpdateBatchStatus(ctx, batch.ID, domain.BatchMapping, ""); err != nil {
		return fmt.Errorf("process batch %s: %w", batchID, err)
	}
	return o.run(ctx, batch, false)
}

// RetryBatch re-runs a failed batch, or a completed batch that still has
// errored records, from the resolution stage. Errored records with a
// finalized decision re-enter as resolved; the rest restart from pending and
// are re-mapped.
func (o *Orchestrator) RetryBatch(ctx context.Context, batchID string) error {
	batch, err := o.store.GetBatch(ctx, batchID)
	if err != nil {
		return fmt.Errorf("retry batch %s: %w", batchID, err)
	}
	if batch.Status != domain.BatchFailed && batch.Status != domain.BatchCompleted {
		return fmt.Errorf("retry batch %s: status is %s, want %s or %s",
			batchID, batch.Status, domain.BatchFailed, domain.BatchCompleted)
	}

	unlock := o.lockOrganization(batch.OrganizationID)
	defer unlock()

	records, err := o.store.ListRecords(ctx, batch.ID)
	if err != nil {
		return fmt.Errorf("retry batch %s: %w", batchID, err)
	}
	if batch.Status == domain.BatchCompleted {
		errored := 0
		for _, rec := range records {
			if rec.Status == domain.RecordErrored {
				errored++
			}
		}
		if errored == 0 {
			return fmt.Errorf("retry batch %s: batch is %s with no errored records", batchID, batch.Status)
		}
	}

	if _, err := o.store.UpdateBatchStatus(ctx, batch.ID, domain.BatchResolving, ""); err != nil {
		return fmt.Errorf("retry batch %s: %w", batchID, err)
	}
	for _, rec := range records {
		if rec.Status != domain.RecordErrored {
			continue
		}
		status := domain.RecordPending
		if decision, derr := o.store.GetDecision(ctx, rec.ID); derr == nil && !decision.Pending() {
			status = domain.RecordResolved
		}
		if _, err := o.store.UpdateRecord(ctx, rec.ID, func(r *domain.StagingRecord) error {
			r.Status = status
			r.ErrorReason = ""
			r.UpdatedAt = o.now().UTC()
			return nil
		}); err != nil {
			return o.failBatch(ctx, batch, StageResolution, err)
		}
	}
	return o.run(ctx, batch, true)
}

// run executes the stages from mapping onward. A retry pass is already in
// resolving; a fresh pass enters resolving after mapping. Cancellation
// between records fails the batch in place so RetryBatch can resume it.
func (o *Orchestrator) run(ctx context.Context, batch domain.StagingBatch, retry bool) error {
	violations, err := o.mapStage(ctx, batch)
	if err != nil {
		return o.interrupted(ctx, batch, StageMapping, err)
	}

	if !retry {
		if _, err := o.store.UpdateBatchStatus(ctx, batch.ID, domain.BatchResolving, ""); err != nil {
			return fmt.Errorf("batch %s: %w", batch.ID, err)
		}
	}

	snapshot, err := resolve.BuildSnapshot(ctx, o.store, batch.OrganizationID)
	if err != nil {
		return o.failBatch(ctx, batch, StageResolution, fmt.Errorf("load catalog snapshot: %w", err))
	}
	resolver := resolve.NewResolver(snapshot, o.cfg.AutoThreshold, o.cfg.ReviewThreshold)

	if err := o.resolveStage(ctx, batch, resolver); err != nil {
		return o.interrupted(ctx, batch, StageResolution, err)
	}
	if err := o.scoreStage(ctx, batch, violations); err != nil {
		return o.interrupted(ctx, batch, StageScoring, err)
	}

	if _, err := o.store.UpdateBatchStatus(ctx, batch.ID, domain.BatchCommitting, ""); err != nil {
		return fmt.Errorf("batch %s: %w", batch.ID, err)
	}
	if err := o.commitStage(ctx, batch); err != nil {
		return o.interrupted(ctx, batch, StageCommit, err)
	}

	if _, err := o.store.UpdateBatchStatus(ctx, batch.ID, domain.BatchCompleted, ""); err != nil {
		return fmt.Errorf("batch %s: %w", batch.ID, err)
	}
	o.logger.Info("batch completed", "batch_id", batch.ID, "organization_id", batch.OrganizationID)
	return nil
}

// mapStage maps and validates every pending record. Hard validation failures
// flip the record to invalid; the returned map carries all violations (hard
// and flag) per record for the scoring stage.
func (o *Orchestrator) mapStage(ctx context.Context, batch domain.StagingBatch) (map[string][]domain.Violation, error) {
	started := o.now()
	var template *domain.MappingTemplate
	if batch.TemplateName != "" {
		tpl, err := o.store.GetTemplate(ctx, batch.OrganizationID, batch.TemplateName)
		if err != nil {
			o.observe(ctx, StageMapping, false, started)
			return nil, o.failBatch(ctx, batch, StageMapping,
				fmt.Errorf("load mapping template %q: %w", batch.TemplateName, err))
		}
		template = &tpl
	}

	records, err := o.store.ListRecords(ctx, batch.ID)
	if err != nil {
		o.observe(ctx, StageMapping, false, started)
		return nil, o.failBatch(ctx, batch, StageMapping, err)
	}

	violations := make(map[string][]domain.Violation, len(records))
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if rec.Status != domain.RecordPending {
			continue
		}
		fields := o.mapper.Map(rec.RawFields, template)
		result, err := o.validator.Validate(ctx, fields)
		if err != nil {
			o.observe(ctx, StageMapping, false, started)
			return nil, o.failBatch(ctx, batch, StageMapping, fmt.Errorf("validate record %s: %w", rec.ID, err))
		}
		violations[rec.ID] = result.Violations

		status := domain.RecordPending
		if result.HasHard() {
			status = domain.RecordInvalid
		}
		if _, err := o.store.UpdateRecord(ctx, rec.ID, func(r *domain.StagingRecord) error {
			r.NormalizedFields = fields
			r.ValidationErrors = result.FieldErrors()
			r.Status = status
			r.UpdatedAt = o.now().UTC()
			return nil
		}); err != nil {
			o.observe(ctx, StageMapping, false, started)
			return nil, o.failBatch(ctx, batch, StageMapping, fmt.Errorf("update record %s: %w", rec.ID, err))
		}
	}
	o.observe(ctx, StageMapping, true, started)
	return violations, nil
}

// DeriveTemplate builds a reusable mapping template from the column
// assignment a batch was processed with: the saved template when the batch
// named one, otherwise the pattern assignment over the batch's own header.
// The template is returned unsaved; callers persist it under their own name.
func (o *Orchestrator) DeriveTemplate(ctx context.Context, batchID, name string) (domain.MappingTemplate, error) {
	batch, err := o.store.GetBatch(ctx, batchID)
	if err != nil {
		return domain.MappingTemplate{}, err
	}
	if batch.TemplateName != "" {
		tpl, err := o.store.GetTemplate(ctx, batch.OrganizationID, batch.TemplateName)
		if err != nil {
			return domain.MappingTemplate{}, fmt.Errorf("load mapping template %q: %w", batch.TemplateName, err)
		}
		tpl.Name = name
		tpl.CreatedAt = o.now().UTC()
		return tpl, nil
	}

	records, err := o.store.ListRecords(ctx, batchID)
	if err != nil {
		return domain.MappingTemplate{}, err
	}
	if len(records) == 0 {
		return domain.MappingTemplate{}, fmt.Errorf("batch %s has no records to derive a template from", batchID)
	}
	columns := make([]string, 0, len(records[0].RawFields))
	for _, cell := range records[0].RawFields {
		columns = append(columns, cell.Column)
	}
	assignment := o.mapper.Assign(columns)
	if len(assignment) == 0 {
		return domain.MappingTemplate{}, fmt.Errorf("batch %s: no columns mapped above the pattern floor", batchID)
	}
	return domain.MappingTemplate{
		OrganizationID: batch.OrganizationID,
		Name:           name,
		Columns:        assignment,
		CreatedAt:      o.now().UTC(),
	}, nil
}

// resolveStage classifies every mapped record's references over the worker
// pool. Ambiguous records enter the conflict queue as needs-review; the rest
// receive a finalized decision and become resolved. Record errors (including
// per-record timeouts) flip the record to errored.
func (o *Orchestrator) resolveStage(ctx context.Context, batch domain.StagingBatch, resolver *resolve.Resolver) error {
	started := o.now()
	records, err := o.store.ListRecords(ctx, batch.ID)
	if err != nil {
		o.observe(ctx, StageResolution, false, started)
		return o.failBatch(ctx, batch, StageResolution, err)
	}
	var pending []domain.StagingRecord
	for _, rec := range records {
		if rec.Status == domain.RecordPending {
			pending = append(pending, rec)
		}
	}

	err = o.runPool(ctx, pending, func(ctx context.Context, rec domain.StagingRecord) {
		recCtx, cancel := context.WithTimeout(ctx, o.cfg.RecordTimeout)
		defer cancel()
		if err := o.resolveRecord(recCtx, batch, resolver, rec); err != nil {
			o.recordErrored(ctx, rec.ID, err)
		}
	})
	o.observe(ctx, StageResolution, err == nil, started)
	return err
}

func (o *Orchestrator) resolveRecord(ctx context.Context, batch domain.StagingBatch, resolver *resolve.Resolver, rec domain.StagingRecord) error {
	refs := resolve.ReferencesOf(rec.NormalizedFields)
	if len(refs) < 2 {
		return fmt.Errorf("record %s: expected supplier and material references, got %d", rec.ID, len(refs))
	}

	references := make(map[domain.EntryType]domain.ReferenceResolution, len(refs))
	var conflictRefs []domain.ConflictReference
	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return err
		}
		outcome, err := resolver.Resolve(ref)
		if err != nil {
			return err
		}
		references[ref.Type] = outcome.Resolution
		if outcome.NeedsReview() {
			conflictRefs = append(conflictRefs, domain.ConflictReference{
				Type:          ref.Type,
				Input:         ref.Name,
				NormalizedKey: outcome.Resolution.ProposedKey,
				Candidates:    outcome.Candidates,
			})
		}
	}

	now := o.now().UTC()
	if len(conflictRefs) > 0 {
		entry := domain.ConflictEntry{
			RecordID:       rec.ID,
			BatchID:        batch.ID,
			OrganizationID: batch.OrganizationID,
			References:     conflictRefs,
			Status:         domain.ConflictOpen,
			CreatedAt:      now,
		}
		placeholder := domain.MatchDecision{RecordID: rec.ID, References: references}
		if err := o.conflicts.Enqueue(ctx, entry, placeholder); err != nil {
			return fmt.Errorf("enqueue conflict for record %s: %w", rec.ID, err)
		}
		_, err := o.store.UpdateRecord(ctx, rec.ID, func(r *domain.StagingRecord) error {
			r.Status = domain.RecordNeedsReview
			r.UpdatedAt = now
			return nil
		})
		return err
	}

	decision := domain.MatchDecision{
		RecordID:   rec.ID,
		References: references,
		ResolvedBy: pipelineActor,
		ResolvedAt: now,
	}
	if err := o.store.PutDecision(ctx, decision); err != nil {
		return fmt.Errorf("store decision for record %s: %w", rec.ID, err)
	}
	_, err := o.store.UpdateRecord(ctx, rec.ID, func(r *domain.StagingRecord) error {
		r.Status = domain.RecordResolved
		r.UpdatedAt = now
		return nil
	})
	return err
}

// scoreStage computes and persists a quality score for every record in the
// batch regardless of its pipeline path. Scoring never changes a record's
// status.
func (o *Orchestrator) scoreStage(ctx context.Context, batch domain.StagingBatch, violations map[string][]domain.Violation) error {
	started := o.now()
	records, err := o.store.ListRecords(ctx, batch.ID)
	if err != nil {
		o.observe(ctx, StageScoring, false, started)
		return o.failBatch(ctx, batch, StageScoring, err)
	}

	// Batch-local duplicate groups count against uniqueness alongside the
	// already committed facts.
	localDupes := make(map[string]int, len(records))
	keys := make(map[string]string, len(records))
	for _, rec := range records {
		key, ok := duplicateKeyOf(rec)
		if !ok {
			continue
		}
		keys[rec.ID] = key
		localDupes[key]++
	}

	now := o.now().UTC()
	err = o.runPool(ctx, records, func(ctx context.Context, rec domain.StagingRecord) {
		input := quality.RecordInput{
			Fields:     rec.NormalizedFields,
			Violations: violations[rec.ID],
			IngestedAt: batch.CreatedAt,
		}
		if input.IngestedAt.IsZero() {
			input.IngestedAt = now
		}
		if input.Violations == nil {
			// Records not remapped this pass reconstruct their hard
			// violations from the persisted errors.
			for _, fe := range rec.ValidationErrors {
				input.Violations = append(input.Violations, domain.Violation{
					Rule: fe.Rule, Severity: domain.SeverityHard, Field: fe.Field, Message: fe.Message,
				})
			}
		}
		if key, ok := keys[rec.ID]; ok {
			committed, err := o.store.DuplicateFactCount(ctx, batch.OrganizationID, key)
			if err != nil {
				o.recordErrored(ctx, rec.ID, fmt.Errorf("count duplicates: %w", err))
				return
			}
			// A record scored again after its own commit finds its own
			// fact in the committed count; discount it.
			if committed > 0 {
				if _, rerr := o.store.GetCommitResult(ctx, rec.ID); rerr == nil {
					committed--
				} else if !domain.IsNotFound(rerr) {
					o.recordErrored(ctx, rec.ID, fmt.Errorf("check commit result: %w", rerr))
					return
				}
			}
			input.DuplicateCount = committed + localDupes[key] - 1
		}
		if material := rec.NormalizedFields[domain.FieldMaterialName]; material.Raw != "" {
			stats, err := o.store.PriceStats(ctx, batch.OrganizationID, resolve.NormalizeKey(material.Raw))
			if err != nil {
				o.recordErrored(ctx, rec.ID, fmt.Errorf("load price stats: %w", err))
				return
			}
			input.PriceStats = stats
		}

		score := o.scorer.Score(input)
		score.RecordID = rec.ID
		score.ScoredAt = now
		if err := o.store.PutQualityScore(ctx, score); err != nil {
			o.recordErrored(ctx, rec.ID, fmt.Errorf("store quality score: %w", err))
		}
	})
	o.observe(ctx, StageScoring, err == nil, started)
	return err
}

// commitStage commits every resolved record through the commit engine.
// Commit errors are contained at the record.
func (o *Orchestrator) commitStage(ctx context.Context, batch domain.StagingBatch) error {
	started := o.now()
	records, err := o.store.ListRecords(ctx, batch.ID)
	if err != nil {
		o.observe(ctx, StageCommit, false, started)
		return o.failBatch(ctx, batch, StageCommit, err)
	}
	var resolved []domain.StagingRecord
	for _, rec := range records {
		if rec.Status == domain.RecordResolved {
			resolved = append(resolved, rec)
		}
	}

	err = o.runPool(ctx, resolved, func(ctx context.Context, rec domain.StagingRecord) {
		recCtx, cancel := context.WithTimeout(ctx, o.cfg.RecordTimeout)
		defer cancel()
		decision, err := o.store.GetDecision(recCtx, rec.ID)
		if err != nil {
			o.recordErrored(ctx, rec.ID, fmt.Errorf("load decision: %w", err))
			return
		}
		if _, err := o.engine.Commit(recCtx, rec, decision); err != nil {
			o.recordErrored(ctx, rec.ID, err)
			return
		}
		o.logger.Debug("record committed", "record_id", rec.ID, "batch_id", rec.BatchID)
	})
	o.observe(ctx, StageCommit, err == nil, started)
	return err
}

// Report aggregates the batch's record outcomes and quality scores.
func (o *Orchestrator) Report(ctx context.Context, batchID string) (domain.BatchReport, error) {
	batch, err := o.store.GetBatch(ctx, batchID)
	if err != nil {
		return domain.BatchReport{}, fmt.Errorf("report batch %s: %w", batchID, err)
	}
	records, err := o.store.ListRecords(ctx, batchID)
	if err != nil {
		return domain.BatchReport{}, fmt.Errorf("report batch %s: %w", batchID, err)
	}

	report := domain.BatchReport{
		BatchID:      batch.ID,
		Status:       batch.Status,
		StatusCounts: make(map[domain.RecordStatus]int),
	}
	var scores []domain.QualityScore
	for _, rec := range records {
		report.StatusCounts[rec.Status]++
		if score, err := o.store.GetQualityScore(ctx, rec.ID); err == nil {
			scores = append(scores, score)
		} else if !domain.IsNotFound(err) {
			return domain.BatchReport{}, fmt.Errorf("report batch %s: %w", batchID, err)
		}
		if result, err := o.store.GetCommitResult(ctx, rec.ID); err == nil {
			report.CreatedEntities += len(result.CreatedEntityIDs)
			report.MatchedEntities += len(result.MatchedEntityIDs)
		} else if !domain.IsNotFound(err) {
			return domain.BatchReport{}, fmt.Errorf("report batch %s: %w", batchID, err)
		}
		if entry, err := o.store.GetConflict(ctx, rec.ID); err == nil {
			if entry.Status == domain.ConflictOpen {
				report.OpenConflicts++
			}
		} else if !domain.IsNotFound(err) {
			return domain.BatchReport{}, fmt.Errorf("report batch %s: %w", batchID, err)
		}
	}
	summary := quality.Summarize(scores)
	report.GradeCounts = summary.GradeCounts
	report.MeanComposite = summary.MeanComposite
	return report, nil
}

// runPool fans records out over the configured worker count. Cancellation is
// honored between records: in-flight work finishes, queued work is dropped,
// and the context error is returned.
func (o *Orchestrator) runPool(ctx context.Context, records []domain.StagingRecord, fn func(context.Context, domain.StagingRecord)) error {
	if len(records) == 0 {
		return ctx.Err()
	}
	workers := o.cfg.Workers
	if workers > len(records) {
		workers = len(records)
	}
	jobs := make(chan domain.StagingRecord)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for rec := range jobs {
				fn(ctx, rec)
			}
		}()
	}
	var err error
feed:
	for _, rec := range records {
		select {
		case <-ctx.Done():
			err = ctx.Err()
			break feed
		case jobs <- rec:
		}
	}
	close(jobs)
	wg.Wait()
	return err
}

// recordErrored flips a record to errored with the failure reason. The
// parent context is used so a timed-out record can still be marked.
func (o *Orchestrator) recordErrored(ctx context.Context, recordID string, cause error) {
	o.logger.Warn("record errored", "record_id", recordID, "error", cause)
	if _, err := o.store.UpdateRecord(ctx, recordID, func(r *domain.StagingRecord) error {
		r.Status = domain.RecordErrored
		r.ErrorReason = cause.Error()
		r.UpdatedAt = o.now().UTC()
		return nil
	}); err != nil {
		o.logger.Error("mark record errored", "record_id", recordID, "error", err)
	}
}

// interrupted converts a cancellation surfacing from a stage into a failed
// batch so the retry path can resume it. Stage errors that already failed the
// batch pass through unchanged. The status write uses a detached context
// because the triggering context is the one that was cancelled.
func (o *Orchestrator) interrupted(ctx context.Context, batch domain.StagingBatch, stage string, err error) error {
	var failure domain.BatchFailure
	if errors.As(err, &failure) {
		return err
	}
	if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return o.failBatch(context.WithoutCancel(ctx), batch, stage, err)
}

// failBatch marks the batch failed and wraps the cause in a BatchFailure.
func (o *Orchestrator) failBatch(ctx context.Context, batch domain.StagingBatch, stage string, cause error) error {
	o.logger.Error("batch failed", "batch_id", batch.ID, "stage", stage, "error", cause)
	if _, err := o.store.UpdateBatchStatus(ctx, batch.ID, domain.BatchFailed, cause.Error()); err != nil {
		o.logger.Error("mark batch failed", "batch_id", batch.ID, "error", err)
	}
	return domain.BatchFailure{BatchID: batch.ID, Stage: stage, Err: cause}
}

func (o *Orchestrator) lockOrganization(organizationID string) func() {
	o.mu.Lock()
	lock, ok := o.orgLocks[organizationID]
	if !ok {
		lock = &sync.Mutex{}
		o.orgLocks[organizationID] = lock
	}
	o.mu.Unlock()
	lock.Lock()
	return lock.Unlock
}

func (o *Orchestrator) observe(ctx context.Context, stage string, success bool, started time.Time) {
	if o.metrics == nil {
		return
	}
	o.metrics.Observe(ctx, stage, success, o.now().Sub(started))
}

// duplicateKeyOf derives the near-duplicate identity from the record's own
// normalized fields, so needs-review and invalid records still participate in
// uniqueness scoring before any catalog entity exists for them.
func duplicateKeyOf(rec domain.StagingRecord) (string, bool) {
	supplier := resolve.NormalizeKey(rec.NormalizedFields[domain.FieldSupplierName].Raw)
	material := resolve.NormalizeKey(rec.NormalizedFields[domain.FieldMaterialName].Raw)
	if supplier == "" || material == "" {
		return "", false
	}
	date := rec.NormalizedFields[domain.FieldOrderDate]
	if date.Kind != domain.KindDate || date.Date.IsZero() {
		return "", false
	}
	amount, ok := typedAmount(rec)
	if !ok {
		return "", false
	}
	return domain.DuplicateKeyFor(supplier, material, date.Date, amount), true
}

func typedAmount(rec domain.StagingRecord) (float64, bool) {
	if total := rec.NormalizedFields[domain.FieldTotalPrice]; total.Kind == domain.KindNumber && !total.IsEmpty() {
		return total.Num, true
	}
	qty := rec.NormalizedFields[domain.FieldQuantity]
	price := rec.NormalizedFields[domain.FieldUnitPrice]
	if qty.Kind != domain.KindNumber || qty.IsEmpty() || price.Kind != domain.KindNumber || price.IsEmpty() {
		return 0, false
	}
	return qty.Num * price.Num, true
}
