package fhir

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// ProcessorConfig holds the processing options. It is read-only once the
// processor is built.
type ProcessorConfig struct {
	BaseURL                     string
	ConditionalDeleteMaxMatches int
	UpdateCreateEnabled         bool
	TransactionsEnabled         bool
	HistoryMaxEntries           int
	SearchPageSize              int
	// AuditTimeout bounds how long a finished bundle waits for audit delivery.
	AuditTimeout                time.Duration
}

// DefaultProcessorConfig returns the defaults used when nothing is configured.
func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		BaseURL:                     "http://localhost:8000/fhir",
		ConditionalDeleteMaxMatches: 10,
		UpdateCreateEnabled:         true,
		TransactionsEnabled:         true,
		HistoryMaxEntries:           1000,
		SearchPageSize:              50,
		AuditTimeout:                5 * time.Second,
	}
}

func (c ProcessorConfig) withDefaults() ProcessorConfig {
	d := DefaultProcessorConfig()
	if c.ConditionalDeleteMaxMatches <= 0 {
		c.ConditionalDeleteMaxMatches = d.ConditionalDeleteMaxMatches
	}
	if c.HistoryMaxEntries <= 0 {
		c.HistoryMaxEntries = d.HistoryMaxEntries
	}
	if c.SearchPageSize <= 0 {
		c.SearchPageSize = d.SearchPageSize
	}
	if c.AuditTimeout <= 0 {
		c.AuditTimeout = d.AuditTimeout
	}
	return c
}

// BundleState tracks a bundle through processing.
type BundleState int

const (
	StateReceived BundleState = iota
	StateValidated
	StateExecuting
	StateCompleted
	StateAborted
)

func (s BundleState) String() string {
	switch s {
	case StateReceived:
		return "received"
	case StateValidated:
		return "validated"
	case StateExecuting:
		return "executing"
	case StateCompleted:
		return "completed"
	case StateAborted:
		return "aborted"
	}
	return "unknown"
}

// ProcessOptions carries the per-request inputs of a bundle.
type ProcessOptions struct {
	Prefer    PreferDirective
	RequestID string
	Tenant    string
	User      string
}

// Result is the outcome of processing one bundle. A completed bundle has a
// response Bundle; an aborted or rejected one has only an Outcome.
type Result struct {
	State   BundleState
	Status  int
	Bundle  *Bundle
	Outcome *OperationOutcome
}

// ProcessorDeps are the collaborators a Processor drives. Validator,
// Operations, UnitOfWork and Audit are optional.
type ProcessorDeps struct {
	Store      Persistence
	Searcher   Searcher
	UnitOfWork UnitOfWork
	Validator  Validator
	Operations *OperationRegistry
	Audit      AuditSink
	Logger     zerolog.Logger
}

// Processor runs batch and transaction bundles.
type Processor struct {
	cfg        ProcessorConfig
	translator *Translator
	executor   *Executor
	condRefs   *ConditionalRefs
	uow        UnitOfWork
	audit      AuditSink
	logger     zerolog.Logger
	now        func() time.Time
}

// NewProcessor wires a Processor from its configuration and collaborators.
func NewProcessor(cfg ProcessorConfig, deps ProcessorDeps) *Processor {
	cfg = cfg.withDefaults()
	return &Processor{
		cfg:        cfg,
		translator: NewTranslator(cfg.BaseURL),
		executor:   NewExecutor(deps.Store, deps.Searcher, deps.Validator, deps.Operations, cfg),
		condRefs:   NewConditionalRefs(deps.Searcher),
		uow:        deps.UnitOfWork,
		audit:      deps.Audit,
		logger:     deps.Logger.With().Str("component", "bundle-processor").Logger(),
		now:        time.Now,
	}
}

// Config returns the processor's effective configuration.
func (p *Processor) Config() ProcessorConfig {
	return p.cfg
}

func rejected(status int, code, diagnostics string) *Result {
	return &Result{
		State:   StateAborted,
		Status:  status,
		Outcome: ErrorOutcome(code, diagnostics),
	}
}

// Process runs every entry of a batch or transaction bundle in order.
func (p *Processor) Process(ctx context.Context, b *Bundle, opts ProcessOptions) *Result {
	start := p.now()
	log := p.logger.With().Str("request_id", opts.RequestID).Str("tenant", opts.Tenant).Logger()

	if b == nil || len(b.Entry) == 0 {
		return rejected(http.StatusBadRequest, IssueTypeRequired, "Bundle must contain at least one entry")
	}
	switch b.Type {
	case BundleTypeBatch, BundleTypeTransaction:
	default:
		return rejected(http.StatusBadRequest, IssueTypeBusinessRule,
			"Bundle.type must be either 'batch' or 'transaction'")
	}
	if b.Type == BundleTypeTransaction && (!p.cfg.TransactionsEnabled || p.uow == nil) {
		return rejected(http.StatusBadRequest, IssueTypeNotSupported,
			"Transaction bundles are not supported by this server")
	}

	var res *Result
	if b.Type == BundleTypeBatch {
		res = p.processBatch(ctx, b, opts, log)
	} else {
		res = p.processTransaction(ctx, b, opts, log)
	}

	log.Info().
		Str("bundle_type", b.Type).
		Int("entries", len(b.Entry)).
		Str("state", res.State.String()).
		Int("status", res.Status).
		Dur("elapsed", p.now().Sub(start)).
		Msg("bundle processed")
	return res
}

func (p *Processor) processBatch(ctx context.Context, b *Bundle, opts ProcessOptions, log zerolog.Logger) *Result {
	run := p.runEntries(ctx, b, opts, false, log)
	if run.cancelled != nil {
		return p.cancelledResult(run.cancelled)
	}

	p.emitAudit(ctx, b, run.records, log)
	return &Result{
		State:  StateCompleted,
		Status: http.StatusOK,
		Bundle: Assemble(b.Type, run.outcomes, opts.Prefer.Return, p.cfg.BaseURL, p.now()),
	}
}

func (p *Processor) processTransaction(ctx context.Context, b *Bundle, opts ProcessOptions, log zerolog.Logger) *Result {
	var run entryRun
	err := p.uow.InTransaction(ctx, func(txCtx context.Context) error {
		run = p.runEntries(txCtx, b, opts, true, log)
		if run.cancelled != nil {
			return run.cancelled
		}
		if run.failed != nil {
			return run.failed
		}
		return nil
	})

	switch {
	case run.cancelled != nil:
		return p.cancelledResult(run.cancelled)
	case run.failed != nil:
		p.emitAudit(ctx, b, run.records[len(run.records)-1:], log)
		return p.abortedResult(run)
	case errors.Is(err, ErrTransactionsUnsupported):
		return rejected(http.StatusBadRequest, IssueTypeNotSupported,
			"Transaction bundles are not supported by the configured store")
	case err != nil:
		log.Error().Err(err).Msg("transaction commit failed")
		return rejected(http.StatusInternalServerError, IssueTypeException,
			"The transaction could not be committed; no changes were applied")
	}

	p.emitAudit(ctx, b, run.records, log)
	return &Result{
		State:  StateCompleted,
		Status: http.StatusOK,
		Bundle: Assemble(b.Type, run.outcomes, opts.Prefer.Return, p.cfg.BaseURL, p.now()),
	}
}

// abortedResult reports a failed transaction as a single OperationOutcome.
// Client errors are always surfaced as 400; the entry's own status is kept
// in an extra informational issue.
func (p *Processor) abortedResult(run entryRun) *Result {
	status := http.StatusBadRequest
	if run.failed.Status >= 500 {
		status = run.failed.Status
	}
	loc := entryExpression(run.failedIndex)
	outcome := NewOutcomeBuilder().
		AddIssues(run.failed.Issues...).
		AddIssueWithLocation(IssueSeverityInformation, IssueTypeProcessing,
			fmt.Sprintf("Transaction aborted at %s with status %d; all changes were rolled back.",
				loc, run.failed.Status), loc).
		Build()
	return &Result{State: StateAborted, Status: status, Outcome: outcome}
}

func (p *Processor) cancelledResult(opErr *OperationError) *Result {
	return &Result{State: StateAborted, Status: opErr.Status, Outcome: opErr.Outcome()}
}

type entryRun struct {
	outcomes    []EntryOutcome
	records     []AuditRecord
	failed      *OperationError
	failedIndex int
	cancelled   *OperationError
}

// runEntries processes the entries in declaration order. With stopOnError
// the first failure ends the run. Cancellation of ctx always ends it.
func (p *Processor) runEntries(ctx context.Context, b *Bundle, opts ProcessOptions, stopOnError bool, log zerolog.Logger) entryRun {
	refs := NewLocalRefs(p.cfg.BaseURL)
	run := entryRun{
		outcomes: make([]EntryOutcome, 0, len(b.Entry)),
		records:  make([]AuditRecord, 0, len(b.Entry)),
	}

	for i, entry := range b.Entry {
		if err := ctx.Err(); err != nil {
			run.cancelled = toOperationError(err, "")
			return run
		}

		started := p.now()
		in, res, opErr := p.processEntry(ctx, i, entry, refs, opts)
		elapsed := p.now().Sub(started)

		if opErr != nil && ctx.Err() != nil {
			run.cancelled = toOperationError(ctx.Err(), "")
			return run
		}

		var status int
		if opErr != nil {
			status = opErr.Status
		} else {
			status = res.Status
		}
		log.Debug().
			Int("entry", i).
			Str("request", describeEntry(entry)).
			Str("interaction", in.Kind.String()).
			Int("status", status).
			Dur("elapsed", elapsed).
			Msg("bundle entry processed")

		run.outcomes = append(run.outcomes, EntryOutcome{Interaction: in, Result: res, Err: opErr})
		run.records = append(run.records, p.auditRecord(b, i, entry, in, res, opErr, elapsed, opts))

		if opErr != nil && stopOnError {
			run.failed, run.failedIndex = opErr, i
			return run
		}
	}
	return run
}

// processEntry runs one entry: duplicate fullUrl check, local reference
// substitution, translation, conditional reference resolution, execution and
// finally registration of the entry's fullUrl.
func (p *Processor) processEntry(ctx context.Context, index int, entry BundleEntry, refs *LocalRefs, opts ProcessOptions) (Interaction, *EntryResult, *OperationError) {
	if opErr := refs.Declare(entry.FullURL); opErr != nil {
		return Interaction{}, nil, opErr.AtEntry(index)
	}

	if entry.Request != nil {
		req := *entry.Request
		req.URL = refs.RewriteURL(req.URL)
		entry.Request = &req
	}

	in, opErr := p.translator.Translate(entry)
	if opErr != nil {
		return in, nil, opErr.AtEntry(index)
	}

	refs.Rewrite(in.Resource)
	if opErr := p.condRefs.Resolve(ctx, index, in.Resource); opErr != nil {
		return in, nil, opErr
	}

	res, opErr := p.executor.Execute(ctx, in, opts.Prefer.Handling)
	if opErr != nil {
		return in, nil, opErr.AtEntry(index)
	}

	switch in.Kind {
	case KindCreate, KindConditionalCreate, KindUpdate, KindConditionalUpdate, KindPatch:
		if entry.FullURL != "" && res.ID != "" {
			refs.Register(entry.FullURL, FormatReference(res.ResourceType, res.ID))
		}
	}
	return in, res, nil
}

func (p *Processor) auditRecord(b *Bundle, index int, entry BundleEntry, in Interaction, res *EntryResult, opErr *OperationError, elapsed time.Duration, opts ProcessOptions) AuditRecord {
	rec := AuditRecord{
		Timestamp:    p.now().UTC(),
		RequestID:    opts.RequestID,
		Tenant:       opts.Tenant,
		User:         opts.User,
		BundleID:     b.ID,
		BundleType:   b.Type,
		EntryIndex:   index,
		Interaction:  in.Kind.String(),
		ResourceType: in.ResourceType,
		ResourceID:   in.ID,
		Elapsed:      elapsed,
	}
	if entry.Request != nil {
		rec.Method, rec.URL = entry.Request.Method, entry.Request.URL
	}
	if opErr != nil {
		rec.Status, rec.Outcome = opErr.Status, "failure"
		return rec
	}
	rec.Status, rec.Outcome = res.Status, "success"
	if res.ResourceType != "" {
		rec.ResourceType = res.ResourceType
	}
	if res.ID != "" {
		rec.ResourceID = res.ID
	}
	rec.VersionID = res.VersionID
	return rec
}

// emitAudit hands records to the audit sink once the bundle is finished.
// Delivery runs detached from the request and is bounded by AuditTimeout; the
// bundle waits for it only while the request is still alive. Delivery
// problems are logged and otherwise ignored.
func (p *Processor) emitAudit(ctx context.Context, b *Bundle, records []AuditRecord, log zerolog.Logger) {
	if p.audit == nil || len(records) == 0 {
		return
	}
	deliverCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.AuditTimeout)
	done := make(chan struct{})
	go func() {
		defer cancel()
		defer close(done)
		for _, rec := range records {
			if err := p.audit.Emit(deliverCtx, rec); err != nil {
				log.Warn().Err(err).
					Str("bundle_type", b.Type).
					Int("entry", rec.EntryIndex).
					Msg("audit emission failed")
			}
		}
	}()

	select {
	case <-done:
		return
	default:
	}
	select {
	case <-done:
	case <-ctx.Done():
		log.Warn().Str("bundle_type", b.Type).Msg("request ended before audit delivery finished")
	case <-deliverCtx.Done():
		log.Warn().Str("bundle_type", b.Type).Dur("timeout", p.cfg.AuditTimeout).Msg("audit delivery timed out")
	}
}
