// Package draftdesk pairs an LLM drafting pipeline with a human review
// ledger for customer support. Submitted queries are grounded on company
// policy and previously resolved cases, drafted by a model, and then walked
// through an auditable review lifecycle by a human agent. Nothing reaches a
// customer without a reviewer signing off.
package draftdesk

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/supportloop/draftdesk/drafter"
	"github.com/supportloop/draftdesk/escalate"
	"github.com/supportloop/draftdesk/kb"
	"github.com/supportloop/draftdesk/ledger"
	"github.com/supportloop/draftdesk/llm"
	"github.com/supportloop/draftdesk/retrieval"
	"github.com/supportloop/draftdesk/store"
)

// Engine is the main entry point for the support drafting pipeline.
type Engine interface {
	// SubmitQuery stores a customer query, retrieves grounding knowledge,
	// and opens a drafted review case. On draft generation failure the
	// query stays pending and can be re-drafted with DraftPending.
	SubmitQuery(ctx context.Context, text, submitter string, opts ...SubmitOption) (*Submission, error)

	// DraftPending retries drafting for queries that have no case yet.
	DraftPending(ctx context.Context) ([]Submission, error)

	// WithdrawQuery removes a query that has not been drafted yet.
	WithdrawQuery(ctx context.Context, queryID string) error

	// GetCase returns a case with its query, draft versions, and history.
	GetCase(ctx context.Context, caseID string) (*CaseView, error)

	// ListCases returns cases filtered by status (empty = all), newest first.
	ListCases(ctx context.Context, status string, limit int) ([]store.Case, error)

	// CaseCounts returns the number of cases per status.
	CaseCounts(ctx context.Context) (map[string]int, error)

	// OpenReview moves a drafted case under review.
	OpenReview(ctx context.Context, caseID string, version int, reviewer string) (*store.Case, error)

	// Approve accepts the current draft as-is.
	Approve(ctx context.Context, caseID string, version int, reviewer, note string) (*store.Case, error)

	// Edit replaces the draft text with the reviewer's version. The model
	// draft is retained as an earlier version.
	Edit(ctx context.Context, caseID string, version int, reviewer, text, note string) (*store.Case, error)

	// Reject discards the case without sending anything.
	Reject(ctx context.Context, caseID string, version int, reviewer, note string) (*store.Case, error)

	// Finalize marks an approved or edited case resolved.
	Finalize(ctx context.Context, caseID string, version int, actor string) (*store.Case, error)

	// Escalate hands the case to a human specialist and files an issue with
	// the configured sink. Filing failure leaves the case escalated without
	// an issue reference; FileIssue retries it.
	Escalate(ctx context.Context, caseID string, version int, reviewer, summary string) (*store.Case, error)

	// FileIssue files (or re-files) an escalated case with the sink. A case
	// that already carries an issue reference returns it unchanged.
	FileIssue(ctx context.Context, caseID string) (string, error)

	// ResolveEscalated closes an escalated case once the specialist is done.
	ResolveEscalated(ctx context.Context, caseID string, version int, actor, note string) (*store.Case, error)

	// Rephrase rewrites text to be more polite and professional, meaning
	// unchanged. Reviewers use it to polish a draft before editing.
	Rephrase(ctx context.Context, text string) (string, error)

	// AuditCase re-verifies the case history hash chain.
	AuditCase(ctx context.Context, caseID string) error

	// IngestDocument loads a policy or reference document into the
	// knowledge store. Unchanged files are skipped.
	IngestDocument(ctx context.Context, path, sourceKind string) (int64, int, error)

	// ImportResolvedCases loads historical resolutions from an XLSX workbook.
	ImportResolvedCases(ctx context.Context, path string) (int, error)

	// UpdateDocument re-ingests a document if its content changed.
	UpdateDocument(ctx context.Context, path string) (bool, error)

	// ListDocuments returns all ingested knowledge documents.
	ListDocuments(ctx context.Context) ([]store.Document, error)

	// Store exposes the underlying store for diagnostics.
	Store() *store.Store

	// Close cleanly shuts down the engine.
	Close() error
}

// Submission is the outcome of submitting or re-drafting a query.
type Submission struct {
	Query store.Query `json:"query"`
	Case  *store.Case `json:"case,omitempty"` // nil while drafting has not succeeded
}

// CaseView is the full read model of one case.
type CaseView struct {
	Case         store.Case           `json:"case"`
	Query        store.Query          `json:"query"`
	CurrentDraft *store.Draft         `json:"current_draft,omitempty"`
	Drafts       []store.Draft        `json:"drafts"`
	History      []store.HistoryEntry `json:"history"`
}

// SubmitOption attaches optional metadata to a submitted query.
type SubmitOption func(*store.Query)

// WithCategory tags the query with a support category.
func WithCategory(category string) SubmitOption {
	return func(q *store.Query) { q.Category = category }
}

// WithPriority tags the query with a priority (low, medium, high, critical).
func WithPriority(priority string) SubmitOption {
	return func(q *store.Query) { q.Priority = priority }
}

// Option configures engine construction.
type Option func(*engine)

// WithEscalationSink overrides the issue sink (used by tests and embedders
// that file issues somewhere other than a webhook).
func WithEscalationSink(s escalate.Sink) Option {
	return func(e *engine) { e.sink = s }
}

// WithLogger sets the engine logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(e *engine) { e.log = log }
}

type engine struct {
	cfg       Config
	store     *store.Store
	chatLLM   llm.Provider
	embedLLM  llm.Provider
	retriever *retrieval.Retriever
	drafter   *drafter.Drafter
	ledger    *ledger.Ledger
	ingestor  *kb.Ingestor
	sink      escalate.Sink
	escalator *escalate.Escalator
	log       *slog.Logger
}

// New creates a DraftDesk engine with the given configuration.
func New(cfg Config, opts ...Option) (Engine, error) {
	dbPath := cfg.resolveDBPath()
	if cfg.EmbeddingDim == 0 {
		cfg.EmbeddingDim = 768
	}
	if cfg.RetrieveK <= 0 {
		cfg.RetrieveK = 6
	}

	s, err := store.New(dbPath, cfg.EmbeddingDim)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	chatLLM, err := llm.NewProvider(llm.Config{
		Provider: cfg.Chat.Provider,
		Model:    cfg.Chat.Model,
		BaseURL:  cfg.Chat.BaseURL,
		APIKey:   cfg.Chat.APIKey,
	})
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("creating chat provider: %w", err)
	}

	embedLLM, err := llm.NewProvider(llm.Config{
		Provider: cfg.Embedding.Provider,
		Model:    cfg.Embedding.Model,
		BaseURL:  cfg.Embedding.BaseURL,
		APIKey:   cfg.Embedding.APIKey,
	})
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("creating embedding provider: %w", err)
	}

	e := &engine{
		cfg:      cfg,
		store:    s,
		chatLLM:  chatLLM,
		embedLLM: embedLLM,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.retriever = retrieval.New(s, embedLLM, retrieval.Config{})
	e.drafter = drafter.New(chatLLM, drafter.Config{
		MaxContextChars: cfg.MaxContextChars,
		MaxAttempts:     cfg.DraftAttempts,
	})
	e.ledger = ledger.New(s, e.log)
	e.ingestor = kb.New(s, embedLLM, kb.Config{
		Chunk: kb.ChunkConfig{
			MaxTokens: cfg.MaxChunkTokens,
			Overlap:   cfg.ChunkOverlap,
		},
	}, e.log)

	if e.sink == nil && cfg.Escalation.WebhookURL != "" {
		e.sink = escalate.NewWebhookSink(cfg.Escalation.WebhookURL, cfg.Escalation.Token,
			time.Duration(cfg.Escalation.TimeoutSeconds)*time.Second)
	}
	if e.sink != nil {
		e.escalator = escalate.New(e.sink, e.log,
			escalate.WithMaxAttempts(cfg.Escalation.MaxAttempts))
	}

	return e, nil
}

func (e *engine) Store() *store.Store { return e.store }

func (e *engine) Close() error { return e.store.Close() }

// --- submission and drafting ---

func (e *engine) SubmitQuery(ctx context.Context, text, submitter string, opts ...SubmitOption) (*Submission, error) {
	if text == "" {
		return nil, fmt.Errorf("%w: empty query text", ErrInvalidInput)
	}
	if submitter == "" {
		return nil, fmt.Errorf("%w: missing submitter", ErrInvalidInput)
	}

	q := store.Query{
		ID:          uuid.NewString(),
		Text:        text,
		Submitter:   submitter,
		SubmittedAt: time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(&q)
	}
	if err := e.store.CreateQuery(ctx, q); err != nil {
		return nil, fmt.Errorf("storing query: %w", err)
	}
	e.log.Info("query submitted", "query_id", q.ID, "submitter", submitter)

	c, err := e.draftCase(ctx, q)
	if err != nil {
		// The query is kept so drafting can be retried or the query
		// withdrawn; the caller learns why no case exists yet.
		return &Submission{Query: q}, err
	}
	return &Submission{Query: q, Case: c}, nil
}

// draftCase runs retrieve -> draft -> open case for one pending query.
func (e *engine) draftCase(ctx context.Context, q store.Query) (*store.Case, error) {
	results, err := e.retriever.Retrieve(ctx, q.Text, e.cfg.RetrieveK)
	if err != nil {
		if errors.Is(err, retrieval.ErrUnavailable) && e.cfg.AllowUngrounded {
			e.log.Warn("drafting without grounding", "query_id", q.ID, "reason", err)
			results = nil
		} else {
			return nil, err
		}
	}

	d, err := e.drafter.Draft(ctx, q, results)
	if err != nil {
		return nil, err
	}
	return e.ledger.CreateCase(ctx, q, *d)
}

func (e *engine) DraftPending(ctx context.Context) ([]Submission, error) {
	pending, err := e.store.ListPendingQueries(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("listing pending queries: %w", err)
	}

	out := make([]Submission, 0, len(pending))
	for _, q := range pending {
		c, err := e.draftCase(ctx, q)
		if err != nil {
			e.log.Warn("drafting still failing", "query_id", q.ID, "error", err)
			out = append(out, Submission{Query: q})
			continue
		}
		out = append(out, Submission{Query: q, Case: c})
	}
	return out, nil
}

func (e *engine) WithdrawQuery(ctx context.Context, queryID string) error {
	err := e.store.DeleteQuery(ctx, queryID)
	switch {
	case err == nil:
		e.log.Info("query withdrawn", "query_id", queryID)
		return nil
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("%w: %s", ErrQueryNotFound, queryID)
	case errors.Is(err, store.ErrVersionConflict):
		return fmt.Errorf("%w: query %s already has a drafted case", ErrInvalidTransition, queryID)
	default:
		return fmt.Errorf("withdrawing query %s: %w", queryID, err)
	}
}

// --- read model ---

func (e *engine) GetCase(ctx context.Context, caseID string) (*CaseView, error) {
	c, err := e.store.GetCase(ctx, caseID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrCaseNotFound, caseID)
		}
		return nil, fmt.Errorf("loading case %s: %w", caseID, err)
	}
	q, err := e.store.GetQuery(ctx, caseID)
	if err != nil {
		return nil, fmt.Errorf("loading query for case %s: %w", caseID, err)
	}
	drafts, err := e.store.ListDraftsByCase(ctx, caseID)
	if err != nil {
		return nil, fmt.Errorf("loading drafts for case %s: %w", caseID, err)
	}
	history, err := e.store.GetHistory(ctx, caseID)
	if err != nil {
		return nil, fmt.Errorf("loading history for case %s: %w", caseID, err)
	}

	view := &CaseView{Case: *c, Query: *q, Drafts: drafts, History: history}
	for i := range drafts {
		if drafts[i].ID == c.CurrentDraftID {
			view.CurrentDraft = &drafts[i]
			break
		}
	}
	return view, nil
}

func (e *engine) ListCases(ctx context.Context, status string, limit int) ([]store.Case, error) {
	return e.store.ListCasesByStatus(ctx, status, limit)
}

func (e *engine) CaseCounts(ctx context.Context) (map[string]int, error) {
	return e.store.CountCasesByStatus(ctx)
}

func (e *engine) AuditCase(ctx context.Context, caseID string) error {
	return e.ledger.Audit(ctx, caseID)
}

// --- review commands ---

func (e *engine) OpenReview(ctx context.Context, caseID string, version int, reviewer string) (*store.Case, error) {
	return e.ledger.Apply(ctx, ledger.Command{
		CaseID: caseID, Event: ledger.EventOpenReview,
		ExpectVersion: version, Actor: reviewer,
	})
}

func (e *engine) Approve(ctx context.Context, caseID string, version int, reviewer, note string) (*store.Case, error) {
	return e.ledger.Apply(ctx, ledger.Command{
		CaseID: caseID, Event: ledger.EventApprove,
		ExpectVersion: version, Actor: reviewer, Note: note,
	})
}

func (e *engine) Edit(ctx context.Context, caseID string, version int, reviewer, text, note string) (*store.Case, error) {
	return e.ledger.Apply(ctx, ledger.Command{
		CaseID: caseID, Event: ledger.EventEdit,
		ExpectVersion: version, Actor: reviewer, EditText: text, Note: note,
	})
}

func (e *engine) Reject(ctx context.Context, caseID string, version int, reviewer, note string) (*store.Case, error) {
	return e.ledger.Apply(ctx, ledger.Command{
		CaseID: caseID, Event: ledger.EventReject,
		ExpectVersion: version, Actor: reviewer, Note: note,
	})
}

func (e *engine) Finalize(ctx context.Context, caseID string, version int, actor string) (*store.Case, error) {
	return e.ledger.Apply(ctx, ledger.Command{
		CaseID: caseID, Event: ledger.EventFinalize,
		ExpectVersion: version, Actor: actor,
	})
}

func (e *engine) ResolveEscalated(ctx context.Context, caseID string, version int, actor, note string) (*store.Case, error) {
	return e.ledger.Apply(ctx, ledger.Command{
		CaseID: caseID, Event: ledger.EventCloseIssue,
		ExpectVersion: version, Actor: actor, Note: note,
	})
}

// --- escalation ---

func (e *engine) Escalate(ctx context.Context, caseID string, version int, reviewer, summary string) (*store.Case, error) {
	c, err := e.ledger.Apply(ctx, ledger.Command{
		CaseID: caseID, Event: ledger.EventEscalate,
		ExpectVersion: version, Actor: reviewer, Note: summary,
	})
	if err != nil {
		return nil, err
	}

	if _, err := e.FileIssue(ctx, caseID); err != nil {
		// The escalation itself committed; the case just lacks its issue
		// reference until a FileIssue retry succeeds.
		return c, err
	}
	return e.store.GetCase(ctx, caseID)
}

func (e *engine) FileIssue(ctx context.Context, caseID string) (string, error) {
	c, err := e.store.GetCase(ctx, caseID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("%w: %s", ErrCaseNotFound, caseID)
		}
		return "", fmt.Errorf("loading case %s: %w", caseID, err)
	}
	if c.Status != string(ledger.StatusEscalated) {
		return "", fmt.Errorf("%w: case %s is %s, not escalated", ErrInvalidTransition, caseID, c.Status)
	}
	if c.IssueRef != "" {
		return c.IssueRef, nil
	}
	if e.escalator == nil {
		return "", fmt.Errorf("%w: no escalation sink configured", ErrEscalationFailed)
	}

	q, err := e.store.GetQuery(ctx, caseID)
	if err != nil {
		return "", fmt.Errorf("loading query for case %s: %w", caseID, err)
	}
	ticket := escalate.Ticket{
		CaseID:    caseID,
		QueryText: q.Text,
		Summary:   c.Feedback,
	}
	if ticket.Summary == "" {
		ticket.Summary = q.Text
	}
	if d, err := e.store.GetDraft(ctx, c.CurrentDraftID); err == nil {
		ticket.DraftText = d.Text
		ticket.Citations = d.Citations
	}

	ref, err := e.escalator.File(ctx, ticket)
	if err != nil {
		return "", err
	}

	if _, err := e.ledger.Apply(ctx, ledger.Command{
		CaseID: caseID, Event: ledger.EventAttachIssue,
		ExpectVersion: c.Version, Actor: "system", IssueRef: ref,
	}); err != nil {
		return "", err
	}
	return ref, nil
}

// --- drafting utilities and knowledge ---

func (e *engine) Rephrase(ctx context.Context, text string) (string, error) {
	if text == "" {
		return "", fmt.Errorf("%w: empty text", ErrInvalidInput)
	}
	return e.drafter.Rephrase(ctx, text, 0.3)
}

func (e *engine) IngestDocument(ctx context.Context, path, sourceKind string) (int64, int, error) {
	return e.ingestor.Ingest(ctx, path, sourceKind)
}

func (e *engine) ImportResolvedCases(ctx context.Context, path string) (int, error) {
	return e.ingestor.ImportResolvedCases(ctx, path)
}

func (e *engine) UpdateDocument(ctx context.Context, path string) (bool, error) {
	return e.ingestor.Update(ctx, path)
}

func (e *engine) ListDocuments(ctx context.Context) ([]store.Document, error) {
	return e.store.ListDocuments(ctx)
}
