// Package ledger owns the case lifecycle: which transitions exist, who may
// apply them, and the append-only hash-chained history every committed
// transition leaves behind. All writes go through optimistic version checks
// in the store so concurrent reviewers cannot clobber each other.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/supportloop/draftdesk/store"
)

var (
	// ErrInvalidTransition is returned when the requested event has no edge
	// from the case's current state, or the case is terminal.
	ErrInvalidTransition = errors.New("ledger: invalid transition")
	// ErrStaleCaseVersion is returned when the caller's expected version no
	// longer matches the stored case. The caller should re-read and retry.
	ErrStaleCaseVersion = errors.New("ledger: stale case version")
	// ErrCaseNotFound is returned when no case exists for the given id.
	ErrCaseNotFound = errors.New("ledger: case not found")
)

// Ledger applies lifecycle commands to cases.
type Ledger struct {
	store *store.Store
	log   *slog.Logger
	now   func() time.Time
}

// New creates a Ledger over the given store.
func New(s *store.Store, log *slog.Logger) *Ledger {
	if log == nil {
		log = slog.Default()
	}
	return &Ledger{store: s, log: log, now: func() time.Time { return time.Now().UTC() }}
}

// NewDraftID mints a lexically sortable draft version id.
func NewDraftID() string {
	return ulid.Make().String()
}

// CreateCase opens a review case for a submitted query with its first draft.
// The case id equals the query id, the draft gets a fresh version id, and the
// history chain starts with the submitted -> drafted entry.
func (l *Ledger) CreateCase(ctx context.Context, q store.Query, d store.Draft) (*store.Case, error) {
	now := l.now()
	d.ID = NewDraftID()
	d.CaseID = q.ID
	if d.Author == "" {
		d.Author = "model"
	}

	c := store.Case{
		ID:             q.ID,
		Status:         string(StatusDrafted),
		Version:        1,
		CurrentDraftID: d.ID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	entry := store.HistoryEntry{
		CaseID:     q.ID,
		Seq:        1,
		From:       string(StatusSubmitted),
		To:         string(StatusDrafted),
		Actor:      d.Author,
		OccurredAt: now,
		PrevHash:   "",
	}
	hash, err := entryHash(entry)
	if err != nil {
		return nil, err
	}
	entry.EntryHash = hash

	if err := l.store.CreateCase(ctx, c, d, entry); err != nil {
		return nil, fmt.Errorf("ledger: create case %s: %w", q.ID, err)
	}
	l.log.Info("case opened", "case_id", q.ID, "draft_id", d.ID)
	return &c, nil
}

// Command is one lifecycle request against an existing case. ExpectVersion
// must match the version the caller last read; Actor identifies who is
// acting. EditText is required for edit events, IssueRef for attach_issue.
type Command struct {
	CaseID        string
	Event         Event
	ExpectVersion int
	Actor         string
	Note          string
	EditText      string
	IssueRef      string
}

func (cmd Command) validate() error {
	if cmd.CaseID == "" {
		return fmt.Errorf("%w: missing case id", ErrInvalidTransition)
	}
	if cmd.Actor == "" {
		return fmt.Errorf("%w: missing actor", ErrInvalidTransition)
	}
	switch cmd.Event {
	case EventEdit:
		if cmd.EditText == "" {
			return fmt.Errorf("%w: edit requires replacement text", ErrInvalidTransition)
		}
	case EventAttachIssue:
		if cmd.IssueRef == "" {
			return fmt.Errorf("%w: attach_issue requires an issue reference", ErrInvalidTransition)
		}
	}
	return nil
}

// Apply executes one transition. The status check, version bump, history
// append, and any new draft version are committed in a single transaction,
// so a losing concurrent writer leaves no partial state behind.
func (l *Ledger) Apply(ctx context.Context, cmd Command) (*store.Case, error) {
	if err := cmd.validate(); err != nil {
		return nil, err
	}

	c, err := l.store.GetCase(ctx, cmd.CaseID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrCaseNotFound, cmd.CaseID)
		}
		return nil, fmt.Errorf("ledger: load case %s: %w", cmd.CaseID, err)
	}

	from := Status(c.Status)
	if from.Terminal() {
		return nil, fmt.Errorf("%w: case %s is %s", ErrInvalidTransition, cmd.CaseID, from)
	}
	to, ok := Next(from, cmd.Event)
	if !ok {
		return nil, fmt.Errorf("%w: %s does not accept %s", ErrInvalidTransition, from, cmd.Event)
	}
	if cmd.ExpectVersion != c.Version {
		return nil, fmt.Errorf("%w: case %s is at version %d, not %d",
			ErrStaleCaseVersion, cmd.CaseID, c.Version, cmd.ExpectVersion)
	}

	history, err := l.store.GetHistory(ctx, cmd.CaseID)
	if err != nil {
		return nil, fmt.Errorf("ledger: load history for %s: %w", cmd.CaseID, err)
	}
	prevHash := ""
	if n := len(history); n > 0 {
		prevHash = history[n-1].EntryHash
	}

	now := l.now()
	entry := store.HistoryEntry{
		CaseID:     cmd.CaseID,
		Seq:        len(history) + 1,
		From:       string(from),
		To:         string(to),
		Actor:      cmd.Actor,
		Note:       cmd.Note,
		OccurredAt: now,
		PrevHash:   prevHash,
	}
	entry.EntryHash, err = entryHash(entry)
	if err != nil {
		return nil, err
	}

	rec := store.TransitionRecord{
		CaseID:        cmd.CaseID,
		ExpectVersion: cmd.ExpectVersion,
		ExpectStatus:  string(from),
		NewStatus:     string(to),
		History:       entry,
	}
	if cmd.Event == EventEdit {
		rec.NewDraft = l.editedDraft(ctx, c, cmd, now)
	}
	if cmd.Event == EventAttachIssue {
		rec.IssueRef = &cmd.IssueRef
	}
	if cmd.Note != "" {
		rec.Feedback = &cmd.Note
	}

	if err := l.store.ApplyTransition(ctx, rec); err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			return nil, fmt.Errorf("%w: case %s changed underneath version %d",
				ErrStaleCaseVersion, cmd.CaseID, cmd.ExpectVersion)
		}
		return nil, fmt.Errorf("ledger: apply %s to case %s: %w", cmd.Event, cmd.CaseID, err)
	}

	l.log.Info("case transition", "case_id", cmd.CaseID, "event", string(cmd.Event),
		"from", string(from), "to", string(to), "actor", cmd.Actor)

	updated, err := l.store.GetCase(ctx, cmd.CaseID)
	if err != nil {
		return nil, fmt.Errorf("ledger: reload case %s: %w", cmd.CaseID, err)
	}
	return updated, nil
}

// editedDraft builds the new draft version for an edit transition. The prior
// draft's citations and model identifier are carried so the edited answer
// keeps its provenance; authorship switches to the editing reviewer.
func (l *Ledger) editedDraft(ctx context.Context, c *store.Case, cmd Command, now time.Time) *store.Draft {
	d := &store.Draft{
		ID:          NewDraftID(),
		CaseID:      cmd.CaseID,
		Text:        cmd.EditText,
		Author:      cmd.Actor,
		GeneratedAt: now,
	}
	if prior, err := l.store.GetDraft(ctx, c.CurrentDraftID); err == nil {
		d.Citations = prior.Citations
		d.ModelIdentifier = prior.ModelIdentifier
		d.Tone = prior.Tone
		d.UsedPolicy = prior.UsedPolicy
		d.UsedReferenceCase = prior.UsedReferenceCase
	}
	return d
}

// History returns the full committed transition log for a case, oldest first.
func (l *Ledger) History(ctx context.Context, caseID string) ([]store.HistoryEntry, error) {
	return l.store.GetHistory(ctx, caseID)
}

// Audit re-verifies a case's hash chain end to end.
func (l *Ledger) Audit(ctx context.Context, caseID string) error {
	history, err := l.store.GetHistory(ctx, caseID)
	if err != nil {
		return fmt.Errorf("ledger: load history for %s: %w", caseID, err)
	}
	if len(history) == 0 {
		return fmt.Errorf("%w: %s", ErrCaseNotFound, caseID)
	}
	return VerifyChain(history)
}
