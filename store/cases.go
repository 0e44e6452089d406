package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrVersionConflict is returned when a conditional case update matched no
// row: the caller's claimed version (and status) no longer describe the
// stored case.
var ErrVersionConflict = errors.New("store: case version conflict")

// timeFormat is how all case-side timestamps are persisted.
const timeFormat = time.RFC3339Nano

// Query represents a submitted support query. Immutable once created.
type Query struct {
	ID          string    `json:"id"`
	Text        string    `json:"text"`
	Submitter   string    `json:"submitter"`
	Category    string    `json:"category,omitempty"`
	Priority    string    `json:"priority,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Case represents a row in the cases table.
type Case struct {
	ID             string    `json:"id"` // equals the owning query id
	Status         string    `json:"status"`
	Version        int       `json:"version"`
	CurrentDraftID string    `json:"current_draft_id"`
	Feedback       string    `json:"feedback,omitempty"`
	IssueRef       string    `json:"issue_ref,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Draft represents one generated or human-edited answer version.
type Draft struct {
	ID                string    `json:"id"`
	CaseID            string    `json:"case_id"`
	Text              string    `json:"text"`
	Tone              string    `json:"tone,omitempty"`
	Confidence        float64   `json:"confidence"`
	Citations         []int64   `json:"citations"`
	UsedPolicy        string    `json:"used_policy,omitempty"`
	UsedReferenceCase string    `json:"used_reference_case,omitempty"`
	ModelIdentifier   string    `json:"model_identifier"`
	Author            string    `json:"author"`
	GeneratedAt       time.Time `json:"generated_at"`
}

// HistoryEntry is one committed status transition.
type HistoryEntry struct {
	CaseID     string    `json:"case_id"`
	Seq        int       `json:"seq"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	Actor      string    `json:"actor"`
	Note       string    `json:"note,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
	EntryHash  string    `json:"entry_hash"`
	PrevHash   string    `json:"prev_hash"`
}

// TransitionRecord carries everything one committed transition writes:
// the conditional case update, the history row, and optionally a new
// draft version. All of it is applied in a single transaction.
type TransitionRecord struct {
	CaseID        string
	ExpectVersion int
	ExpectStatus  string
	NewStatus     string

	History HistoryEntry

	NewDraft *Draft  // for edit transitions: becomes the current draft
	IssueRef *string // for escalation: attaches the sink reference
	Feedback *string // optional reviewer note stored on the case
}

// --- Query operations ---

// CreateQuery inserts a submitted query.
func (s *Store) CreateQuery(ctx context.Context, q Query) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO queries (id, text, submitter, category, priority, submitted_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, q.ID, q.Text, q.Submitter, q.Category, q.Priority, q.SubmittedAt.UTC().Format(timeFormat))
	return err
}

// GetQuery retrieves a query by id.
func (s *Store) GetQuery(ctx context.Context, id string) (*Query, error) {
	var q Query
	var category, priority sql.NullString
	var submittedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, text, submitter, category, priority, submitted_at
		FROM queries WHERE id = ?
	`, id).Scan(&q.ID, &q.Text, &q.Submitter, &category, &priority, &submittedAt)
	if err != nil {
		return nil, err
	}
	q.Category = category.String
	q.Priority = priority.String
	q.SubmittedAt, _ = time.Parse(timeFormat, submittedAt)
	return &q, nil
}

// ListPendingQueries returns queries that do not yet have a case, newest
// first. These are still awaiting a first draft.
func (s *Store) ListPendingQueries(ctx context.Context, limit int) ([]Query, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT q.id, q.text, q.submitter, q.category, q.priority, q.submitted_at
		FROM queries q
		LEFT JOIN cases c ON c.id = q.id
		WHERE c.id IS NULL
		ORDER BY q.submitted_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var queries []Query
	for rows.Next() {
		var q Query
		var category, priority sql.NullString
		var submittedAt string
		if err := rows.Scan(&q.ID, &q.Text, &q.Submitter, &category, &priority, &submittedAt); err != nil {
			return nil, err
		}
		q.Category = category.String
		q.Priority = priority.String
		q.SubmittedAt, _ = time.Parse(timeFormat, submittedAt)
		queries = append(queries, q)
	}
	return queries, rows.Err()
}

// DeleteQuery removes a query that has no case yet (withdrawal before a
// draft exists). Returns ErrVersionConflict if a case already exists.
func (s *Store) DeleteQuery(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM cases WHERE id = ?", id).Scan(&exists); err != nil {
			return err
		}
		if exists > 0 {
			return ErrVersionConflict
		}
		res, err := tx.ExecContext(ctx, "DELETE FROM queries WHERE id = ?", id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return sql.ErrNoRows
		}
		return nil
	})
}

// --- Case operations ---

// CreateCase atomically inserts a case, its first draft, and the opening
// history entry. The case starts at version 1.
func (s *Store) CreateCase(ctx context.Context, c Case, d Draft, h HistoryEntry) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		now := c.CreatedAt.UTC().Format(timeFormat)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO cases (id, status, version, current_draft_id, created_at, updated_at)
			VALUES (?, ?, 1, ?, ?, ?)
		`, c.ID, c.Status, d.ID, now, now); err != nil {
			return err
		}
		if err := insertDraft(ctx, tx, d); err != nil {
			return err
		}
		return insertHistory(ctx, tx, h)
	})
}

// GetCase retrieves a case by id.
func (s *Store) GetCase(ctx context.Context, id string) (*Case, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, status, version, COALESCE(current_draft_id, ''),
			COALESCE(feedback, ''), COALESCE(issue_ref, ''), created_at, updated_at
		FROM cases WHERE id = ?
	`, id)
	return scanCase(row)
}

// ListCasesByStatus returns cases in the given status, newest first.
// An empty status lists all cases.
func (s *Store) ListCasesByStatus(ctx context.Context, status string, limit int) ([]Case, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, status, version, COALESCE(current_draft_id, ''),
			COALESCE(feedback, ''), COALESCE(issue_ref, ''), created_at, updated_at
		FROM cases
		WHERE (? = '' OR status = ?)
		ORDER BY created_at DESC
		LIMIT ?
	`, status, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cases []Case
	for rows.Next() {
		var c Case
		var createdAt, updatedAt string
		if err := rows.Scan(&c.ID, &c.Status, &c.Version, &c.CurrentDraftID,
			&c.Feedback, &c.IssueRef, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		c.CreatedAt, _ = time.Parse(timeFormat, createdAt)
		c.UpdatedAt, _ = time.Parse(timeFormat, updatedAt)
		cases = append(cases, c)
	}
	return cases, rows.Err()
}

// CountCasesByStatus returns a status -> count map for dashboards.
func (s *Store) CountCasesByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT status, COUNT(*) FROM cases GROUP BY status")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// ApplyTransition commits one case transition: the conditional status/version
// update, the history append, and (when present) a new draft version. The
// WHERE clause on (id, version, status) is the optimistic check — if another
// transition got there first, zero rows match and ErrVersionConflict is
// returned with nothing written.
func (s *Store) ApplyTransition(ctx context.Context, rec TransitionRecord) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var newDraftID *string
		if rec.NewDraft != nil {
			if err := insertDraft(ctx, tx, *rec.NewDraft); err != nil {
				return err
			}
			newDraftID = &rec.NewDraft.ID
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE cases SET
				status = ?,
				version = version + 1,
				current_draft_id = COALESCE(?, current_draft_id),
				issue_ref = COALESCE(?, issue_ref),
				feedback = COALESCE(?, feedback),
				updated_at = ?
			WHERE id = ? AND version = ? AND status = ?
		`, rec.NewStatus, newDraftID, rec.IssueRef, rec.Feedback,
			rec.History.OccurredAt.UTC().Format(timeFormat),
			rec.CaseID, rec.ExpectVersion, rec.ExpectStatus)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrVersionConflict
		}

		return insertHistory(ctx, tx, rec.History)
	})
}

// GetHistory returns the full transition log for a case in commit order.
func (s *Store) GetHistory(ctx context.Context, caseID string) ([]HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT case_id, seq, from_status, to_status, actor, COALESCE(note, ''),
			occurred_at, entry_hash, prev_hash
		FROM case_history WHERE case_id = ? ORDER BY seq
	`, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var h HistoryEntry
		var occurredAt string
		if err := rows.Scan(&h.CaseID, &h.Seq, &h.From, &h.To, &h.Actor, &h.Note,
			&occurredAt, &h.EntryHash, &h.PrevHash); err != nil {
			return nil, err
		}
		h.OccurredAt, _ = time.Parse(timeFormat, occurredAt)
		entries = append(entries, h)
	}
	return entries, rows.Err()
}

// --- Draft operations ---

// GetDraft retrieves a single draft version.
func (s *Store) GetDraft(ctx context.Context, id string) (*Draft, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, case_id, text, COALESCE(tone, ''), COALESCE(confidence, 0),
			citations, COALESCE(used_policy, ''), COALESCE(used_reference_case, ''),
			model_identifier, author, generated_at
		FROM drafts WHERE id = ?
	`, id)
	return scanDraft(row)
}

// ListDraftsByCase returns every draft version for a case, newest first.
// Old versions are never deleted.
func (s *Store) ListDraftsByCase(ctx context.Context, caseID string) ([]Draft, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, case_id, text, COALESCE(tone, ''), COALESCE(confidence, 0),
			citations, COALESCE(used_policy, ''), COALESCE(used_reference_case, ''),
			model_identifier, author, generated_at
		FROM drafts WHERE case_id = ? ORDER BY generated_at DESC, id DESC
	`, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var drafts []Draft
	for rows.Next() {
		d, err := scanDraftRows(rows)
		if err != nil {
			return nil, err
		}
		drafts = append(drafts, *d)
	}
	return drafts, rows.Err()
}

// --- row helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCase(row rowScanner) (*Case, error) {
	var c Case
	var createdAt, updatedAt string
	if err := row.Scan(&c.ID, &c.Status, &c.Version, &c.CurrentDraftID,
		&c.Feedback, &c.IssueRef, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	c.CreatedAt, _ = time.Parse(timeFormat, createdAt)
	c.UpdatedAt, _ = time.Parse(timeFormat, updatedAt)
	return &c, nil
}

func scanDraft(row rowScanner) (*Draft, error) {
	var d Draft
	var citations, generatedAt string
	if err := row.Scan(&d.ID, &d.CaseID, &d.Text, &d.Tone, &d.Confidence,
		&citations, &d.UsedPolicy, &d.UsedReferenceCase,
		&d.ModelIdentifier, &d.Author, &generatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(citations), &d.Citations); err != nil {
		return nil, fmt.Errorf("decoding citations for draft %s: %w", d.ID, err)
	}
	d.GeneratedAt, _ = time.Parse(timeFormat, generatedAt)
	return &d, nil
}

func scanDraftRows(rows *sql.Rows) (*Draft, error) {
	return scanDraft(rows)
}

func insertDraft(ctx context.Context, tx *sql.Tx, d Draft) error {
	citations := d.Citations
	if citations == nil {
		citations = []int64{}
	}
	citationsJSON, err := json.Marshal(citations)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO drafts (id, case_id, text, tone, confidence, citations,
			used_policy, used_reference_case, model_identifier, author, generated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, d.ID, d.CaseID, d.Text, d.Tone, d.Confidence, string(citationsJSON),
		d.UsedPolicy, d.UsedReferenceCase, d.ModelIdentifier, d.Author,
		d.GeneratedAt.UTC().Format(timeFormat))
	return err
}

func insertHistory(ctx context.Context, tx *sql.Tx, h HistoryEntry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO case_history (case_id, seq, from_status, to_status, actor, note,
			occurred_at, entry_hash, prev_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, h.CaseID, h.Seq, h.From, h.To, h.Actor, h.Note,
		h.OccurredAt.UTC().Format(timeFormat), h.EntryHash, h.PrevHash)
	return err
}
