//go:build cgo

package ledger

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supportloop/draftdesk/store"
)

func newTestLedger(t *testing.T) (*Ledger, *store.Store) {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"), 4)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return New(s, nil), s
}

func submitQuery(t *testing.T, s *store.Store, id string) store.Query {
	t.Helper()
	q := store.Query{
		ID:          id,
		Text:        "my order arrived damaged",
		Submitter:   "customer-9",
		Category:    "Shipping",
		Priority:    "high",
		SubmittedAt: time.Now().UTC(),
	}
	require.NoError(t, s.CreateQuery(context.Background(), q))
	return q
}

func sampleDraft() store.Draft {
	return store.Draft{
		Text:            "We are sorry your order arrived damaged. A replacement is on its way.",
		Tone:            "apologetic",
		Confidence:      0.82,
		Citations:       []int64{3, 7},
		ModelIdentifier: "test-model",
		GeneratedAt:     time.Now().UTC(),
	}
}

func TestCreateCaseOpensDraftedCase(t *testing.T) {
	led, s := newTestLedger(t)
	ctx := context.Background()
	q := submitQuery(t, s, "case-1")

	c, err := led.CreateCase(ctx, q, sampleDraft())
	require.NoError(t, err)
	assert.Equal(t, q.ID, c.ID)
	assert.Equal(t, string(StatusDrafted), c.Status)
	assert.Equal(t, 1, c.Version)
	assert.Len(t, c.CurrentDraftID, 26) // ULID

	history, err := led.History(ctx, q.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, string(StatusSubmitted), history[0].From)
	assert.Equal(t, string(StatusDrafted), history[0].To)
	assert.Empty(t, history[0].PrevHash)
	assert.NotEmpty(t, history[0].EntryHash)

	require.NoError(t, led.Audit(ctx, q.ID))
}

func TestReviewWithEditLifecycle(t *testing.T) {
	led, s := newTestLedger(t)
	ctx := context.Background()
	q := submitQuery(t, s, "case-2")
	c, err := led.CreateCase(ctx, q, sampleDraft())
	require.NoError(t, err)
	firstDraft := c.CurrentDraftID

	c, err = led.Apply(ctx, Command{
		CaseID: q.ID, Event: EventOpenReview, ExpectVersion: 1, Actor: "alex",
	})
	require.NoError(t, err)
	assert.Equal(t, string(StatusUnderReview), c.Status)
	assert.Equal(t, 2, c.Version)

	c, err = led.Apply(ctx, Command{
		CaseID: q.ID, Event: EventEdit, ExpectVersion: 2, Actor: "alex",
		EditText: "Here is the corrected reply.", Note: "softened the opening",
	})
	require.NoError(t, err)
	assert.Equal(t, string(StatusEdited), c.Status)
	assert.NotEqual(t, firstDraft, c.CurrentDraftID)
	assert.Equal(t, "softened the opening", c.Feedback)

	// Both draft versions retained; edit keeps provenance but changes author.
	drafts, err := s.ListDraftsByCase(ctx, q.ID)
	require.NoError(t, err)
	require.Len(t, drafts, 2)
	edited, err := s.GetDraft(ctx, c.CurrentDraftID)
	require.NoError(t, err)
	assert.Equal(t, "alex", edited.Author)
	assert.Equal(t, "test-model", edited.ModelIdentifier)
	assert.Equal(t, []int64{3, 7}, edited.Citations)

	assert.Equal(t, 3, c.Version)
	c, err = led.Apply(ctx, Command{
		CaseID: q.ID, Event: EventFinalize, ExpectVersion: 3, Actor: "alex",
	})
	require.NoError(t, err)
	assert.Equal(t, string(StatusResolved), c.Status)

	// Full history: submitted->drafted, ->under_review, ->edited, ->resolved.
	history, err := led.History(ctx, q.ID)
	require.NoError(t, err)
	require.Len(t, history, 4)
	want := [][2]string{
		{"submitted", "drafted"},
		{"drafted", "under_review"},
		{"under_review", "edited"},
		{"edited", "resolved"},
	}
	for i, edge := range want {
		assert.Equal(t, edge[0], history[i].From, "entry %d", i)
		assert.Equal(t, edge[1], history[i].To, "entry %d", i)
		assert.Equal(t, i+1, history[i].Seq)
	}
	require.NoError(t, led.Audit(ctx, q.ID))
}

func TestInvalidTransitionRefused(t *testing.T) {
	led, s := newTestLedger(t)
	ctx := context.Background()
	q := submitQuery(t, s, "case-3")
	_, err := led.CreateCase(ctx, q, sampleDraft())
	require.NoError(t, err)

	// Approve straight from drafted has no edge.
	_, err = led.Apply(ctx, Command{
		CaseID: q.ID, Event: EventApprove, ExpectVersion: 1, Actor: "alex",
	})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	// Nothing changed.
	c, err := s.GetCase(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, string(StatusDrafted), c.Status)
	assert.Equal(t, 1, c.Version)
	history, _ := led.History(ctx, q.ID)
	assert.Len(t, history, 1)
}

func TestTerminalStateRefusesEverything(t *testing.T) {
	led, s := newTestLedger(t)
	ctx := context.Background()
	q := submitQuery(t, s, "case-4")
	_, err := led.CreateCase(ctx, q, sampleDraft())
	require.NoError(t, err)

	steps := []Command{
		{CaseID: q.ID, Event: EventOpenReview, ExpectVersion: 1, Actor: "alex"},
		{CaseID: q.ID, Event: EventReject, ExpectVersion: 2, Actor: "alex", Note: "duplicate"},
	}
	for _, cmd := range steps {
		_, err := led.Apply(ctx, cmd)
		require.NoError(t, err)
	}

	for _, ev := range []Event{EventOpenReview, EventApprove, EventEdit, EventEscalate, EventFinalize} {
		_, err := led.Apply(ctx, Command{
			CaseID: q.ID, Event: ev, ExpectVersion: 3, Actor: "alex", EditText: "x",
		})
		assert.ErrorIs(t, err, ErrInvalidTransition, "event %s", ev)
	}
}

func TestStaleVersionRefused(t *testing.T) {
	led, s := newTestLedger(t)
	ctx := context.Background()
	q := submitQuery(t, s, "case-5")
	_, err := led.CreateCase(ctx, q, sampleDraft())
	require.NoError(t, err)

	_, err = led.Apply(ctx, Command{
		CaseID: q.ID, Event: EventOpenReview, ExpectVersion: 1, Actor: "alex",
	})
	require.NoError(t, err)

	// A second reviewer acting on the version they read earlier.
	_, err = led.Apply(ctx, Command{
		CaseID: q.ID, Event: EventOpenReview, ExpectVersion: 1, Actor: "blair",
	})
	assert.ErrorIs(t, err, ErrStaleCaseVersion)
}

func TestConcurrentReviewersExactlyOneWins(t *testing.T) {
	led, s := newTestLedger(t)
	ctx := context.Background()
	q := submitQuery(t, s, "case-6")
	_, err := led.CreateCase(ctx, q, sampleDraft())
	require.NoError(t, err)

	const reviewers = 8
	var wg sync.WaitGroup
	errs := make([]error, reviewers)
	for i := 0; i < reviewers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = led.Apply(ctx, Command{
				CaseID: q.ID, Event: EventOpenReview,
				ExpectVersion: 1, Actor: fmt.Sprintf("reviewer-%d", i),
			})
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		} else {
			assert.ErrorIs(t, err, ErrStaleCaseVersion)
		}
	}
	assert.Equal(t, 1, wins)

	c, err := s.GetCase(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, c.Version)
	history, _ := led.History(ctx, q.ID)
	assert.Len(t, history, 2)
	require.NoError(t, led.Audit(ctx, q.ID))
}

func TestEscalateAttachAndClose(t *testing.T) {
	led, s := newTestLedger(t)
	ctx := context.Background()
	q := submitQuery(t, s, "case-7")
	_, err := led.CreateCase(ctx, q, sampleDraft())
	require.NoError(t, err)

	steps := []Command{
		{CaseID: q.ID, Event: EventOpenReview, ExpectVersion: 1, Actor: "alex"},
		{CaseID: q.ID, Event: EventEscalate, ExpectVersion: 2, Actor: "alex", Note: "needs a specialist"},
	}
	for _, cmd := range steps {
		_, err := led.Apply(ctx, cmd)
		require.NoError(t, err)
	}

	// attach_issue is a self-loop: status stays escalated, ref lands.
	c, err := led.Apply(ctx, Command{
		CaseID: q.ID, Event: EventAttachIssue, ExpectVersion: 3, Actor: "system", IssueRef: "ESC-77",
	})
	require.NoError(t, err)
	assert.Equal(t, string(StatusEscalated), c.Status)
	assert.Equal(t, "ESC-77", c.IssueRef)

	c, err = led.Apply(ctx, Command{
		CaseID: q.ID, Event: EventCloseIssue, ExpectVersion: 4, Actor: "sam", Note: "resolved by specialist",
	})
	require.NoError(t, err)
	assert.Equal(t, string(StatusResolved), c.Status)
	require.NoError(t, led.Audit(ctx, q.ID))
}

func TestCommandValidation(t *testing.T) {
	led, s := newTestLedger(t)
	ctx := context.Background()
	q := submitQuery(t, s, "case-8")
	_, err := led.CreateCase(ctx, q, sampleDraft())
	require.NoError(t, err)
	_, err = led.Apply(ctx, Command{CaseID: q.ID, Event: EventOpenReview, ExpectVersion: 1, Actor: "alex"})
	require.NoError(t, err)

	_, err = led.Apply(ctx, Command{
		CaseID: q.ID, Event: EventEdit, ExpectVersion: 2, Actor: "alex",
	})
	assert.ErrorIs(t, err, ErrInvalidTransition, "edit without text")

	_, err = led.Apply(ctx, Command{
		CaseID: q.ID, Event: EventApprove, ExpectVersion: 2,
	})
	assert.ErrorIs(t, err, ErrInvalidTransition, "missing actor")

	_, err = led.Apply(ctx, Command{
		CaseID: "no-such-case", Event: EventOpenReview, ExpectVersion: 1, Actor: "alex",
	})
	assert.ErrorIs(t, err, ErrCaseNotFound)
}

func TestAuditDetectsTampering(t *testing.T) {
	led, s := newTestLedger(t)
	ctx := context.Background()
	q := submitQuery(t, s, "case-9")
	_, err := led.CreateCase(ctx, q, sampleDraft())
	require.NoError(t, err)
	_, err = led.Apply(ctx, Command{CaseID: q.ID, Event: EventOpenReview, ExpectVersion: 1, Actor: "alex"})
	require.NoError(t, err)
	require.NoError(t, led.Audit(ctx, q.ID))

	_, err = s.DB().Exec("UPDATE case_history SET note = 'forged' WHERE case_id = ? AND seq = 2", q.ID)
	require.NoError(t, err)
	assert.Error(t, led.Audit(ctx, q.ID))
}

func TestVerifyChainEdges(t *testing.T) {
	entries := []store.HistoryEntry{
		{CaseID: "x", Seq: 1, From: "submitted", To: "drafted", Actor: "model", OccurredAt: time.Now().UTC()},
		{CaseID: "x", Seq: 2, From: "drafted", To: "resolved", Actor: "alex", OccurredAt: time.Now().UTC()},
	}
	var err error
	entries[0].EntryHash, err = entryHash(entries[0])
	require.NoError(t, err)
	entries[1].PrevHash = entries[0].EntryHash
	entries[1].EntryHash, err = entryHash(entries[1])
	require.NoError(t, err)

	// drafted -> resolved is not a legal edge.
	assert.Error(t, VerifyChain(entries))
}

func TestVerifyChainTimestampsMonotonic(t *testing.T) {
	now := time.Now().UTC()
	entries := []store.HistoryEntry{
		{CaseID: "x", Seq: 1, From: "submitted", To: "drafted", Actor: "model", OccurredAt: now},
		{CaseID: "x", Seq: 2, From: "drafted", To: "under_review", Actor: "alex", OccurredAt: now.Add(-time.Hour)},
	}
	var err error
	entries[0].EntryHash, err = entryHash(entries[0])
	require.NoError(t, err)
	entries[1].PrevHash = entries[0].EntryHash
	entries[1].EntryHash, err = entryHash(entries[1])
	require.NoError(t, err)

	// The chain itself is intact; only time runs backwards.
	err = VerifyChain(entries)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "time reversal")

	// Equal timestamps are fine: transitions in the same instant happen.
	entries[1].OccurredAt = now
	entries[1].EntryHash, err = entryHash(entries[1])
	require.NoError(t, err)
	assert.NoError(t, VerifyChain(entries))
}

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		from  Status
		event Event
		to    Status
		ok    bool
	}{
		{StatusSubmitted, EventDraftProduced, StatusDrafted, true},
		{StatusDrafted, EventOpenReview, StatusUnderReview, true},
		{StatusUnderReview, EventApprove, StatusApproved, true},
		{StatusUnderReview, EventEdit, StatusEdited, true},
		{StatusUnderReview, EventEscalate, StatusEscalated, true},
		{StatusUnderReview, EventReject, StatusRejected, true},
		{StatusApproved, EventFinalize, StatusResolved, true},
		{StatusEdited, EventFinalize, StatusResolved, true},
		{StatusEscalated, EventAttachIssue, StatusEscalated, true},
		{StatusEscalated, EventCloseIssue, StatusResolved, true},
		{StatusDrafted, EventApprove, "", false},
		{StatusResolved, EventOpenReview, "", false},
		{StatusRejected, EventFinalize, "", false},
		{StatusSubmitted, EventEscalate, "", false},
	}
	for _, tt := range tests {
		to, ok := Next(tt.from, tt.event)
		assert.Equal(t, tt.ok, ok, "%s + %s", tt.from, tt.event)
		if tt.ok {
			assert.Equal(t, tt.to, to, "%s + %s", tt.from, tt.event)
		}
	}

	assert.True(t, StatusResolved.Terminal())
	assert.True(t, StatusRejected.Terminal())
	assert.False(t, StatusEscalated.Terminal())
}
