//go:build cgo

package draftdesk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supportloop/draftdesk/escalate"
	"github.com/supportloop/draftdesk/ledger"
)

const defaultDraftJSON = `{"reply":"Please try restarting your router and reconnecting.","tone":"polite","confidence":0.82,"used_policy":"Connectivity","used_reference_case":""}`

// modelServer fakes an OpenAI-compatible endpoint for both chat and
// embeddings so the engine can be exercised end to end without a model.
type modelServer struct {
	srv *httptest.Server

	mu          sync.Mutex
	chatContent string
	chatStatus  int
	chatCalls   int
}

func newModelServer(t *testing.T) *modelServer {
	t.Helper()
	m := &modelServer{chatContent: defaultDraftJSON}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/embeddings", m.handleEmbeddings)
	mux.HandleFunc("/v1/chat/completions", m.handleChat)
	m.srv = httptest.NewServer(mux)
	t.Cleanup(m.srv.Close)
	return m
}

func (m *modelServer) setChat(content string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chatContent = content
	m.chatStatus = 0
}

func (m *modelServer) failChat() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chatStatus = http.StatusBadRequest
}

func (m *modelServer) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Input []string `json:"input"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	type datum struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	}
	data := make([]datum, len(req.Input))
	for i := range req.Input {
		data[i] = datum{Embedding: []float32{1, 0, 0, 0}, Index: i}
	}
	json.NewEncoder(w).Encode(map[string]any{"data": data})
}

func (m *modelServer) handleChat(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	content, status := m.chatContent, m.chatStatus
	m.chatCalls++
	m.mu.Unlock()

	if status != 0 {
		http.Error(w, "model unavailable", status)
		return
	}
	json.NewEncoder(w).Encode(map[string]any{
		"model": "fake-chat",
		"choices": []map[string]any{
			{"message": map[string]string{"content": content}, "finish_reason": "stop"},
		},
		"usage": map[string]int{"prompt_tokens": 50, "completion_tokens": 40, "total_tokens": 90},
	})
}

// memSink records filed tickets in memory.
type memSink struct {
	mu    sync.Mutex
	fail  bool
	calls int
	last  escalate.Ticket
}

func (s *memSink) CreateIssue(ctx context.Context, t escalate.Ticket) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.last = t
	if s.fail {
		return "", errors.New("tracker offline")
	}
	return fmt.Sprintf("ESC-%04d", s.calls), nil
}

func (s *memSink) setFail(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = fail
}

func newTestEngine(t *testing.T, model *modelServer, sink escalate.Sink) Engine {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DBPath = filepath.Join(t.TempDir(), "engine.db")
	cfg.EmbeddingDim = 4
	cfg.RetrieveK = 3
	cfg.DraftAttempts = 1
	cfg.Escalation.MaxAttempts = 1
	cfg.Chat = LLMConfig{Provider: "custom", Model: "fake-chat", BaseURL: model.srv.URL}
	cfg.Embedding = LLMConfig{Provider: "custom", Model: "fake-embed", BaseURL: model.srv.URL}

	var opts []Option
	if sink != nil {
		opts = append(opts, WithEscalationSink(sink))
	}
	e, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func ingestSamplePolicy(t *testing.T, e Engine) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "connectivity.md")
	content := "# Connectivity\nFor connection drops, restart the router before anything else.\n\n# Escalation\nUnresolved outages over four hours go to network engineering.\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	_, n, err := e.IngestDocument(context.Background(), path, "")
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestEngineReviewLifecycle(t *testing.T) {
	model := newModelServer(t)
	e := newTestEngine(t, model, nil)
	ctx := context.Background()
	ingestSamplePolicy(t, e)

	sub, err := e.SubmitQuery(ctx, "My internet keeps dropping every hour", "customer-1",
		WithCategory("Technical"), WithPriority("high"))
	require.NoError(t, err)
	require.NotNil(t, sub.Case)
	assert.Equal(t, string(ledger.StatusDrafted), sub.Case.Status)
	assert.Equal(t, 1, sub.Case.Version)

	caseID := sub.Case.ID
	view, err := e.GetCase(ctx, caseID)
	require.NoError(t, err)
	require.NotNil(t, view.CurrentDraft)
	assert.Equal(t, "Please try restarting your router and reconnecting.", view.CurrentDraft.Text)
	assert.Equal(t, "polite", view.CurrentDraft.Tone)
	assert.NotEmpty(t, view.CurrentDraft.Citations, "draft should cite retrieved chunks")
	assert.Equal(t, "model", view.CurrentDraft.Author)
	assert.Equal(t, "Technical", view.Query.Category)

	c, err := e.OpenReview(ctx, caseID, 1, "alex")
	require.NoError(t, err)
	assert.Equal(t, string(ledger.StatusUnderReview), c.Status)

	c, err = e.Edit(ctx, caseID, 2, "alex", "Restart your router; if it recurs, reply here and we will escalate.", "softened wording")
	require.NoError(t, err)
	assert.Equal(t, string(ledger.StatusEdited), c.Status)

	view, err = e.GetCase(ctx, caseID)
	require.NoError(t, err)
	assert.Len(t, view.Drafts, 2, "model draft is retained alongside the edit")
	assert.Equal(t, "alex", view.CurrentDraft.Author)

	c, err = e.Finalize(ctx, caseID, 3, "alex")
	require.NoError(t, err)
	assert.Equal(t, string(ledger.StatusResolved), c.Status)

	require.NoError(t, e.AuditCase(ctx, caseID))

	_, err = e.OpenReview(ctx, caseID, c.Version, "alex")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	counts, err := e.CaseCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[string(ledger.StatusResolved)])
}

func TestEngineApprovePath(t *testing.T) {
	model := newModelServer(t)
	e := newTestEngine(t, model, nil)
	ctx := context.Background()
	ingestSamplePolicy(t, e)

	sub, err := e.SubmitQuery(ctx, "How do I reset my password?", "customer-2")
	require.NoError(t, err)
	caseID := sub.Case.ID

	_, err = e.OpenReview(ctx, caseID, 1, "sam")
	require.NoError(t, err)
	c, err := e.Approve(ctx, caseID, 2, "sam", "looks right")
	require.NoError(t, err)
	assert.Equal(t, string(ledger.StatusApproved), c.Status)
	assert.Equal(t, "looks right", c.Feedback)

	c, err = e.Finalize(ctx, caseID, 3, "sam")
	require.NoError(t, err)
	assert.Equal(t, string(ledger.StatusResolved), c.Status)
}

func TestEngineStaleVersionRefused(t *testing.T) {
	model := newModelServer(t)
	e := newTestEngine(t, model, nil)
	ctx := context.Background()
	ingestSamplePolicy(t, e)

	sub, err := e.SubmitQuery(ctx, "Billing question about my last invoice", "customer-3")
	require.NoError(t, err)

	_, err = e.OpenReview(ctx, sub.Case.ID, 99, "sam")
	assert.ErrorIs(t, err, ErrStaleCaseVersion)
}

func TestEngineEscalationFilesIssueOnce(t *testing.T) {
	model := newModelServer(t)
	sink := &memSink{}
	e := newTestEngine(t, model, sink)
	ctx := context.Background()
	ingestSamplePolicy(t, e)

	sub, err := e.SubmitQuery(ctx, "Security breach on my account, urgent", "customer-4")
	require.NoError(t, err)
	caseID := sub.Case.ID

	_, err = e.OpenReview(ctx, caseID, 1, "riley")
	require.NoError(t, err)
	c, err := e.Escalate(ctx, caseID, 2, "riley", "possible account takeover, needs security team")
	require.NoError(t, err)
	assert.Equal(t, string(ledger.StatusEscalated), c.Status)
	assert.Equal(t, "ESC-0001", c.IssueRef)
	assert.Equal(t, 1, sink.calls)
	assert.Equal(t, "possible account takeover, needs security team", sink.last.Summary)
	assert.NotEmpty(t, sink.last.DraftText)

	// Re-filing returns the existing reference without touching the sink.
	ref, err := e.FileIssue(ctx, caseID)
	require.NoError(t, err)
	assert.Equal(t, "ESC-0001", ref)
	assert.Equal(t, 1, sink.calls)

	view, err := e.GetCase(ctx, caseID)
	require.NoError(t, err)
	c, err = e.ResolveEscalated(ctx, caseID, view.Case.Version, "riley", "security confirmed and locked the account")
	require.NoError(t, err)
	assert.Equal(t, string(ledger.StatusResolved), c.Status)
	require.NoError(t, e.AuditCase(ctx, caseID))
}

func TestEngineEscalationSurvivesSinkOutage(t *testing.T) {
	model := newModelServer(t)
	sink := &memSink{}
	sink.setFail(true)
	e := newTestEngine(t, model, sink)
	ctx := context.Background()
	ingestSamplePolicy(t, e)

	sub, err := e.SubmitQuery(ctx, "Outage across our whole office", "customer-5")
	require.NoError(t, err)
	caseID := sub.Case.ID

	_, err = e.OpenReview(ctx, caseID, 1, "riley")
	require.NoError(t, err)
	c, err := e.Escalate(ctx, caseID, 2, "riley", "site-wide outage")
	assert.ErrorIs(t, err, ErrEscalationFailed)
	require.NotNil(t, c)
	assert.Equal(t, string(ledger.StatusEscalated), c.Status, "escalation commits even when filing fails")
	assert.Empty(t, c.IssueRef)

	sink.setFail(false)
	ref, err := e.FileIssue(ctx, caseID)
	require.NoError(t, err)
	assert.NotEmpty(t, ref)

	view, err := e.GetCase(ctx, caseID)
	require.NoError(t, err)
	assert.Equal(t, ref, view.Case.IssueRef)
}

func TestEngineDraftFailureKeepsQueryPending(t *testing.T) {
	model := newModelServer(t)
	e := newTestEngine(t, model, nil)
	ctx := context.Background()
	ingestSamplePolicy(t, e)

	model.failChat()
	sub, err := e.SubmitQuery(ctx, "Where is my refund?", "customer-6")
	assert.ErrorIs(t, err, ErrDraftGenerationFailed)
	require.NotNil(t, sub)
	assert.Nil(t, sub.Case)
	queryID := sub.Query.ID

	// The model recovers; the pending query drafts on retry.
	model.setChat(defaultDraftJSON)
	drafted, err := e.DraftPending(ctx)
	require.NoError(t, err)
	require.Len(t, drafted, 1)
	assert.Equal(t, queryID, drafted[0].Query.ID)
	require.NotNil(t, drafted[0].Case)
	assert.Equal(t, string(ledger.StatusDrafted), drafted[0].Case.Status)

	// Once a case exists the query can no longer be withdrawn.
	err = e.WithdrawQuery(ctx, queryID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestEngineWithdrawPendingQuery(t *testing.T) {
	model := newModelServer(t)
	e := newTestEngine(t, model, nil)
	ctx := context.Background()
	ingestSamplePolicy(t, e)

	model.failChat()
	sub, err := e.SubmitQuery(ctx, "Cancel my subscription", "customer-7")
	require.Error(t, err)

	require.NoError(t, e.WithdrawQuery(ctx, sub.Query.ID))
	err = e.WithdrawQuery(ctx, sub.Query.ID)
	assert.ErrorIs(t, err, ErrQueryNotFound)
}

func TestEngineEmptyKnowledgeStore(t *testing.T) {
	model := newModelServer(t)
	e := newTestEngine(t, model, nil)
	ctx := context.Background()

	_, err := e.SubmitQuery(ctx, "Do you ship internationally?", "customer-8")
	assert.ErrorIs(t, err, ErrRetrievalUnavailable)
}

func TestEngineUngroundedDrafting(t *testing.T) {
	model := newModelServer(t)
	cfg := DefaultConfig()
	cfg.DBPath = filepath.Join(t.TempDir(), "engine.db")
	cfg.EmbeddingDim = 4
	cfg.DraftAttempts = 1
	cfg.AllowUngrounded = true
	cfg.Chat = LLMConfig{Provider: "custom", Model: "fake-chat", BaseURL: model.srv.URL}
	cfg.Embedding = LLMConfig{Provider: "custom", Model: "fake-embed", BaseURL: model.srv.URL}
	e, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })

	sub, err := e.SubmitQuery(context.Background(), "Do you ship internationally?", "customer-9")
	require.NoError(t, err)
	require.NotNil(t, sub.Case)

	view, err := e.GetCase(context.Background(), sub.Case.ID)
	require.NoError(t, err)
	assert.Empty(t, view.CurrentDraft.Citations)
}

func TestEngineRephrase(t *testing.T) {
	model := newModelServer(t)
	e := newTestEngine(t, model, nil)
	ctx := context.Background()

	model.setChat("Could you please share your order number so I can look into this?")
	out, err := e.Rephrase(ctx, "whats ur order number")
	require.NoError(t, err)
	assert.Contains(t, out, "order number")

	_, err = e.Rephrase(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestEngineInputValidation(t *testing.T) {
	model := newModelServer(t)
	e := newTestEngine(t, model, nil)
	ctx := context.Background()

	_, err := e.SubmitQuery(ctx, "", "customer-1")
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = e.SubmitQuery(ctx, "some question", "")
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = e.GetCase(ctx, "no-such-case")
	assert.ErrorIs(t, err, ErrCaseNotFound)
	_, err = e.FileIssue(ctx, "no-such-case")
	assert.ErrorIs(t, err, ErrCaseNotFound)
}
