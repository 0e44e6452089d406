package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/supportloop/draftdesk"
)

type handler struct {
	engine draftdesk.Engine
}

func newHandler(e draftdesk.Engine) *handler {
	return &handler{engine: e}
}

// reviewRequest is the shared body for review endpoints. Version is the case
// version the client last read; a mismatch yields 409.
type reviewRequest struct {
	Version int    `json:"version"`
	Actor   string `json:"actor"`
	Note    string `json:"note,omitempty"`
	Text    string `json:"text,omitempty"`    // edit only
	Summary string `json:"summary,omitempty"` // escalate only
}

// POST /queries
func (h *handler) handleSubmitQuery(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Minute)
	defer cancel()

	var req struct {
		Text      string `json:"text"`
		Submitter string `json:"submitter"`
		Category  string `json:"category,omitempty"`
		Priority  string `json:"priority,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	var opts []draftdesk.SubmitOption
	if req.Category != "" {
		opts = append(opts, draftdesk.WithCategory(req.Category))
	}
	if req.Priority != "" {
		opts = append(opts, draftdesk.WithPriority(req.Priority))
	}

	sub, err := h.engine.SubmitQuery(ctx, req.Text, req.Submitter, opts...)
	if err != nil {
		if sub != nil {
			// The query was stored but drafting failed; report both.
			writeJSON(w, errStatus(err), map[string]interface{}{
				"query": sub.Query,
				"error": err.Error(),
			})
			return
		}
		writeFailure(w, err, "submit query", "")
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

// POST /queries/draft
func (h *handler) handleDraftPending(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Minute)
	defer cancel()

	results, err := h.engine.DraftPending(ctx)
	if err != nil {
		writeFailure(w, err, "draft pending", "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"results": results})
}

// DELETE /queries/{id}
func (h *handler) handleWithdrawQuery(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.engine.WithdrawQuery(r.Context(), id); err != nil {
		writeFailure(w, err, "withdraw query", id)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "withdrawn"})
}

// GET /cases?status=&limit=
func (h *handler) handleListCases(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	cases, err := h.engine.ListCases(r.Context(), r.URL.Query().Get("status"), limit)
	if err != nil {
		writeFailure(w, err, "list cases", "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"cases": cases})
}

// GET /cases/stats
func (h *handler) handleCaseCounts(w http.ResponseWriter, r *http.Request) {
	counts, err := h.engine.CaseCounts(r.Context())
	if err != nil {
		writeFailure(w, err, "case stats", "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"counts": counts})
}

// GET /cases/{id}
func (h *handler) handleGetCase(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	view, err := h.engine.GetCase(r.Context(), id)
	if err != nil {
		writeFailure(w, err, "get case", id)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// GET /cases/{id}/audit
func (h *handler) handleAuditCase(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.engine.AuditCase(r.Context(), id); err != nil {
		writeFailure(w, err, "audit case", id)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "verified"})
}

func (h *handler) review(w http.ResponseWriter, r *http.Request,
	apply func(ctx context.Context, caseID string, req reviewRequest) error) {
	id := r.PathValue("id")

	var req reviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Actor == "" {
		writeError(w, http.StatusBadRequest, "actor is required")
		return
	}

	if err := apply(r.Context(), id, req); err != nil {
		writeFailure(w, err, "case transition", id)
		return
	}

	view, err := h.engine.GetCase(r.Context(), id)
	if err != nil {
		writeFailure(w, err, "get case", id)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// POST /cases/{id}/review
func (h *handler) handleOpenReview(w http.ResponseWriter, r *http.Request) {
	h.review(w, r, func(ctx context.Context, id string, req reviewRequest) error {
		_, err := h.engine.OpenReview(ctx, id, req.Version, req.Actor)
		return err
	})
}

// POST /cases/{id}/approve
func (h *handler) handleApprove(w http.ResponseWriter, r *http.Request) {
	h.review(w, r, func(ctx context.Context, id string, req reviewRequest) error {
		_, err := h.engine.Approve(ctx, id, req.Version, req.Actor, req.Note)
		return err
	})
}

// POST /cases/{id}/edit
func (h *handler) handleEdit(w http.ResponseWriter, r *http.Request) {
	h.review(w, r, func(ctx context.Context, id string, req reviewRequest) error {
		_, err := h.engine.Edit(ctx, id, req.Version, req.Actor, req.Text, req.Note)
		return err
	})
}

// POST /cases/{id}/reject
func (h *handler) handleReject(w http.ResponseWriter, r *http.Request) {
	h.review(w, r, func(ctx context.Context, id string, req reviewRequest) error {
		_, err := h.engine.Reject(ctx, id, req.Version, req.Actor, req.Note)
		return err
	})
}

// POST /cases/{id}/finalize
func (h *handler) handleFinalize(w http.ResponseWriter, r *http.Request) {
	h.review(w, r, func(ctx context.Context, id string, req reviewRequest) error {
		_, err := h.engine.Finalize(ctx, id, req.Version, req.Actor)
		return err
	})
}

// POST /cases/{id}/escalate
func (h *handler) handleEscalate(w http.ResponseWriter, r *http.Request) {
	h.review(w, r, func(ctx context.Context, id string, req reviewRequest) error {
		_, err := h.engine.Escalate(ctx, id, req.Version, req.Actor, req.Summary)
		return err
	})
}

// POST /cases/{id}/file-issue
func (h *handler) handleFileIssue(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ref, err := h.engine.FileIssue(r.Context(), id)
	if err != nil {
		writeFailure(w, err, "file issue", id)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"issue_ref": ref})
}

// POST /cases/{id}/resolve
func (h *handler) handleResolveEscalated(w http.ResponseWriter, r *http.Request) {
	h.review(w, r, func(ctx context.Context, id string, req reviewRequest) error {
		_, err := h.engine.ResolveEscalated(ctx, id, req.Version, req.Actor, req.Note)
		return err
	})
}

// POST /rephrase
func (h *handler) handleRephrase(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Minute)
	defer cancel()

	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	text, err := h.engine.Rephrase(ctx, req.Text)
	if err != nil {
		writeFailure(w, err, "rephrase", "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"text": text})
}

// POST /ingest
func (h *handler) handleIngest(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Minute)
	defer cancel()

	var req struct {
		Path string `json:"path"`
		Kind string `json:"kind,omitempty"` // policy (default) or resolved_case
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	absPath, ok := validFilePath(w, req.Path)
	if !ok {
		return
	}

	docID, chunks, err := h.engine.IngestDocument(ctx, absPath, req.Kind)
	if err != nil {
		writeFailure(w, err, "ingest", absPath)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"document_id": docID,
		"chunks":      chunks,
		"path":        absPath,
	})
}

// POST /import-cases
func (h *handler) handleImportCases(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Minute)
	defer cancel()

	var req struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	absPath, ok := validFilePath(w, req.Path)
	if !ok {
		return
	}

	count, err := h.engine.ImportResolvedCases(ctx, absPath)
	if err != nil {
		writeFailure(w, err, "import cases", absPath)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"imported": count,
		"path":     absPath,
	})
}

// POST /update
func (h *handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Minute)
	defer cancel()

	var req struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}

	changed, err := h.engine.UpdateDocument(ctx, req.Path)
	if err != nil {
		writeFailure(w, err, "update", req.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"path":    req.Path,
		"changed": changed,
	})
}

// GET /documents
func (h *handler) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := h.engine.ListDocuments(r.Context())
	if err != nil {
		writeFailure(w, err, "list documents", "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"documents": docs})
}

// GET /health
func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// validFilePath checks that a request path names an existing file
// (prevents directory traversal probing).
func validFilePath(w http.ResponseWriter, path string) (string, bool) {
	if path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return "", false
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid path")
		return "", false
	}
	info, err := os.Stat(absPath)
	if err != nil || info.IsDir() {
		writeError(w, http.StatusBadRequest, "path must be an existing file")
		return "", false
	}
	return absPath, true
}

// errStatus maps engine failures to HTTP status codes.
func errStatus(err error) int {
	switch {
	case errors.Is(err, draftdesk.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, draftdesk.ErrCaseNotFound),
		errors.Is(err, draftdesk.ErrQueryNotFound):
		return http.StatusNotFound
	case errors.Is(err, draftdesk.ErrStaleCaseVersion),
		errors.Is(err, draftdesk.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, draftdesk.ErrRetrievalUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, draftdesk.ErrDraftGenerationFailed),
		errors.Is(err, draftdesk.ErrEscalationFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeFailure(w http.ResponseWriter, err error, op, subject string) {
	slog.Error(op+" failed", "subject", subject, "error", err)
	writeError(w, errStatus(err), err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
