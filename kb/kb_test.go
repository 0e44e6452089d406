//go:build cgo

package kb

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/xuri/excelize/v2"

	"github.com/supportloop/draftdesk/llm"
	"github.com/supportloop/draftdesk/store"
)

// fakeEmbedder returns a fixed vector per text. A non-nil err fails every
// call, exercising the fallback and failure paths.
type fakeEmbedder struct {
	err   error
	extra int // surplus vectors returned beyond the requested batch
	calls int
}

func (f *fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts)+f.extra)
	for i := range out {
		out[i] = []float32{1, 0, 0, 0}
	}
	return out, nil
}

func (f *fakeEmbedder) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	return nil, errors.New("not a chat provider")
}

func newTestIngestor(t *testing.T) (*Ingestor, *store.Store, *fakeEmbedder) {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "kb.db"), 4)
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	emb := &fakeEmbedder{}
	return New(s, emb, Config{}, nil), s, emb
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
	return path
}

const samplePolicy = "# Refunds\nFull refund within 30 days of purchase.\n\n# Shipping\nFree shipping on orders over fifty dollars.\n"

func TestIngestMarkdownDocument(t *testing.T) {
	ing, s, _ := newTestIngestor(t)
	ctx := context.Background()
	path := writeFile(t, "policy.md", samplePolicy)

	docID, n, err := ing.Ingest(ctx, path, "")
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if n != 2 {
		t.Errorf("chunks = %d, want 2", n)
	}

	doc, err := s.GetDocumentByPath(ctx, path)
	if err != nil {
		t.Fatalf("get document: %v", err)
	}
	if doc.ID != docID || doc.Status != "ready" || doc.SourceKind != store.SourcePolicy {
		t.Errorf("unexpected document: %+v", doc)
	}

	chunks, err := s.GetChunksByDocument(ctx, docID)
	if err != nil {
		t.Fatalf("get chunks: %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("stored chunks = %d", len(chunks))
	}
	if chunks[0].Heading != "Refunds" || chunks[1].Heading != "Shipping" {
		t.Errorf("headings = %q, %q", chunks[0].Heading, chunks[1].Heading)
	}
}

func TestIngestSkipsUnchangedFile(t *testing.T) {
	ing, _, emb := newTestIngestor(t)
	ctx := context.Background()
	path := writeFile(t, "policy.md", samplePolicy)

	firstID, n, err := ing.Ingest(ctx, path, "")
	if err != nil || n == 0 {
		t.Fatalf("first ingest: n=%d err=%v", n, err)
	}
	callsAfterFirst := emb.calls

	secondID, n, err := ing.Ingest(ctx, path, "")
	if err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	if n != 0 {
		t.Errorf("unchanged file re-indexed %d chunks", n)
	}
	if secondID != firstID {
		t.Errorf("document id changed: %d -> %d", firstID, secondID)
	}
	if emb.calls != callsAfterFirst {
		t.Error("unchanged file was re-embedded")
	}
}

func TestIngestRejectsUnsupportedFormat(t *testing.T) {
	ing, s, _ := newTestIngestor(t)
	ctx := context.Background()
	path := writeFile(t, "policy.docx", "binary-ish content")

	_, _, err := ing.Ingest(ctx, path, "")
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("err = %v, want ErrUnsupportedFormat", err)
	}
	doc, err := s.GetDocumentByPath(ctx, path)
	if err != nil {
		t.Fatalf("get document: %v", err)
	}
	if doc.Status != "error" {
		t.Errorf("status = %q, want error", doc.Status)
	}
}

func TestIngestAllEmbeddingsFailed(t *testing.T) {
	ing, _, emb := newTestIngestor(t)
	emb.err = errors.New("provider down")
	ctx := context.Background()
	path := writeFile(t, "policy.md", samplePolicy)

	_, _, err := ing.Ingest(ctx, path, "")
	if !errors.Is(err, ErrEmbeddingFailed) {
		t.Fatalf("err = %v, want ErrEmbeddingFailed", err)
	}
}

func TestIngestToleratesSurplusEmbeddings(t *testing.T) {
	ing, s, emb := newTestIngestor(t)
	emb.extra = 2
	ctx := context.Background()
	path := writeFile(t, "policy.md", samplePolicy)

	docID, n, err := ing.Ingest(ctx, path, "")
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if n != 2 {
		t.Errorf("chunks = %d, want 2", n)
	}
	doc, err := s.GetDocumentByPath(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	if doc.ID != docID || doc.Status != "ready" {
		t.Errorf("unexpected document: %+v", doc)
	}
}

func TestUpdateReingestsChangedFile(t *testing.T) {
	ing, s, _ := newTestIngestor(t)
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.md")
	if err := os.WriteFile(path, []byte(samplePolicy), 0o644); err != nil {
		t.Fatal(err)
	}

	docID, _, err := ing.Ingest(ctx, path, "")
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	changed, err := ing.Update(ctx, path)
	if err != nil {
		t.Fatalf("update unchanged: %v", err)
	}
	if changed {
		t.Error("unchanged file reported as re-indexed")
	}

	// A second document advances chunk rowids past the first document's id,
	// so the re-ingest must resolve the document by path, not by last insert.
	otherPath := filepath.Join(dir, "billing.md")
	otherContent := "# Invoices\nInvoices go out on the first of the month.\n\n# Late fees\nLate fees apply after thirty days.\n"
	if err := os.WriteFile(otherPath, []byte(otherContent), 0o644); err != nil {
		t.Fatal(err)
	}
	otherID, _, err := ing.Ingest(ctx, otherPath, "")
	if err != nil {
		t.Fatalf("ingesting second document: %v", err)
	}

	extra := samplePolicy + "\n# Warranty\nOne year limited warranty on all hardware.\n"
	if err := os.WriteFile(path, []byte(extra), 0o644); err != nil {
		t.Fatal(err)
	}
	changed, err = ing.Update(ctx, path)
	if err != nil {
		t.Fatalf("update changed: %v", err)
	}
	if !changed {
		t.Error("changed file not re-indexed")
	}

	doc, err := s.GetDocumentByPath(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	if doc.ID != docID {
		t.Fatalf("document id changed on re-ingest: %d -> %d", docID, doc.ID)
	}
	chunks, err := s.GetChunksByDocument(ctx, docID)
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 3 {
		t.Errorf("chunks after update = %d, want 3", len(chunks))
	}
	otherChunks, err := s.GetChunksByDocument(ctx, otherID)
	if err != nil {
		t.Fatal(err)
	}
	if len(otherChunks) != 2 {
		t.Errorf("re-ingest disturbed another document's chunks: %d, want 2", len(otherChunks))
	}
}

func TestUpdateUnknownDocument(t *testing.T) {
	ing, _, _ := newTestIngestor(t)
	path := writeFile(t, "never-ingested.md", "# A\ncontent\n")
	if _, err := ing.Update(context.Background(), path); err == nil {
		t.Fatal("expected error for never-ingested document")
	}
}

func writeWorkbook(t *testing.T, rows [][]any) string {
	t.Helper()
	f := excelize.NewFile()
	sheet := f.GetSheetName(0)
	for i, row := range rows {
		cellRef, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			t.Fatal(err)
		}
		if err := f.SetSheetRow(sheet, cellRef, &row); err != nil {
			t.Fatal(err)
		}
	}
	path := filepath.Join(t.TempDir(), "resolved.xlsx")
	if err := f.SaveAs(path); err != nil {
		t.Fatalf("saving workbook: %v", err)
	}
	return path
}

func TestImportResolvedCases(t *testing.T) {
	ing, s, _ := newTestIngestor(t)
	ctx := context.Background()

	path := writeWorkbook(t, [][]any{
		{"Ticket_ID", "Issue", "Resolution", "Category"},
		{"TKT_0001", "VPN keeps disconnecting", "Reinstalled the VPN client", "Network"},
		{"TKT_0002", "", "orphan resolution", "Network"}, // skipped: no issue
		{"TKT_0003", "Printer offline", "Cleared the print spooler", "Hardware"},
	})

	n, err := ing.ImportResolvedCases(ctx, path)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if n != 2 {
		t.Errorf("imported = %d, want 2", n)
	}

	doc, err := s.GetDocumentByPath(ctx, path)
	if err != nil {
		t.Fatalf("get document: %v", err)
	}
	if doc.SourceKind != store.SourceResolvedCase || doc.Format != "xlsx" || doc.Status != "ready" {
		t.Errorf("unexpected document: %+v", doc)
	}

	chunks, err := s.GetChunksByDocument(ctx, doc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 2 {
		t.Fatalf("chunks = %d", len(chunks))
	}
	if chunks[0].Ref != "TKT_0001" || chunks[0].Heading != "Network" {
		t.Errorf("chunk 0 = %+v", chunks[0])
	}
	if chunks[0].SourceKind != store.SourceResolvedCase {
		t.Errorf("source kind = %q", chunks[0].SourceKind)
	}

	// Unchanged workbook is skipped on re-import.
	n, err = ing.ImportResolvedCases(ctx, path)
	if err != nil {
		t.Fatalf("re-import: %v", err)
	}
	if n != 0 {
		t.Errorf("unchanged workbook re-imported %d cases", n)
	}
}

func TestImportResolvedCasesMissingColumns(t *testing.T) {
	ing, _, _ := newTestIngestor(t)
	path := writeWorkbook(t, [][]any{
		{"Ticket_ID", "Summary"},
		{"TKT_0001", "no issue or resolution columns"},
	})
	_, err := ing.ImportResolvedCases(context.Background(), path)
	if !errors.Is(err, ErrParsingFailed) {
		t.Fatalf("err = %v, want ErrParsingFailed", err)
	}
}
