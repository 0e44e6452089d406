package kb

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/supportloop/draftdesk/store"
)

// ResolvedCase is one historical support resolution imported from a
// spreadsheet.
type ResolvedCase struct {
	TicketID   string
	Issue      string
	Resolution string
	Category   string
}

// ImportResolvedCases loads previously resolved support cases from an XLSX
// workbook into the store as resolved_case chunks. The first row of each
// sheet is a header; recognized columns are ticket_id, issue, resolution,
// and category (case-insensitive, order-free). Rows missing issue or
// resolution text are skipped. Returns the number of cases indexed.
func (i *Ingestor) ImportResolvedCases(ctx context.Context, path string) (int, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return 0, fmt.Errorf("resolving path: %w", err)
	}
	hash, err := fileHash(absPath)
	if err != nil {
		return 0, fmt.Errorf("hashing file: %w", err)
	}
	if existing, err := i.store.GetDocumentByPath(ctx, absPath); err == nil && existing.ContentHash == hash {
		i.log.Debug("kb: workbook unchanged, skipping", "path", absPath)
		return 0, nil
	}

	cases, err := readResolvedCases(absPath)
	if err != nil {
		return 0, err
	}
	if len(cases) == 0 {
		return 0, fmt.Errorf("%w: no resolved cases in %s", ErrParsingFailed, filepath.Base(absPath))
	}

	docID, err := i.store.UpsertDocument(ctx, store.Document{
		Path:        absPath,
		Filename:    filepath.Base(absPath),
		Format:      "xlsx",
		SourceKind:  store.SourceResolvedCase,
		ContentHash: hash,
		Status:      "processing",
	})
	if err != nil {
		return 0, fmt.Errorf("upserting document: %w", err)
	}

	chunks := make([]store.Chunk, 0, len(cases))
	for pos, rc := range cases {
		content := fmt.Sprintf("Issue: %s\nResolution: %s", rc.Issue, rc.Resolution)
		chunks = append(chunks, store.Chunk{
			Content:       content,
			SourceKind:    store.SourceResolvedCase,
			Heading:       rc.Category,
			Ref:           rc.TicketID,
			PositionInDoc: pos,
			TokenCount:    estimateTokens(content),
			ContentHash:   contentHash(content),
		})
	}

	count, err := i.index(ctx, docID, chunks)
	if err != nil {
		i.store.UpdateDocumentStatus(ctx, docID, "error")
		return 0, err
	}
	i.store.UpdateDocumentStatus(ctx, docID, "ready")
	i.log.Info("kb: imported resolved cases", "file", filepath.Base(absPath), "cases", count)
	return count, nil
}

func readResolvedCases(path string) ([]ResolvedCase, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("opening XLSX: %w", err)
	}
	defer f.Close()

	var cases []ResolvedCase
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil || len(rows) < 2 {
			continue
		}

		cols := map[string]int{}
		for idx, name := range rows[0] {
			key := strings.ToLower(strings.TrimSpace(name))
			key = strings.ReplaceAll(key, " ", "_")
			cols[key] = idx
		}
		issueCol, ok := cols["issue"]
		if !ok {
			continue
		}
		resolutionCol, ok := cols["resolution"]
		if !ok {
			continue
		}

		for _, row := range rows[1:] {
			rc := ResolvedCase{
				Issue:      cell(row, issueCol),
				Resolution: cell(row, resolutionCol),
			}
			if idx, ok := cols["ticket_id"]; ok {
				rc.TicketID = cell(row, idx)
			}
			if idx, ok := cols["category"]; ok {
				rc.Category = cell(row, idx)
			}
			if rc.Issue == "" || rc.Resolution == "" {
				continue
			}
			cases = append(cases, rc)
		}
	}
	return cases, nil
}

func cell(row []string, idx int) string {
	if idx < 0 || idx >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[idx])
}
