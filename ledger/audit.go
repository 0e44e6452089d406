package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/supportloop/draftdesk/store"
)

// entryPayload is the canonical form of a history entry that gets hashed.
// EntryHash is excluded; PrevHash is included so each entry commits to the
// whole chain before it.
type entryPayload struct {
	CaseID     string `json:"case_id"`
	Seq        int    `json:"seq"`
	From       string `json:"from"`
	To         string `json:"to"`
	Actor      string `json:"actor"`
	Note       string `json:"note"`
	OccurredAt string `json:"occurred_at"`
	PrevHash   string `json:"prev_hash"`
}

// entryHash computes the RFC 8785 canonical-JSON sha256 digest of an entry.
func entryHash(e store.HistoryEntry) (string, error) {
	p := entryPayload{
		CaseID:     e.CaseID,
		Seq:        e.Seq,
		From:       e.From,
		To:         e.To,
		Actor:      e.Actor,
		Note:       e.Note,
		OccurredAt: e.OccurredAt.UTC().Format(time.RFC3339Nano),
		PrevHash:   e.PrevHash,
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("ledger: marshal history entry: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("ledger: canonicalize history entry: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// VerifyChain recomputes every hash in a case history and checks the links.
// Entries must be in seq order starting at 1. The audit also checks that each
// recorded edge exists in the transition table, that consecutive entries
// agree on the intermediate state, and that timestamps never go backwards.
func VerifyChain(entries []store.HistoryEntry) error {
	prev := ""
	for i, e := range entries {
		if e.Seq != i+1 {
			return fmt.Errorf("ledger: history gap at seq %d (got %d)", i+1, e.Seq)
		}
		if e.PrevHash != prev {
			return fmt.Errorf("ledger: broken chain at seq %d", e.Seq)
		}
		if !ValidEdge(Status(e.From), Status(e.To)) {
			return fmt.Errorf("ledger: history records impossible edge %s -> %s at seq %d", e.From, e.To, e.Seq)
		}
		if i > 0 && entries[i-1].To != e.From {
			return fmt.Errorf("ledger: history discontinuity at seq %d (%s != %s)", e.Seq, entries[i-1].To, e.From)
		}
		if i > 0 && e.OccurredAt.Before(entries[i-1].OccurredAt) {
			return fmt.Errorf("ledger: history time reversal at seq %d", e.Seq)
		}
		want, err := entryHash(e)
		if err != nil {
			return err
		}
		if e.EntryHash != want {
			return fmt.Errorf("ledger: tampered entry at seq %d", e.Seq)
		}
		prev = e.EntryHash
	}
	return nil
}
