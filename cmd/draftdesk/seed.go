package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/supportloop/draftdesk/ledger"
	"github.com/supportloop/draftdesk/store"
)

// seedCmd fills the database with sample cases in every lifecycle stage so
// dashboards and review flows can be exercised without an LLM.
var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Generate sample cases for demos and manual testing",
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, err := openEngine()
		if err != nil {
			return err
		}
		defer engine.Close()

		n, err := seedSampleCases(cmd.Context(), engine.Store())
		if err != nil {
			return err
		}
		fmt.Printf("%d sample cases created\n", n)
		return nil
	},
}

func seedSampleCases(ctx context.Context, s *store.Store) (int, error) {
	led := ledger.New(s, nil)
	baseTime := time.Now().UTC().Add(-24 * time.Hour)
	total := 0

	submit := func(text, category, priority string, offset time.Duration) (store.Query, error) {
		q := store.Query{
			ID:          uuid.NewString(),
			Text:        text,
			Submitter:   "seed",
			Category:    category,
			Priority:    priority,
			SubmittedAt: baseTime.Add(offset),
		}
		return q, s.CreateQuery(ctx, q)
	}

	draft := func(q store.Query, text string, confidence float64) (*store.Case, error) {
		return led.CreateCase(ctx, q, store.Draft{
			Text:            text,
			Tone:            "polite",
			Confidence:      confidence,
			Citations:       []int64{},
			ModelIdentifier: "seed",
			GeneratedAt:     q.SubmittedAt.Add(time.Minute),
		})
	}

	// Pending: submitted queries with no draft yet.
	for i := 1; i <= 5; i++ {
		_, err := submit(
			fmt.Sprintf("Network connectivity issue reported by user %d", i),
			"Technical", "medium", time.Duration(i)*10*time.Minute)
		if err != nil {
			return total, err
		}
		total++
	}

	// Drafted: awaiting review.
	for i := 1; i <= 5; i++ {
		q, err := submit(
			fmt.Sprintf("Request for account upgrade - Tier %d", i),
			"Billing", "high", time.Duration(i)*12*time.Minute)
		if err != nil {
			return total, err
		}
		if _, err := draft(q, "Your account upgrade request has been processed successfully.", 0.88); err != nil {
			return total, err
		}
		total++
	}

	// Resolved: approved and finalized.
	for i := 1; i <= 5; i++ {
		q, err := submit(
			fmt.Sprintf("Hardware failure report #%d", i),
			"Hardware", "medium", time.Duration(i)*15*time.Minute)
		if err != nil {
			return total, err
		}
		c, err := draft(q, "We have processed your replacement. Your tracking ID is XYZ.", 0.95)
		if err != nil {
			return total, err
		}
		steps := []ledger.Command{
			{CaseID: c.ID, Event: ledger.EventOpenReview, ExpectVersion: 1, Actor: "seed-reviewer"},
			{CaseID: c.ID, Event: ledger.EventApprove, ExpectVersion: 2, Actor: "seed-reviewer"},
			{CaseID: c.ID, Event: ledger.EventFinalize, ExpectVersion: 3, Actor: "seed-reviewer"},
		}
		for _, cmd := range steps {
			if _, err := led.Apply(ctx, cmd); err != nil {
				return total, err
			}
		}
		total++
	}

	// Escalated: low-confidence drafts a reviewer handed to specialists.
	for i := 1; i <= 5; i++ {
		q, err := submit(
			fmt.Sprintf("Urgent security breach or payment failure reported by VIP user %d", i),
			"Security", "critical", time.Duration(i)*8*time.Minute)
		if err != nil {
			return total, err
		}
		c, err := draft(q, "A senior manager is reviewing your case.", 0.65)
		if err != nil {
			return total, err
		}
		steps := []ledger.Command{
			{CaseID: c.ID, Event: ledger.EventOpenReview, ExpectVersion: 1, Actor: "seed-reviewer"},
			{CaseID: c.ID, Event: ledger.EventEscalate, ExpectVersion: 2, Actor: "seed-reviewer",
				Note: "High priority / complexity"},
			{CaseID: c.ID, Event: ledger.EventAttachIssue, ExpectVersion: 3, Actor: "system",
				IssueRef: fmt.Sprintf("ESC-%04d", i)},
		}
		for _, cmd := range steps {
			if _, err := led.Apply(ctx, cmd); err != nil {
				return total, err
			}
		}
		total++
	}

	return total, nil
}

func init() {
	rootCmd.AddCommand(seedCmd)
}
