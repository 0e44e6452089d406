// Package drafter calls the generative model to produce candidate answers
// with citations for human review.
package drafter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/supportloop/draftdesk/llm"
	"github.com/supportloop/draftdesk/store"
)

// ErrGenerationFailed is returned when the model call fails or keeps
// producing unusable output after bounded retries. The failure is always
// surfaced; the owning query stays pending and can be retried.
var ErrGenerationFailed = errors.New("drafter: draft generation failed")

// Config holds drafter configuration.
type Config struct {
	MaxContextChars int           // prompt context budget, default 12000
	MaxTokens       int           // completion cap, default 1024
	Temperature     float64       // default 0.2
	MaxAttempts     int           // bounded retries for transient failures, default 3
	Timeout         time.Duration // per-generation bound, default 2m
}

// Drafter produces draft responses from a query and its retrieved context.
type Drafter struct {
	chat llm.Provider
	cfg  Config
}

// New creates a Drafter. Zero-value config fields get defaults.
func New(chat llm.Provider, cfg Config) *Drafter {
	if cfg.MaxContextChars == 0 {
		cfg.MaxContextChars = 12000
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 1024
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.2
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 2 * time.Minute
	}
	return &Drafter{chat: chat, cfg: cfg}
}

// draftOutput is the structured response requested from the model.
type draftOutput struct {
	Reply             string  `json:"reply"`
	Tone              string  `json:"tone"`
	Confidence        float64 `json:"confidence"`
	UsedPolicy        string  `json:"used_policy"`
	UsedReferenceCase string  `json:"used_reference_case"`
}

// Draft generates a candidate answer for the query from the ranked retrieval
// results. Citations contain exactly the chunk ids that fit the prompt
// budget. The returned draft carries no ID or CaseID; the ledger assigns
// those when it takes ownership.
func (d *Drafter) Draft(ctx context.Context, q store.Query, results []store.RetrievalResult) (*store.Draft, error) {
	prompt, included := BuildPrompt(q, results, d.cfg.MaxContextChars)

	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	var lastErr error
	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := time.Duration(1<<(attempt-2)) * time.Second
			slog.Warn("drafter: retrying generation",
				"case_id", q.ID, "attempt", attempt, "delay", delay, "error", lastErr)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", ErrGenerationFailed, ctx.Err())
			}
		}

		start := time.Now()
		resp, err := d.chat.Chat(ctx, llm.ChatRequest{
			Messages: []llm.Message{
				{Role: "system", Content: systemPrompt},
				{Role: "user", Content: prompt},
			},
			Temperature:    d.cfg.Temperature,
			MaxTokens:      d.cfg.MaxTokens,
			ResponseFormat: "json_object",
		})
		if err != nil {
			lastErr = err
			continue
		}

		var out draftOutput
		if err := json.Unmarshal([]byte(extractJSON(resp.Content)), &out); err != nil {
			lastErr = fmt.Errorf("decoding draft output: %w", err)
			continue
		}
		if strings.TrimSpace(out.Reply) == "" {
			lastErr = fmt.Errorf("model returned empty reply")
			continue
		}

		slog.Info("drafter: draft generated",
			"case_id", q.ID,
			"citations", len(included),
			"confidence", out.Confidence,
			"tokens", resp.TotalTokens,
			"elapsed", time.Since(start).Round(time.Millisecond))

		return &store.Draft{
			Text:              out.Reply,
			Tone:              normalizeTone(out.Tone),
			Confidence:        clampConfidence(out.Confidence),
			Citations:         included,
			UsedPolicy:        out.UsedPolicy,
			UsedReferenceCase: out.UsedReferenceCase,
			ModelIdentifier:   resp.Model,
			Author:            "model",
			GeneratedAt:       time.Now().UTC(),
		}, nil
	}

	return nil, fmt.Errorf("%w after %d attempts: %v", ErrGenerationFailed, d.cfg.MaxAttempts, lastErr)
}

// Rephrase rewrites text to be more polite and professional without changing
// its meaning. Reviewers use it to polish a draft before an edit.
func (d *Drafter) Rephrase(ctx context.Context, text string, temperature float64) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("text must not be empty")
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	resp, err := d.chat.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: "system", Content: rephraseSystemPrompt},
			{Role: "user", Content: text},
		},
		Temperature: temperature,
		MaxTokens:   d.cfg.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}
	out := strings.TrimSpace(resp.Content)
	if out == "" {
		return "", fmt.Errorf("%w: model returned empty rephrasing", ErrGenerationFailed)
	}
	return out, nil
}

func normalizeTone(tone string) string {
	switch t := strings.ToLower(strings.TrimSpace(tone)); t {
	case "polite", "neutral", "apologetic":
		return t
	default:
		return "neutral"
	}
}

func clampConfidence(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}
