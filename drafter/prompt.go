package drafter

import (
	"fmt"
	"strings"

	"github.com/supportloop/draftdesk/store"
)

const systemPrompt = `You are a professional customer support agent. Draft a safe, policy-compliant response for a human support agent to review.

Rules:
- Follow the provided policy excerpts strictly.
- Use previously resolved cases only as reference, never as guarantees.
- Do NOT make promises outside the policy.
- Do NOT mention internal processes or timelines unless stated in the policy.
- Maintain a professional and calm tone at all times.

Respond with a JSON object containing exactly these fields:
{
  "reply": "the drafted response text",
  "tone": "polite | neutral | apologetic",
  "confidence": 0.0 to 1.0,
  "used_policy": "heading of the policy excerpt relied on, or null",
  "used_reference_case": "ref of the resolved case used as reference, or null"
}`

const rephraseSystemPrompt = `Rephrase the given text to make it more polite and professional. The meaning of the text must remain unchanged. Respond with the rephrased text only.`

// BuildPrompt assembles the user prompt from the query and the ranked
// retrieval results, bounded by budget characters of chunk content. Chunks
// are included in rank order; once the budget is exhausted the remaining
// (lower-similarity) chunks are dropped. It returns the prompt and the ids
// of the chunks actually included — the provenance record a reviewer checks.
//
// The function is pure: same query, same ranked results, same budget, same
// output. The budget is a conservative character estimate, independent of
// any specific model's tokenizer.
func BuildPrompt(q store.Query, results []store.RetrievalResult, budget int) (string, []int64) {
	var policies, pastCases []store.RetrievalResult
	used := 0
	included := []int64{}

	for _, r := range results {
		if used+len(r.Content) > budget {
			break
		}
		used += len(r.Content)
		included = append(included, r.ChunkID)
		switch r.SourceKind {
		case store.SourceResolvedCase:
			pastCases = append(pastCases, r)
		default:
			policies = append(policies, r)
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Case id: %s\n\n", q.ID)
	fmt.Fprintf(&b, "Customer issue:\n%s\n", q.Text)
	if q.Category != "" {
		fmt.Fprintf(&b, "\nCategory: %s\n", q.Category)
	}
	if q.Priority != "" {
		fmt.Fprintf(&b, "Priority: %s\n", q.Priority)
	}

	b.WriteString("\nRelevant policy excerpts:\n")
	if len(policies) == 0 {
		b.WriteString("No specific policy provided.\n")
	}
	for _, p := range policies {
		heading := p.Heading
		if heading == "" {
			heading = p.Filename
		}
		fmt.Fprintf(&b, "[chunk %d] %s\n%s\n\n", p.ChunkID, heading, p.Content)
	}

	b.WriteString("\nPreviously resolved cases (for reference only):\n")
	if len(pastCases) == 0 {
		b.WriteString("No previous records found.\n")
	}
	for _, c := range pastCases {
		ref := c.Ref
		if ref == "" {
			ref = fmt.Sprintf("chunk %d", c.ChunkID)
		}
		fmt.Fprintf(&b, "[chunk %d] %s\n%s\n\n", c.ChunkID, ref, c.Content)
	}

	return b.String(), included
}

// extractJSON strips markdown code fences that some models wrap around
// JSON-mode output.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if idx := strings.LastIndex(s, "```"); idx >= 0 {
			s = s[:idx]
		}
	}
	return strings.TrimSpace(s)
}
