package kb

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"strings"

	"github.com/supportloop/draftdesk/store"
)

// ChunkConfig controls how parsed sections are split into store chunks.
type ChunkConfig struct {
	MaxTokens int // maximum estimated tokens per chunk
	Overlap   int // token overlap between consecutive fragments
}

func (c ChunkConfig) withDefaults() ChunkConfig {
	if c.MaxTokens == 0 {
		c.MaxTokens = 512
	}
	if c.Overlap == 0 {
		c.Overlap = 64
	}
	return c
}

// chunkSections converts parsed sections into store-ready chunks. Position
// indices are assigned in document order; database ids are assigned on
// insert.
func chunkSections(sections []Section, sourceKind string, cfg ChunkConfig) []store.Chunk {
	cfg = cfg.withDefaults()
	var chunks []store.Chunk
	pos := 0
	for _, sec := range sections {
		for _, frag := range splitContent(sec.Content, cfg) {
			chunks = append(chunks, store.Chunk{
				Content:       frag,
				SourceKind:    sourceKind,
				Heading:       sec.Heading,
				Ref:           sec.Ref,
				PositionInDoc: pos,
				TokenCount:    estimateTokens(frag),
				ContentHash:   contentHash(frag),
			})
			pos++
		}
	}
	return chunks
}

// splitContent breaks long text into fragments that each fit within
// MaxTokens, splitting at paragraph and then sentence boundaries.
// Consecutive fragments share an overlap of cfg.Overlap tokens worth of
// trailing text from the previous fragment.
func splitContent(text string, cfg ChunkConfig) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if estimateTokens(text) <= cfg.MaxTokens {
		return []string{text}
	}

	paragraphs := splitParagraphs(text)
	var fragments []string
	var current strings.Builder
	currentTokens := 0
	overlapText := ""

	for _, para := range paragraphs {
		paraTokens := estimateTokens(para)

		// A single oversized paragraph is split at sentence boundaries.
		if paraTokens > cfg.MaxTokens {
			if current.Len() > 0 {
				fragments = append(fragments, strings.TrimSpace(current.String()))
				overlapText = extractOverlap(current.String(), cfg.Overlap)
				current.Reset()
				currentTokens = 0
			}
			sentenceFragments := splitBySentences(para, overlapText, cfg)
			fragments = append(fragments, sentenceFragments...)
			if len(sentenceFragments) > 0 {
				overlapText = extractOverlap(sentenceFragments[len(sentenceFragments)-1], cfg.Overlap)
			}
			continue
		}

		if currentTokens+paraTokens > cfg.MaxTokens && current.Len() > 0 {
			fragments = append(fragments, strings.TrimSpace(current.String()))
			overlapText = extractOverlap(current.String(), cfg.Overlap)
			current.Reset()
			currentTokens = 0
			if overlapText != "" {
				current.WriteString(overlapText)
				current.WriteString("\n\n")
				currentTokens = estimateTokens(overlapText)
			}
		}

		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(para)
		currentTokens += paraTokens
	}

	if current.Len() > 0 {
		fragments = append(fragments, strings.TrimSpace(current.String()))
	}
	return fragments
}

func splitBySentences(text, initialOverlap string, cfg ChunkConfig) []string {
	sentences := splitSentences(text)
	var fragments []string
	var current strings.Builder
	currentTokens := 0

	if initialOverlap != "" {
		current.WriteString(initialOverlap)
		current.WriteString(" ")
		currentTokens = estimateTokens(initialOverlap)
	}

	for _, sent := range sentences {
		sentTokens := estimateTokens(sent)
		if currentTokens+sentTokens > cfg.MaxTokens && current.Len() > 0 {
			fragments = append(fragments, strings.TrimSpace(current.String()))
			overlap := extractOverlap(current.String(), cfg.Overlap)
			current.Reset()
			currentTokens = 0
			if overlap != "" {
				current.WriteString(overlap)
				current.WriteString(" ")
				currentTokens = estimateTokens(overlap)
			}
		}
		if current.Len() > 0 {
			current.WriteString(" ")
		}
		current.WriteString(sent)
		currentTokens += sentTokens
	}

	if current.Len() > 0 {
		fragments = append(fragments, strings.TrimSpace(current.String()))
	}
	return fragments
}

// estimateTokens approximates the token count of text using a simple
// word-based heuristic: tokens ~ words * 1.3.
func estimateTokens(text string) int {
	words := len(strings.Fields(text))
	return int(math.Ceil(float64(words) * 1.3))
}

func splitParagraphs(text string) []string {
	raw := strings.Split(text, "\n\n")
	out := make([]string, 0, len(raw))
	for _, p := range raw {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// splitSentences splits on period/question-mark/exclamation followed by
// whitespace or end of string.
func splitSentences(text string) []string {
	var sentences []string
	var cur strings.Builder

	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		cur.WriteRune(runes[i])
		if runes[i] == '.' || runes[i] == '?' || runes[i] == '!' {
			if i+1 >= len(runes) || runes[i+1] == ' ' || runes[i+1] == '\n' || runes[i+1] == '\t' {
				s := strings.TrimSpace(cur.String())
				if s != "" {
					sentences = append(sentences, s)
				}
				cur.Reset()
			}
		}
	}
	if s := strings.TrimSpace(cur.String()); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}

// extractOverlap returns the trailing portion of text whose estimated token
// count is at most maxTokens. It works at the word level.
func extractOverlap(text string, maxTokens int) string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return ""
	}
	maxWords := int(float64(maxTokens) / 1.3)
	if maxWords > len(words) {
		maxWords = len(words)
	}
	if maxWords == 0 {
		return ""
	}
	return strings.Join(words[len(words)-maxWords:], " ")
}

func contentHash(text string) string {
	h := sha256.Sum256([]byte(text))
	return hex.EncodeToString(h[:])
}
