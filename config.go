package draftdesk

import (
	"os"
	"path/filepath"
)

// Config holds all configuration for the DraftDesk engine.
type Config struct {
	// DBPath is the full path to the SQLite database file.
	// If empty, defaults to ~/.draftdesk/<DBName>.db
	DBPath string `json:"db_path" yaml:"db_path"`

	// DBName is the name for the database (used when DBPath is empty).
	// Defaults to "draftdesk".
	DBName string `json:"db_name" yaml:"db_name"`

	// StorageDir controls where the database is created when DBPath is not
	// explicitly set. Options: "home" (default) uses ~/.draftdesk/,
	// "local" uses the current working directory.
	StorageDir string `json:"storage_dir" yaml:"storage_dir"`

	// LLM providers
	Chat      LLMConfig `json:"chat" yaml:"chat"`
	Embedding LLMConfig `json:"embedding" yaml:"embedding"`

	// Retrieval
	RetrieveK int `json:"retrieve_k" yaml:"retrieve_k"` // chunks per drafting query

	// Drafting
	MaxContextChars int  `json:"max_context_chars" yaml:"max_context_chars"` // prompt assembly budget
	DraftAttempts   int  `json:"draft_attempts" yaml:"draft_attempts"`       // bounded generation retries
	AllowUngrounded bool `json:"allow_ungrounded" yaml:"allow_ungrounded"`   // draft without knowledge when the store is empty

	// Chunking
	MaxChunkTokens int `json:"max_chunk_tokens" yaml:"max_chunk_tokens"`
	ChunkOverlap   int `json:"chunk_overlap" yaml:"chunk_overlap"`

	// Escalation
	Escalation EscalationConfig `json:"escalation" yaml:"escalation"`

	// Embedding dimensions (must match model)
	EmbeddingDim int `json:"embedding_dim" yaml:"embedding_dim"`
}

// LLMConfig configures a single LLM provider endpoint.
type LLMConfig struct {
	Provider string `json:"provider" yaml:"provider"` // ollama, lmstudio, openai, openrouter, groq, custom
	Model    string `json:"model" yaml:"model"`
	BaseURL  string `json:"base_url" yaml:"base_url"`
	APIKey   string `json:"api_key" yaml:"api_key"`
}

// EscalationConfig configures the external issue sink.
type EscalationConfig struct {
	WebhookURL     string `json:"webhook_url" yaml:"webhook_url"`
	Token          string `json:"token" yaml:"token"`
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds"`
	MaxAttempts    int    `json:"max_attempts" yaml:"max_attempts"`
}

// DefaultConfig returns a Config with sensible defaults for local inference.
// Database is stored in ~/.draftdesk/draftdesk.db by default.
func DefaultConfig() Config {
	return Config{
		DBName:     "draftdesk",
		StorageDir: "home",
		Chat: LLMConfig{
			Provider: "ollama",
			Model:    "llama3.1:8b",
			BaseURL:  "http://localhost:11434",
		},
		Embedding: LLMConfig{
			Provider: "ollama",
			Model:    "nomic-embed-text",
			BaseURL:  "http://localhost:11434",
		},
		RetrieveK:       6,
		MaxContextChars: 12000,
		DraftAttempts:   3,
		MaxChunkTokens:  512,
		ChunkOverlap:    64,
		Escalation: EscalationConfig{
			TimeoutSeconds: 15,
			MaxAttempts:    3,
		},
		EmbeddingDim: 768,
	}
}

// resolveDBPath computes the final database path from config fields.
func (c *Config) resolveDBPath() string {
	if c.DBPath != "" {
		return c.DBPath
	}

	name := c.DBName
	if name == "" {
		name = "draftdesk"
	}

	switch c.StorageDir {
	case "local", "cwd":
		return name + ".db"
	default: // "home" or empty
		home, err := os.UserHomeDir()
		if err != nil {
			return name + ".db" // fallback to cwd
		}
		return filepath.Join(home, ".draftdesk", name+".db")
	}
}
