package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/supportloop/draftdesk"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "draftdesk",
	Short: "AI-drafted support replies with human review",
	Long: "DraftDesk grounds customer queries on company policy and past resolutions,\n" +
		"drafts replies with an LLM, and walks every draft through a human review\n" +
		"ledger before anything is sent.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (JSON)")
}

// loadConfig builds the engine configuration: defaults, then the optional
// JSON config file, then environment overrides.
func loadConfig() (draftdesk.Config, error) {
	cfg := draftdesk.DefaultConfig()

	if configPath != "" {
		f, err := os.Open(configPath)
		if err != nil {
			return cfg, fmt.Errorf("opening config: %w", err)
		}
		defer f.Close()
		if err := json.NewDecoder(f).Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("parsing config: %w", err)
		}
	}

	// Override from environment variables.
	if v := os.Getenv("DRAFTDESK_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("DRAFTDESK_CHAT_PROVIDER"); v != "" {
		cfg.Chat.Provider = v
	}
	if v := os.Getenv("DRAFTDESK_CHAT_MODEL"); v != "" {
		cfg.Chat.Model = v
	}
	if v := os.Getenv("DRAFTDESK_CHAT_BASE_URL"); v != "" {
		cfg.Chat.BaseURL = v
	}
	if v := os.Getenv("DRAFTDESK_CHAT_API_KEY"); v != "" {
		cfg.Chat.APIKey = v
	}
	if v := os.Getenv("DRAFTDESK_EMBED_PROVIDER"); v != "" {
		cfg.Embedding.Provider = v
	}
	if v := os.Getenv("DRAFTDESK_EMBED_MODEL"); v != "" {
		cfg.Embedding.Model = v
	}
	if v := os.Getenv("DRAFTDESK_EMBED_BASE_URL"); v != "" {
		cfg.Embedding.BaseURL = v
	}
	if v := os.Getenv("DRAFTDESK_EMBED_API_KEY"); v != "" {
		cfg.Embedding.APIKey = v
	}
	if v := os.Getenv("DRAFTDESK_ESCALATION_URL"); v != "" {
		cfg.Escalation.WebhookURL = v
	}
	if v := os.Getenv("DRAFTDESK_ESCALATION_TOKEN"); v != "" {
		cfg.Escalation.Token = v
	}

	// Fallback: well-known provider env vars for API keys.
	if cfg.Chat.APIKey == "" {
		switch cfg.Chat.Provider {
		case "openai":
			cfg.Chat.APIKey = os.Getenv("OPENAI_API_KEY")
		case "groq":
			cfg.Chat.APIKey = os.Getenv("GROQ_API_KEY")
		}
	}
	if cfg.Embedding.APIKey == "" {
		switch cfg.Embedding.Provider {
		case "openai":
			cfg.Embedding.APIKey = os.Getenv("OPENAI_API_KEY")
		case "groq":
			cfg.Embedding.APIKey = os.Getenv("GROQ_API_KEY")
		}
	}

	return cfg, nil
}

func openEngine() (draftdesk.Engine, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return draftdesk.New(cfg)
}
