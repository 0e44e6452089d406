package main

import (
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:   "watch [directory]",
	Short: "Re-ingest knowledge documents when they change on disk",
	Long: "Watch a directory and re-ingest documents as they are created or modified.\n" +
		"Only supported formats (md, txt, pdf) are picked up. Writes are debounced\n" +
		"so editors that save in multiple steps trigger a single re-ingest.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, err := openEngine()
		if err != nil {
			return err
		}
		defer engine.Close()

		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return err
		}
		defer watcher.Close()

		dir := args[0]
		if err := watcher.Add(dir); err != nil {
			return err
		}
		slog.Info("watching for document changes", "dir", dir)

		done := make(chan os.Signal, 1)
		signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)

		// Debounce per path: editors often emit several writes per save.
		const settle = 500 * time.Millisecond
		pending := map[string]time.Time{}
		ticker := time.NewTicker(settle)
		defer ticker.Stop()

		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return nil
				}
				if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
					continue
				}
				if !watchableFormat(event.Name) {
					continue
				}
				pending[event.Name] = time.Now()

			case err, ok := <-watcher.Errors:
				if !ok {
					return nil
				}
				slog.Warn("watch error", "error", err)

			case now := <-ticker.C:
				for path, last := range pending {
					if now.Sub(last) < settle {
						continue
					}
					delete(pending, path)

					if _, err := os.Stat(path); err != nil {
						continue
					}
					docID, chunks, err := engine.IngestDocument(cmd.Context(), path, ingestKind)
					if err != nil {
						slog.Warn("re-ingest failed", "path", path, "error", err)
						continue
					}
					if chunks > 0 {
						slog.Info("document re-ingested", "path", path, "document_id", docID, "chunks", chunks)
					}
				}

			case <-done:
				slog.Info("watch stopped")
				return nil
			}
		}
	},
}

func watchableFormat(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".markdown", ".txt", ".pdf":
		return true
	default:
		return false
	}
}

func init() {
	rootCmd.AddCommand(watchCmd)
}
