package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the DraftDesk HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, err := openEngine()
		if err != nil {
			return err
		}
		defer engine.Close()

		apiKey := os.Getenv("DRAFTDESK_API_KEY")
		corsOrigins := os.Getenv("DRAFTDESK_CORS_ORIGINS")

		h := newHandler(engine)
		mux := http.NewServeMux()

		mux.HandleFunc("POST /queries", h.handleSubmitQuery)
		mux.HandleFunc("POST /queries/draft", h.handleDraftPending)
		mux.HandleFunc("DELETE /queries/{id}", h.handleWithdrawQuery)

		mux.HandleFunc("GET /cases", h.handleListCases)
		mux.HandleFunc("GET /cases/stats", h.handleCaseCounts)
		mux.HandleFunc("GET /cases/{id}", h.handleGetCase)
		mux.HandleFunc("GET /cases/{id}/audit", h.handleAuditCase)
		mux.HandleFunc("POST /cases/{id}/review", h.handleOpenReview)
		mux.HandleFunc("POST /cases/{id}/approve", h.handleApprove)
		mux.HandleFunc("POST /cases/{id}/edit", h.handleEdit)
		mux.HandleFunc("POST /cases/{id}/reject", h.handleReject)
		mux.HandleFunc("POST /cases/{id}/finalize", h.handleFinalize)
		mux.HandleFunc("POST /cases/{id}/escalate", h.handleEscalate)
		mux.HandleFunc("POST /cases/{id}/file-issue", h.handleFileIssue)
		mux.HandleFunc("POST /cases/{id}/resolve", h.handleResolveEscalated)

		mux.HandleFunc("POST /rephrase", h.handleRephrase)
		mux.HandleFunc("POST /ingest", h.handleIngest)
		mux.HandleFunc("POST /import-cases", h.handleImportCases)
		mux.HandleFunc("POST /update", h.handleUpdate)
		mux.HandleFunc("GET /documents", h.handleListDocuments)
		mux.HandleFunc("GET /health", h.handleHealth)

		// Middleware chain: recovery -> cors -> auth -> logging -> mux
		var handler http.Handler = mux
		handler = logMiddleware(handler)
		handler = authMiddleware(apiKey, handler)
		handler = corsMiddleware(corsOrigins, handler)
		handler = recoveryMiddleware(handler)

		srv := &http.Server{
			Addr:         serveAddr,
			Handler:      handler,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 0, // ingest requests can be long
			IdleTimeout:  120 * time.Second,
		}

		done := make(chan os.Signal, 1)
		signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)

		errCh := make(chan error, 1)
		go func() {
			slog.Info("server starting", "addr", serveAddr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()

		select {
		case err := <-errCh:
			return err
		case <-done:
		}
		slog.Info("shutting down server...")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
		slog.Info("server stopped")
		return nil
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8080", "Listen address")
	rootCmd.AddCommand(serveCmd)
}
