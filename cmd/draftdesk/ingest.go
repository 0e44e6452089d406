package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/supportloop/draftdesk/store"
)

var ingestKind string

var ingestCmd = &cobra.Command{
	Use:   "ingest [files...]",
	Short: "Load policy documents into the knowledge store",
	Long: "Parse, chunk, and embed one or more documents (markdown, plain text, PDF).\n" +
		"Files whose content has not changed since the last ingest are skipped.",
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, err := openEngine()
		if err != nil {
			return err
		}
		defer engine.Close()

		for _, path := range args {
			docID, chunks, err := engine.IngestDocument(cmd.Context(), path, ingestKind)
			if err != nil {
				return fmt.Errorf("ingesting %s: %w", path, err)
			}
			if chunks == 0 {
				fmt.Printf("%s: unchanged (document %d)\n", path, docID)
				continue
			}
			fmt.Printf("%s: %d chunks indexed (document %d)\n", path, chunks, docID)
		}
		return nil
	},
}

var importCasesCmd = &cobra.Command{
	Use:   "import-cases [workbook.xlsx]",
	Short: "Import previously resolved support cases from a spreadsheet",
	Long: "Load historical resolutions from an XLSX workbook. Each row needs issue and\n" +
		"resolution columns; ticket_id and category are optional. Imported cases are\n" +
		"offered to the drafter as reference material.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, err := openEngine()
		if err != nil {
			return err
		}
		defer engine.Close()

		count, err := engine.ImportResolvedCases(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("importing %s: %w", args[0], err)
		}
		fmt.Printf("%s: %d resolved cases imported\n", args[0], count)
		return nil
	},
}

func init() {
	ingestCmd.Flags().StringVar(&ingestKind, "kind", store.SourcePolicy,
		"Source kind: policy or resolved_case")
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(importCasesCmd)
}
