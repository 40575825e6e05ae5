package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/localkb/localkb/internal/meta"
)

func newDocsCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "docs",
		Short: "List and remove documents",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dialWorker()
			if err != nil {
				return err
			}
			defer client.Close()

			params := map[string]any{"kbId": kbID, "limit": limit}
			var result struct {
				Documents []*meta.Document `json:"documents"`
			}
			if err := client.CallInto(cmd.Context(), "kb.listDocuments", params, &result); err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(result)
			}
			if len(result.Documents) == 0 {
				fmt.Println("no documents")
				return nil
			}
			for _, d := range result.Documents {
				updated := time.UnixMilli(d.UpdatedAt).Format(time.RFC3339)
				fmt.Printf("%s  %-6s  %-8d  %s  %s\n", d.ID, d.Kind, d.SizeBytes, updated, d.Title)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum documents to list")
	cmd.AddCommand(newDocsRmCmd())
	return cmd
}

func newDocsRmCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "rm <documentId>",
		Short: "Delete a document, its chunks, and its stored content",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("deleting a document cannot be undone; rerun with --yes to confirm")
			}

			client, err := dialWorker()
			if err != nil {
				return err
			}
			defer client.Close()

			params := map[string]any{
				"kbId":       kbID,
				"documentId": args[0],
				"confirmed":  true,
			}
			if err := client.CallInto(cmd.Context(), "kb.deleteDocument", params, nil); err != nil {
				return err
			}
			fmt.Printf("deleted document %s\n", args[0])
			return nil
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "confirm the deletion")
	return cmd
}
