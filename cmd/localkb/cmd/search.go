package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/localkb/localkb/internal/meta"
)

func newSearchCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Keyword search over a knowledge base",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dialWorker()
			if err != nil {
				return err
			}
			defer client.Close()

			var result struct {
				Hits []meta.SearchHit `json:"hits"`
			}
			params := map[string]any{"kbId": kbID, "query": args[0], "limit": limit}
			if err := client.CallInto(cmd.Context(), "kb.search", params, &result); err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(result)
			}
			if len(result.Hits) == 0 {
				fmt.Println("no results")
				return nil
			}
			for i, h := range result.Hits {
				snippet := strings.ReplaceAll(h.Snippet, "\n", " ")
				fmt.Printf("%2d. %s (%s, score %.2f)\n    %s\n", i+1, h.DocumentTitle, h.DocumentKind, h.Score, snippet)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "Maximum number of results")
	return cmd
}
