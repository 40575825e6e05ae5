package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/localkb/localkb/internal/meta"
)

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show document, chunk, and job counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dialWorker()
			if err != nil {
				return err
			}
			defer client.Close()

			var stats meta.Stats
			if err := client.CallInto(cmd.Context(), "kb.getStats", map[string]string{"kbId": kbID}, &stats); err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(stats)
			}
			fmt.Printf("documents: %d\n", stats.Documents)
			fmt.Printf("chunks:    %d\n", stats.Chunks)
			fmt.Printf("jobs:      %d\n", stats.Jobs)
			return nil
		},
	}
}
