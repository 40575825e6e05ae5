package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/localkb/localkb/internal/meta"
)

func newJobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List and control jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJobsList(cmd)
		},
	}

	cmd.AddCommand(newJobActionCmd("pause", "Pause a pending or processing job", "kb.pauseJob"))
	cmd.AddCommand(newJobActionCmd("resume", "Resume a paused import job", "kb.resumeJob"))
	cmd.AddCommand(newJobActionCmd("cancel", "Cancel a job and skip its remaining work", "kb.cancelJob"))
	return cmd
}

func runJobsList(cmd *cobra.Command) error {
	client, err := dialWorker()
	if err != nil {
		return err
	}
	defer client.Close()

	var result struct {
		Jobs []*meta.Job `json:"jobs"`
	}
	if err := client.CallInto(cmd.Context(), "kb.listJobs", map[string]string{"kbId": kbID}, &result); err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(result)
	}
	if len(result.Jobs) == 0 {
		fmt.Println("no jobs")
		return nil
	}
	for _, j := range result.Jobs {
		created := time.UnixMilli(j.CreatedAt).Format(time.RFC3339)
		fmt.Printf("%s  %-13s  %-10s  %d/%d  %s\n",
			j.ID, j.Type, j.Status, j.ProgressCurrent, j.ProgressTotal, created)
		if j.ErrorMessage != nil {
			fmt.Printf("    error: %s\n", *j.ErrorMessage)
		}
	}
	return nil
}

func newJobActionCmd(use, short, method string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <jobId>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dialWorker()
			if err != nil {
				return err
			}
			defer client.Close()

			params := map[string]string{"kbId": kbID, "jobId": args[0]}
			if err := client.CallInto(cmd.Context(), method, params, nil); err != nil {
				return err
			}
			fmt.Printf("job %s: %s requested\n", args[0], use)
			return nil
		},
	}
}
