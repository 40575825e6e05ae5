package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/localkb/localkb/internal/job"
	"github.com/localkb/localkb/internal/meta"
)

func newImportCmd() *cobra.Command {
	var recursive bool
	var wait bool

	cmd := &cobra.Command{
		Use:   "import [paths...]",
		Short: "Import files or directories into a knowledge base",
		Long: `Enqueue an import job over the given files and directories.

Directories are expanded to their files; conventionally noisy directories
(node_modules, .git, ...) are skipped. Unchanged files are detected by
size and modification time and skipped without re-reading.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImport(cmd.Context(), args, recursive, wait)
		},
	}

	cmd.Flags().BoolVarP(&recursive, "recursive", "r", true, "Recurse into directories")
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "Wait for the job to finish")
	return cmd
}

func runImport(ctx context.Context, paths []string, recursive, wait bool) error {
	var files, dirs []string
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", p, err)
		}
		info, err := os.Stat(abs)
		if err != nil {
			return fmt.Errorf("stat %s: %w", p, err)
		}
		if info.IsDir() {
			dirs = append(dirs, abs)
		} else {
			files = append(files, abs)
		}
	}

	var sources []job.Source
	if len(files) > 0 {
		sources = append(sources, job.Source{Type: job.SourceFiles, Paths: files})
	}
	if len(dirs) > 0 {
		sources = append(sources, job.Source{Type: job.SourceDirectory, Paths: dirs, Recursive: &recursive})
	}

	client, err := dialWorker()
	if err != nil {
		return err
	}
	defer client.Close()

	var result struct {
		JobID string `json:"jobId"`
	}
	params := map[string]any{"kbId": kbID, "sources": sources}
	if err := client.CallInto(ctx, "kb.importFiles", params, &result); err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(result)
	}
	fmt.Printf("import job %s enqueued\n", result.JobID)
	if !wait {
		return nil
	}
	return waitForJob(ctx, result.JobID)
}

// waitForJob polls the job list until the job reaches a terminal state.
func waitForJob(ctx context.Context, jobID string) error {
	client, err := dialWorker()
	if err != nil {
		return err
	}
	defer client.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}

		var result struct {
			Jobs []*meta.Job `json:"jobs"`
		}
		if err := client.CallInto(ctx, "kb.listJobs", map[string]string{"kbId": kbID}, &result); err != nil {
			return err
		}
		for _, j := range result.Jobs {
			if j.ID != jobID {
				continue
			}
			fmt.Printf("\r%s: %d/%d", j.Status, j.ProgressCurrent, j.ProgressTotal)
			if j.Status.Terminal() {
				fmt.Println()
				if j.ErrorMessage != nil {
					return fmt.Errorf("job %s: %s", j.Status, *j.ErrorMessage)
				}
				return nil
			}
		}
	}
}
