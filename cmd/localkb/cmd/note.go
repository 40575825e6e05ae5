package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

func newNoteCmd() *cobra.Command {
	var content string

	cmd := &cobra.Command{
		Use:   "note <title>",
		Short: "Create a note document",
		Long:  "Create a note document. Content comes from --content or, when the flag is omitted, from stdin.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := content
			if body == "" {
				data, err := io.ReadAll(os.Stdin)
				if err != nil {
					return fmt.Errorf("read stdin: %w", err)
				}
				body = strings.TrimSpace(string(data))
			}

			client, err := dialWorker()
			if err != nil {
				return err
			}
			defer client.Close()

			params := map[string]string{
				"kbId":    kbID,
				"title":   args[0],
				"content": body,
			}
			var result struct {
				DocumentID string `json:"documentId"`
			}
			if err := client.CallInto(cmd.Context(), "kb.createNote", params, &result); err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(result)
			}
			fmt.Printf("created note %s\n", result.DocumentID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&content, "content", "c", "", "note content (reads stdin when omitted)")
	return cmd
}
