package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/localkb/localkb/internal/meta"
	"github.com/localkb/localkb/internal/query"
)

const apiKeyEnv = "LOCALKB_API_KEY"

func newVectorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vector",
		Short: "Build and query the semantic vector index",
	}
	cmd.AddCommand(newVectorBuildCmd())
	cmd.AddCommand(newVectorResumeCmd())
	cmd.AddCommand(newVectorRebuildCmd())
	cmd.AddCommand(newVectorConfigCmd())
	cmd.AddCommand(newVectorSearchCmd())
	return cmd
}

// resolveAPIKey prefers the flag and falls back to the environment. The key
// only ever travels to the worker over the socket; it is not written anywhere.
func resolveAPIKey(flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	if v := os.Getenv(apiKeyEnv); v != "" {
		return v, nil
	}
	return "", fmt.Errorf("no API key: pass --api-key or set %s", apiKeyEnv)
}

func newVectorBuildCmd() *cobra.Command {
	var (
		providerID string
		model      string
		apiKey     string
		baseURL    string
	)

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Start or resume embedding all chunks into the vector index",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := resolveAPIKey(apiKey)
			if err != nil {
				return err
			}

			client, err := dialWorker()
			if err != nil {
				return err
			}
			defer client.Close()

			params := map[string]any{
				"kbId":       kbID,
				"providerId": providerID,
				"model":      model,
				"apiKey":     key,
			}
			if baseURL != "" {
				params["baseUrl"] = baseURL
			}
			var result struct {
				JobID string `json:"jobId"`
			}
			if err := client.CallInto(cmd.Context(), "kb.buildVectorIndex", params, &result); err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(result)
			}
			fmt.Printf("vector build job %s started\n", result.JobID)
			return nil
		},
	}

	cmd.Flags().StringVar(&providerID, "provider", "openai", "embedding provider id")
	cmd.Flags().StringVar(&model, "model", "text-embedding-3-small", "embedding model")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "embedding API key (overrides "+apiKeyEnv+")")
	cmd.Flags().StringVar(&baseURL, "base-url", "", "override the embedding endpoint base URL")
	return cmd
}

func newVectorResumeCmd() *cobra.Command {
	var (
		apiKey  string
		baseURL string
	)

	cmd := &cobra.Command{
		Use:   "resume <jobId>",
		Short: "Resume a paused vector build with fresh credentials",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := resolveAPIKey(apiKey)
			if err != nil {
				return err
			}

			client, err := dialWorker()
			if err != nil {
				return err
			}
			defer client.Close()

			params := map[string]any{
				"kbId":   kbID,
				"jobId":  args[0],
				"apiKey": key,
			}
			if baseURL != "" {
				params["baseUrl"] = baseURL
			}
			if err := client.CallInto(cmd.Context(), "kb.resumeVectorIndex", params, nil); err != nil {
				return err
			}
			fmt.Printf("vector build job %s resumed\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&apiKey, "api-key", "", "embedding API key (overrides "+apiKeyEnv+")")
	cmd.Flags().StringVar(&baseURL, "base-url", "", "override the embedding endpoint base URL")
	return cmd
}

func newVectorRebuildCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "rebuild",
		Short: "Drop the vector index so it can be rebuilt from scratch",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("rebuild destroys the vector index; rerun with --yes to confirm")
			}

			client, err := dialWorker()
			if err != nil {
				return err
			}
			defer client.Close()

			params := map[string]any{"kbId": kbID, "confirmed": true}
			if err := client.CallInto(cmd.Context(), "kb.rebuildVectorIndex", params, nil); err != nil {
				return err
			}
			fmt.Println("vector index cleared; run 'localkb vector build' to rebuild it")
			return nil
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "confirm the rebuild")
	return cmd
}

func newVectorConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show the committed embedding configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dialWorker()
			if err != nil {
				return err
			}
			defer client.Close()

			var result struct {
				Config *meta.VectorConfig `json:"config"`
			}
			if err := client.CallInto(cmd.Context(), "kb.getVectorConfig", map[string]string{"kbId": kbID}, &result); err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(result)
			}
			if result.Config == nil {
				fmt.Println("vector index has not been built")
				return nil
			}
			fmt.Printf("provider:  %s\n", result.Config.ProviderID)
			fmt.Printf("model:     %s\n", result.Config.Model)
			fmt.Printf("dimension: %d\n", result.Config.Dimension)
			return nil
		},
	}
}

func newVectorSearchCmd() *cobra.Command {
	var (
		providerID string
		model      string
		apiKey     string
		baseURL    string
		topK       int
	)

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search by meaning using the vector index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := resolveAPIKey(apiKey)
			if err != nil {
				return err
			}

			client, err := dialWorker()
			if err != nil {
				return err
			}
			defer client.Close()

			params := map[string]any{
				"kbId":   kbID,
				"query":  args[0],
				"topK":   topK,
				"apiKey": key,
			}
			if providerID != "" {
				params["providerId"] = providerID
			}
			if model != "" {
				params["model"] = model
			}
			if baseURL != "" {
				params["baseUrl"] = baseURL
			}
			var result struct {
				Hits []query.SemanticHit `json:"hits"`
			}
			if err := client.CallInto(cmd.Context(), "kb.semanticSearch", params, &result); err != nil {
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
				distance := "n/a"
				if h.Distance != nil {
					distance = fmt.Sprintf("%.4f", *h.Distance)
				}
				fmt.Printf("%2d. %s (distance %s)\n", i+1, h.DocumentTitle, distance)
				fmt.Printf("    %s\n", strings.ReplaceAll(h.Content, "\n", " "))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&providerID, "provider", "", "embedding provider id (defaults to the built config)")
	cmd.Flags().StringVar(&model, "model", "", "embedding model (defaults to the built config)")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "embedding API key (overrides "+apiKeyEnv+")")
	cmd.Flags().StringVar(&baseURL, "base-url", "", "override the embedding endpoint base URL")
	cmd.Flags().IntVarP(&topK, "top-k", "k", query.DefaultTopK, "number of results")
	return cmd
}
