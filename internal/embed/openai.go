package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultBaseURL = "https://api.openai.com"

// OpenAIClient calls the /v1/embeddings endpoint of any OpenAI-compatible
// backend.
type OpenAIClient struct {
	client *http.Client
	url    string
	apiKey string
	model  string
}

// Verify interface implementation at compile time
var _ Embedder = (*OpenAIClient)(nil)

// HTTPError carries the status of a failed embedding request so callers can
// classify it for retry.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("embedding request failed: %d - %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("embedding request failed: %d", e.StatusCode)
}

// NewOpenAIClient creates a client for the given backend and model. An empty
// base URL targets api.openai.com.
func NewOpenAIClient(creds Credentials, model string, timeout time.Duration) (*OpenAIClient, error) {
	if creds.APIKey == "" {
		return nil, fmt.Errorf("embedding api key is empty")
	}
	if model == "" {
		return nil, fmt.Errorf("embedding model is empty")
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &OpenAIClient{
		client: &http.Client{Timeout: timeout},
		url:    embeddingsURL(creds.BaseURL),
		apiKey: creds.APIKey,
		model:  model,
	}, nil
}

// Model returns the model this client embeds with.
func (c *OpenAIClient) Model() string { return c.model }

// embeddingsURL normalizes a base URL into the embeddings endpoint. A base
// already ending in /v1 is not doubled.
func embeddingsURL(baseURL string) string {
	root := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if root == "" {
		root = defaultBaseURL
	}
	if strings.HasSuffix(root, "/v1") {
		return root + "/embeddings"
	}
	return root + "/v1/embeddings"
}

type embeddingsRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingsResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed sends one batch and returns the vectors ordered by the response
// index field, which backends may deliver out of order.
func (c *OpenAIClient) Embed(ctx context.Context, inputs []string) (*Result, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("embedding inputs are empty")
	}

	body, err := json.Marshal(embeddingsRequest{Model: c.model, Input: inputs})
	if err != nil {
		return nil, fmt.Errorf("encode embedding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send embedding request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}

	var parsed embeddingsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode embedding response: %w", err)
	}

	vectors := make([][]float32, len(inputs))
	dimension := 0
	for _, item := range parsed.Data {
		if item.Index < 0 || item.Index >= len(inputs) || len(item.Embedding) == 0 {
			continue
		}
		vectors[item.Index] = item.Embedding
		if dimension == 0 {
			dimension = len(item.Embedding)
		}
	}
	for i, v := range vectors {
		if len(v) == 0 {
			return nil, fmt.Errorf("embedding response incomplete: missing vector %d", i)
		}
	}
	if dimension == 0 {
		return nil, fmt.Errorf("embedding response has no dimension")
	}
	return &Result{Vectors: vectors, Dimension: dimension}, nil
}
