package embed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbeddingsURL(t *testing.T) {
	assert.Equal(t, "https://api.openai.com/v1/embeddings", embeddingsURL(""))
	assert.Equal(t, "https://api.openai.com/v1/embeddings", embeddingsURL("  "))
	assert.Equal(t, "https://example.com/v1/embeddings", embeddingsURL("https://example.com"))
	assert.Equal(t, "https://example.com/v1/embeddings", embeddingsURL("https://example.com/"))
	assert.Equal(t, "https://example.com/v1/embeddings", embeddingsURL("https://example.com/v1"))
}

func TestNewOpenAIClientValidation(t *testing.T) {
	_, err := NewOpenAIClient(Credentials{APIKey: ""}, "m", 0)
	assert.Error(t, err)
	_, err = NewOpenAIClient(Credentials{APIKey: "k"}, "", 0)
	assert.Error(t, err)
}

func TestEmbedOrdersVectorsByIndex(t *testing.T) {
	// Given a backend that answers out of order
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		var req embeddingsRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req.Model)
		assert.Len(t, req.Input, 2)

		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{"index": 1, "embedding": []float32{4, 5, 6}},
				{"index": 0, "embedding": []float32{1, 2, 3}},
			},
		})
	}))
	defer srv.Close()

	c, err := NewOpenAIClient(Credentials{BaseURL: srv.URL, APIKey: "secret"}, "test-model", time.Second)
	require.NoError(t, err)

	// When embedding two inputs
	res, err := c.Embed(context.Background(), []string{"a", "b"})
	require.NoError(t, err)

	// Then vectors land at their input positions
	assert.Equal(t, 3, res.Dimension)
	assert.Equal(t, []float32{1, 2, 3}, res.Vectors[0])
	assert.Equal(t, []float32{4, 5, 6}, res.Vectors[1])
}

func TestEmbedIncompleteResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"index": 0, "embedding": []float32{1}}},
		})
	}))
	defer srv.Close()

	c, err := NewOpenAIClient(Credentials{BaseURL: srv.URL, APIKey: "k"}, "m", time.Second)
	require.NoError(t, err)

	_, err = c.Embed(context.Background(), []string{"a", "b"})
	assert.ErrorContains(t, err, "incomplete")
}

func TestEmbedHTTPErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c, err := NewOpenAIClient(Credentials{BaseURL: srv.URL, APIKey: "k"}, "m", time.Second)
	require.NoError(t, err)

	_, err = c.Embed(context.Background(), []string{"a"})
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, 429, httpErr.StatusCode)
	assert.Contains(t, httpErr.Body, "rate limited")
}

func TestEmbedEmptyInputs(t *testing.T) {
	c, err := NewOpenAIClient(Credentials{APIKey: "k"}, "m", time.Second)
	require.NoError(t, err)
	_, err = c.Embed(context.Background(), nil)
	assert.Error(t, err)
}
