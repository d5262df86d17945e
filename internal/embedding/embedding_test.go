package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTruncateCapsInput(t *testing.T) {
	assert.Equal(t, "short", Truncate("short"))
	long := strings.Repeat("x", MaxInputChars+100)
	assert.Len(t, Truncate(long), MaxInputChars)
}

func TestNoopProvider(t *testing.T) {
	p := NewNoopProvider(8)
	assert.Equal(t, 8, p.Dimensions())
	assert.Equal(t, "noop", p.ModelName())

	vec, err := p.Embed(context.Background(), "anything")
	require.NoError(t, err)
	assert.Equal(t, make([]float32, 8), vec)

	vecs, err := p.EmbedBatch(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
}

func TestOllamaProviderEmbed(t *testing.T) {
	var gotPrompt string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/embeddings", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)

		var req ollamaEmbedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		gotPrompt = req.Prompt

		vec := make([]float32, 16)
		for i := range vec {
			vec[i] = float32(i) * 0.25
		}
		_ = json.NewEncoder(w).Encode(ollamaEmbedResponse{Embedding: vec})
	}))
	defer server.Close()

	p := NewOllamaProvider(server.URL, "mxbai-embed-large", 16)
	assert.Equal(t, 16, p.Dimensions())
	assert.Equal(t, "mxbai-embed-large", p.ModelName())

	vec, err := p.Embed(context.Background(), "vector databases")
	require.NoError(t, err)
	require.Len(t, vec, 16)
	assert.InDelta(t, 0.25, vec[1], 1e-6)
	assert.Equal(t, "vector databases", gotPrompt)

	// Oversized input is truncated before it reaches the server.
	_, err = p.Embed(context.Background(), strings.Repeat("y", MaxInputChars*2))
	require.NoError(t, err)
	assert.Len(t, gotPrompt, MaxInputChars)
}

func TestOllamaProviderBatchIsSequential(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		_ = json.NewEncoder(w).Encode(ollamaEmbedResponse{Embedding: []float32{1, 2}})
	}))
	defer server.Close()

	p := NewOllamaProvider(server.URL, "m", 2)
	vecs, err := p.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Len(t, vecs, 3)
	assert.Equal(t, 3, calls)

	vecs, err = p.EmbedBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, vecs)
}

func TestOllamaProviderErrors(t *testing.T) {
	t.Run("http error status", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "model not found", http.StatusNotFound)
		}))
		defer server.Close()

		_, err := NewOllamaProvider(server.URL, "m", 2).Embed(context.Background(), "t")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "404")
	})

	t.Run("empty embedding", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(ollamaEmbedResponse{})
		}))
		defer server.Close()

		_, err := NewOllamaProvider(server.URL, "m", 2).Embed(context.Background(), "t")
		require.Error(t, err)
	})

	t.Run("malformed body", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("not json"))
		}))
		defer server.Close()

		_, err := NewOllamaProvider(server.URL, "m", 2).Embed(context.Background(), "t")
		require.Error(t, err)
	})
}
