package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// DefaultEmbeddingModel is used when NewEmbedder gets an empty model.
const DefaultEmbeddingModel = "text-embedding-3-small"

// blankEmbeddingInput stands in for empty text; the API rejects empty input.
const blankEmbeddingInput = "this is blank"

// Embedder generates vector embeddings through OpenAI's embedding API.
type Embedder struct {
	client  *http.Client
	baseURL string
	model   string
	apiKey  string
}

// NewEmbedder creates a new Embedder.
func NewEmbedder(apiKey, model string, opts ...Option) *Embedder {
	o := buildOptions("https://api.openai.com/v1", opts)
	if model == "" {
		model = DefaultEmbeddingModel
	}
	return &Embedder{
		client:  o.client,
		baseURL: o.baseURL,
		model:   model,
		apiKey:  apiKey,
	}
}

// embeddingRequest is the OpenAI embedding API request body.
type embeddingRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

// embeddingResponse is the OpenAI embedding API response body.
type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// EmbeddingInput normalises text before embedding: newlines become spaces
// and empty input is replaced by a fixed placeholder.
func EmbeddingInput(text string) string {
	text = strings.ReplaceAll(text, "\n", " ")
	if text == "" {
		return blankEmbeddingInput
	}
	return text
}

// Embed generates a vector embedding for the given text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	body := embeddingRequest{
		Input: []string{EmbeddingInput(text)},
		Model: e.model,
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("embedder: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embeddings", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("embedder: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.apiKey)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedder: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &APIError{Provider: "openai", StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var embResp embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&embResp); err != nil {
		return nil, fmt.Errorf("embedder: decode: %w", err)
	}

	if len(embResp.Data) == 0 {
		return nil, fmt.Errorf("embedder: empty embedding response")
	}

	return embResp.Data[0].Embedding, nil
}
