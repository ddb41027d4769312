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

// GeminiProvider implements the Provider interface for Google's Gemini API.
type GeminiProvider struct {
	client  *http.Client
	baseURL string
}

// NewGeminiProvider creates a new Gemini provider.
func NewGeminiProvider(opts ...Option) *GeminiProvider {
	o := buildOptions("https://generativelanguage.googleapis.com/v1beta", opts)
	return &GeminiProvider{
		client:  o.client,
		baseURL: o.baseURL,
	}
}

func (g *GeminiProvider) Name() string { return "gemini" }

// geminiRequest is the Gemini API request body.
type geminiRequest struct {
	Contents         []geminiContent  `json:"contents"`
	GenerationConfig *geminiGenConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiGenConfig struct {
	Temperature     *float32 `json:"temperature,omitempty"`
	MaxOutputTokens int32    `json:"maxOutputTokens,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
	TopP            *float32 `json:"topP,omitempty"`
	TopK            *float32 `json:"topK,omitempty"`
}

// geminiResponse is the Gemini API response body.
type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int32 `json:"promptTokenCount"`
		CandidatesTokenCount int32 `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}

func newGeminiRequest(req Request) geminiRequest {
	gc := &geminiGenConfig{
		Temperature:     req.Config.Temperature,
		MaxOutputTokens: req.Config.MaxTokens,
		StopSequences:   req.Config.Stop,
	}
	if v, ok := extraFloat(req.Config.Extra, "top_p"); ok {
		gc.TopP = &v
	}
	if v, ok := extraFloat(req.Config.Extra, "top_k"); ok {
		gc.TopK = &v
	}
	return geminiRequest{
		Contents: []geminiContent{
			{Parts: []geminiPart{{Text: req.Prompt}}},
		},
		GenerationConfig: gc,
	}
}

// Infer performs a unary inference call to the Gemini API.
func (g *GeminiProvider) Infer(ctx context.Context, req Request) (Response, error) {
	url := fmt.Sprintf("%s/models/%s:generateContent", g.baseURL, req.Model)

	jsonBody, err := json.Marshal(newGeminiRequest(req))
	if err != nil {
		return Response{}, fmt.Errorf("gemini: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return Response{}, fmt.Errorf("gemini: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", req.APIKey)

	httpResp, err := g.client.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("gemini: do request: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return Response{}, &APIError{Provider: "gemini", StatusCode: httpResp.StatusCode, Body: string(respBody)}
	}

	var gemResp geminiResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&gemResp); err != nil {
		return Response{}, fmt.Errorf("gemini: decode response: %w", err)
	}

	// Thinking models may split the answer across several parts.
	var sb strings.Builder
	if len(gemResp.Candidates) > 0 {
		for _, p := range gemResp.Candidates[0].Content.Parts {
			sb.WriteString(p.Text)
		}
	}

	return Response{
		Text:         sb.String(),
		PromptTokens: gemResp.UsageMetadata.PromptTokenCount,
		OutputTokens: gemResp.UsageMetadata.CandidatesTokenCount,
	}, nil
}
