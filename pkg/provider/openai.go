package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// OpenAIProvider implements the Provider interface for OpenAI's Chat Completions API.
type OpenAIProvider struct {
	client  *http.Client
	baseURL string
}

// NewOpenAIProvider creates a new OpenAI provider.
func NewOpenAIProvider(opts ...Option) *OpenAIProvider {
	o := buildOptions("https://api.openai.com/v1", opts)
	return &OpenAIProvider{
		client:  o.client,
		baseURL: o.baseURL,
	}
}

func (o *OpenAIProvider) Name() string { return "openai" }

// ---------------------------------------------------------------------------
// Request / Response types for OpenAI Chat Completions
// ---------------------------------------------------------------------------

type openAIRequest struct {
	Model            string          `json:"model"`
	Messages         []openAIMessage `json:"messages"`
	Temperature      *float32        `json:"temperature,omitempty"`
	MaxTokens        int32           `json:"max_completion_tokens,omitempty"`
	Stop             []string        `json:"stop,omitempty"`
	TopP             *float32        `json:"top_p,omitempty"`
	FrequencyPenalty *float32        `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float32        `json:"presence_penalty,omitempty"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int32 `json:"prompt_tokens"`
		CompletionTokens int32 `json:"completion_tokens"`
	} `json:"usage"`
}

func newOpenAIRequest(req Request) openAIRequest {
	body := openAIRequest{
		Model:       req.Model,
		Messages:    []openAIMessage{{Role: "user", Content: req.Prompt}},
		Temperature: req.Config.Temperature,
		MaxTokens:   req.Config.MaxTokens,
		Stop:        req.Config.Stop,
	}
	if v, ok := extraFloat(req.Config.Extra, "top_p"); ok {
		body.TopP = &v
	}
	if v, ok := extraFloat(req.Config.Extra, "frequency_penalty"); ok {
		body.FrequencyPenalty = &v
	}
	if v, ok := extraFloat(req.Config.Extra, "presence_penalty"); ok {
		body.PresencePenalty = &v
	}
	return body
}

// Infer performs a unary chat completion call.
func (o *OpenAIProvider) Infer(ctx context.Context, req Request) (Response, error) {
	jsonBody, err := json.Marshal(newOpenAIRequest(req))
	if err != nil {
		return Response{}, fmt.Errorf("openai: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/chat/completions", bytes.NewReader(jsonBody))
	if err != nil {
		return Response{}, fmt.Errorf("openai: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+req.APIKey)

	httpResp, err := o.client.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("openai: do request: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return Response{}, &APIError{Provider: "openai", StatusCode: httpResp.StatusCode, Body: string(respBody)}
	}

	var oaiResp openAIResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&oaiResp); err != nil {
		return Response{}, fmt.Errorf("openai: decode response: %w", err)
	}

	var text string
	if len(oaiResp.Choices) > 0 {
		text = oaiResp.Choices[0].Message.Content
	}

	return Response{
		Text:         text,
		PromptTokens: oaiResp.Usage.PromptTokens,
		OutputTokens: oaiResp.Usage.CompletionTokens,
	}, nil
}
