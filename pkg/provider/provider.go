// Package provider defines the text-generation transport interface and the
// OpenAI / Gemini adapters that implement it.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// GenConfig holds generation parameters for one request.
// Values are copied on use; callers must not rely on later mutation.
type GenConfig struct {
	MaxTokens   int32
	Stop        []string
	Temperature *float32

	// Extra carries provider-specific options. Keys an adapter does not
	// recognise are ignored.
	Extra map[string]any
}

// Clone returns a deep copy of c.
func (c GenConfig) Clone() GenConfig {
	out := GenConfig{MaxTokens: c.MaxTokens}
	if c.Stop != nil {
		out.Stop = append([]string(nil), c.Stop...)
	}
	if c.Temperature != nil {
		t := *c.Temperature
		out.Temperature = &t
	}
	if c.Extra != nil {
		out.Extra = make(map[string]any, len(c.Extra))
		for k, v := range c.Extra {
			out.Extra[k] = v
		}
	}
	return out
}

// Float32 returns a pointer to v. Handy for GenConfig.Temperature.
func Float32(v float32) *float32 { return &v }

// Request represents an inference request to an LLM provider.
type Request struct {
	Model  string
	Prompt string
	Config GenConfig
	APIKey string // Injected by the key pool
}

// Response represents a complete inference response.
type Response struct {
	Text         string
	PromptTokens int32
	OutputTokens int32
}

// Provider is the interface that all LLM backends must implement.
type Provider interface {
	// Name returns a human-readable identifier for this provider (e.g. "openai", "gemini").
	Name() string

	// Infer performs a unary inference call.
	// The context should carry a deadline/timeout.
	Infer(ctx context.Context, req Request) (Response, error)
}

// APIError is returned when the upstream answered with a non-200 status.
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: API error %d: %s", e.Provider, e.StatusCode, e.Body)
}

// StatusCodeOf returns the upstream HTTP status carried by err, or 0.
func StatusCodeOf(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// Option configures an HTTP-backed adapter.
type Option func(*httpOptions)

type httpOptions struct {
	client  *http.Client
	baseURL string
}

// WithHTTPClient sets the client used for upstream calls.
func WithHTTPClient(c *http.Client) Option {
	return func(o *httpOptions) {
		if c != nil {
			o.client = c
		}
	}
}

// WithBaseURL overrides the API base URL (proxies, compatible servers, tests).
func WithBaseURL(u string) Option {
	return func(o *httpOptions) {
		if u != "" {
			o.baseURL = strings.TrimRight(u, "/")
		}
	}
}

func buildOptions(defaultBase string, opts []Option) httpOptions {
	o := httpOptions{client: &http.Client{}, baseURL: defaultBase}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Resolve maps a model name to a provider name.
func Resolve(model string) string {
	// Simple prefix-based routing
	switch {
	case strings.HasPrefix(model, "gpt"), strings.HasPrefix(model, "o1"), strings.HasPrefix(model, "o3"):
		return "openai"
	case strings.HasPrefix(model, "gemini"):
		return "gemini"
	default:
		return "openai" // default fallback
	}
}
