// Package chain implements the single-call primitive behind the requester:
// one prompt tried against an ordered list of model tiers until one of them
// produces non-blank text.
package chain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/abdhe/safegen/pkg/metrics"
	"github.com/abdhe/safegen/pkg/provider"
	"github.com/abdhe/safegen/pkg/resilience"
)

// RateLimitCooldown is how long a key that drew a 429 stays parked.
const RateLimitCooldown = 60 * time.Second

var (
	// ErrNoTiers is returned by New without tiers.
	ErrNoTiers = errors.New("chain: no tiers configured")
	// ErrEmptyOutput marks a tier that answered with blank text.
	ErrEmptyOutput = errors.New("chain: empty output")
)

// Tier is one model to try.
type Tier struct {
	Provider provider.Provider
	Model    string

	// Keys supplies the API key per call. Nil sends no key.
	Keys *resilience.KeyPool
	// Breaker, when set, skips the tier while open.
	Breaker *resilience.CircuitBreaker
	// Temperature, when set, overrides the request's sampling temperature.
	Temperature *float32
	// Bare sends only MaxTokens. Reasoning models reject stop sequences and
	// non-default temperatures.
	Bare bool
}

// Name identifies the tier in logs and metrics.
func (t Tier) Name() string {
	return t.Provider.Name() + "/" + t.Model
}

// TierError records why one tier did not produce text.
type TierError struct {
	Tier    string
	Err     error
	Skipped bool
}

func (e TierError) Error() string {
	if e.Skipped {
		return fmt.Sprintf("%s: skipped: %v", e.Tier, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Tier, e.Err)
}

func (e TierError) Unwrap() error { return e.Err }

// ExhaustedError is returned when no tier produced text and at least one
// tier failed with an error.
type ExhaustedError struct {
	Attempts []TierError
}

func (e *ExhaustedError) Error() string {
	parts := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		parts[i] = a.Error()
	}
	return fmt.Sprintf("chain: all %d tiers failed: %s", len(e.Attempts), strings.Join(parts, "; "))
}

func (e *ExhaustedError) Unwrap() []error {
	errs := make([]error, len(e.Attempts))
	for i := range e.Attempts {
		errs[i] = e.Attempts[i]
	}
	return errs
}

// Permanent reports whether every tier failed in a way a retry cannot fix.
func (e *ExhaustedError) Permanent() bool {
	if len(e.Attempts) == 0 {
		return false
	}
	for _, a := range e.Attempts {
		if a.Skipped || !resilience.IsPermanent(a.Err) {
			return false
		}
	}
	return true
}

// Chain tries its tiers in order. It is safe for concurrent use as long as
// the providers are.
type Chain struct {
	tiers []Tier
	log   *log.Entry
}

// New creates a chain over the given tiers; the first tier is the primary.
func New(tiers ...Tier) (*Chain, error) {
	if len(tiers) == 0 {
		return nil, ErrNoTiers
	}
	for i, t := range tiers {
		if t.Provider == nil || t.Model == "" {
			return nil, fmt.Errorf("chain: tier %d: provider and model are required", i)
		}
	}
	return &Chain{
		tiers: append([]Tier(nil), tiers...),
		log:   log.WithField("component", "chain"),
	}, nil
}

// Tiers returns the tier names in order.
func (c *Chain) Tiers() []string {
	names := make([]string, len(c.tiers))
	for i, t := range c.tiers {
		names[i] = t.Name()
	}
	return names
}

// Generate sends prompt to each tier in turn and returns the first non-blank
// text, trimmed. If every tier answered blank it returns "" and no error.
func (c *Chain) Generate(ctx context.Context, prompt string, cfg provider.GenConfig) (string, error) {
	var attempts []TierError
	sawError := false

	for _, tier := range c.tiers {
		if err := ctx.Err(); err != nil {
			attempts = append(attempts, TierError{Tier: tier.Name(), Err: err, Skipped: true})
			return "", &ExhaustedError{Attempts: attempts}
		}

		text, err := c.try(ctx, tier, prompt, cfg)
		if err == nil {
			return text, nil
		}

		te := TierError{Tier: tier.Name(), Err: err}
		switch {
		case errors.Is(err, ErrEmptyOutput):
		case errors.Is(err, resilience.ErrCircuitOpen), errors.Is(err, resilience.ErrKeysExhausted), errors.Is(err, resilience.ErrNoKeys):
			te.Skipped = true
			sawError = true
		default:
			sawError = true
		}
		attempts = append(attempts, te)
		c.log.WithFields(log.Fields{"tier": tier.Name(), "skipped": te.Skipped}).WithError(err).Debug("tier failed, falling back")
	}

	if !sawError {
		return "", nil
	}
	return "", &ExhaustedError{Attempts: attempts}
}

func (c *Chain) try(ctx context.Context, tier Tier, prompt string, cfg provider.GenConfig) (string, error) {
	name := tier.Provider.Name()

	var apiKey string
	if tier.Keys != nil {
		k, err := tier.Keys.Next()
		if err != nil {
			metrics.ModelCallsTotal.WithLabelValues(name, tier.Model, "skipped").Inc()
			return "", err
		}
		apiKey = k
	}

	req := provider.Request{
		Model:  tier.Model,
		Prompt: prompt,
		Config: cfg.Clone(),
		APIKey: apiKey,
	}
	switch {
	case tier.Bare:
		req.Config = provider.GenConfig{MaxTokens: cfg.MaxTokens}
	case tier.Temperature != nil:
		req.Config.Temperature = provider.Float32(*tier.Temperature)
	}

	var resp provider.Response
	call := func() error {
		var err error
		resp, err = tier.Provider.Infer(ctx, req)
		return err
	}

	var err error
	if tier.Breaker == nil {
		err = call()
	} else {
		err = tier.Breaker.Execute(call)
		metrics.CircuitBreakerState.WithLabelValues(tier.Name()).Set(float64(tier.Breaker.State()))
	}

	if err != nil {
		if errors.Is(err, resilience.ErrCircuitOpen) {
			metrics.ModelCallsTotal.WithLabelValues(name, tier.Model, "skipped").Inc()
			return "", err
		}
		if tier.Keys != nil && resilience.IsRateLimited(err) {
			tier.Keys.MarkRateLimited(apiKey, time.Now().Add(RateLimitCooldown))
		}
		metrics.ModelCallsTotal.WithLabelValues(name, tier.Model, "error").Inc()
		return "", err
	}

	metrics.TokenUsageTotal.WithLabelValues(name, tier.Model, "input").Add(float64(resp.PromptTokens))
	metrics.TokenUsageTotal.WithLabelValues(name, tier.Model, "output").Add(float64(resp.OutputTokens))

	text := strings.TrimSpace(resp.Text)
	if text == "" {
		metrics.ModelCallsTotal.WithLabelValues(name, tier.Model, "empty").Inc()
		return "", ErrEmptyOutput
	}
	metrics.ModelCallsTotal.WithLabelValues(name, tier.Model, "ok").Inc()
	return text, nil
}
