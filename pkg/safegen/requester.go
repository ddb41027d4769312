// Package safegen implements the validated retry requester: send a prompt,
// pull a candidate out of the answer, validate it, shape it, and retry a
// bounded number of times before settling for a caller-declared fail-safe
// value.
package safegen

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/abdhe/safegen/pkg/metrics"
	"github.com/abdhe/safegen/pkg/provider"
	"github.com/abdhe/safegen/pkg/resilience"
)

// DefaultRepeat is the retry budget used when Policy.Repeat is zero.
const DefaultRepeat = 3

// Generator is the text-generation transport: one prompt in, raw text out.
// A blank string with a nil error means the model said nothing.
type Generator interface {
	Generate(ctx context.Context, prompt string, cfg provider.GenConfig) (string, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, prompt string, cfg provider.GenConfig) (string, error)

func (f GeneratorFunc) Generate(ctx context.Context, prompt string, cfg provider.GenConfig) (string, error) {
	return f(ctx, prompt, cfg)
}

// Cache stores raw answers that passed validation.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, raw string) error
}

// Validator decides whether a candidate is acceptable.
type Validator func(candidate, prompt string) bool

// Cleanup shapes an accepted candidate into the caller's result.
type Cleanup[T any] func(candidate, prompt string) (T, error)

// Extractor pulls the candidate out of the raw answer.
type Extractor func(raw string) (string, error)

// Policy describes one validated request.
type Policy[T any] struct {
	Repeat   int // 0 means DefaultRepeat
	FailSafe T
	Validate Validator
	CleanUp  Cleanup[T]
	Extract  Extractor // nil trims whitespace
}

// Outcome is either a validated value or the fail-safe.
type Outcome[T any] struct {
	Value     T
	FailSafe  bool
	Attempts  int  // upstream attempts made
	Cached    bool // Value came from a cached answer
	RequestID string
	Failures  []*AttemptError
}

// Requester owns the transport handle and the delay policy. It holds no
// per-call state and is safe for concurrent use when its Generator is.
type Requester struct {
	gen     Generator
	backoff resilience.Backoff
	cache   Cache
	log     *log.Entry
}

// Option configures a Requester.
type Option func(*Requester)

// WithBackoff sets the delays between attempts.
func WithBackoff(b resilience.Backoff) Option {
	return func(r *Requester) { r.backoff = b }
}

// WithCache enables the validated-answer cache.
func WithCache(c Cache) Option {
	return func(r *Requester) { r.cache = c }
}

// WithLogger sets the log entry attempts are reported on.
func WithLogger(l *log.Entry) Option {
	return func(r *Requester) {
		if l != nil {
			r.log = l
		}
	}
}

// New creates a Requester over gen.
func New(gen Generator, opts ...Option) *Requester {
	r := &Requester{
		gen: gen,
		log: log.WithField("component", "safegen"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Request runs the validated retry loop. It returns ErrInvalidRequest for a
// malformed call; every other failure is absorbed and ends in the fail-safe
// value.
func Request[T any](ctx context.Context, r *Requester, prompt string, cfg provider.GenConfig, policy Policy[T]) (Outcome[T], error) {
	switch {
	case r == nil || r.gen == nil:
		return Outcome[T]{}, invalid("no generator")
	case strings.TrimSpace(prompt) == "":
		return Outcome[T]{}, invalid("empty prompt")
	case policy.Repeat < 0:
		return Outcome[T]{}, invalid("repeat must not be negative, got %d", policy.Repeat)
	case policy.Validate == nil:
		return Outcome[T]{}, invalid("nil validator")
	case policy.CleanUp == nil:
		return Outcome[T]{}, invalid("nil cleanup")
	}
	repeat := policy.Repeat
	if repeat == 0 {
		repeat = DefaultRepeat
	}
	if policy.Extract == nil {
		policy.Extract = trimExtract
	}
	cfg = cfg.Clone()

	out := Outcome[T]{RequestID: uuid.NewString()}
	entry := r.log.WithField("request_id", out.RequestID)
	start := time.Now()
	metrics.ActiveRequests.Inc()
	defer metrics.ActiveRequests.Dec()

	var cacheKey string
	if r.cache != nil {
		cacheKey = CacheKey(prompt, cfg)
		if v, ok := fromCache(ctx, r, entry, cacheKey, prompt, policy); ok {
			out.Value, out.Cached = v, true
			observe("cache_hit", start)
			return out, nil
		}
	}

	for attempt := 1; attempt <= repeat; attempt++ {
		if err := resilience.Sleep(ctx, r.backoff.PreDelay); err != nil {
			entry.WithError(err).Warn("context done before attempt")
			break
		}

		out.Attempts = attempt
		raw, v, aerr := runAttempt(ctx, r.gen, prompt, cfg, policy)
		if aerr == nil {
			metrics.AttemptsTotal.WithLabelValues("success").Inc()
			if r.cache != nil {
				if err := r.cache.Set(ctx, cacheKey, raw); err != nil {
					entry.WithError(err).Warn("cache store failed")
				}
			}
			out.Value = v
			observe("success", start)
			entry.WithField("attempt", attempt).Debug("validated")
			return out, nil
		}

		aerr.Attempt = attempt
		out.Failures = append(out.Failures, aerr)
		metrics.AttemptsTotal.WithLabelValues(aerr.Kind.String()).Inc()
		entry.WithFields(log.Fields{"attempt": attempt, "kind": aerr.Kind.String()}).WithError(aerr.Err).Debug("attempt failed")

		if aerr.Kind == TransportFailure && resilience.IsPermanent(aerr.Err) {
			entry.WithError(aerr.Err).Error("permanent transport error, giving up")
			break
		}
		if attempt < repeat {
			if err := resilience.Sleep(ctx, r.backoff.Delay(attempt)); err != nil {
				entry.WithError(err).Warn("context done during backoff")
				break
			}
		}
	}

	out.Value, out.FailSafe = policy.FailSafe, true
	observe("fail_safe", start)
	entry.WithField("attempts", out.Attempts).Warn("fail-safe triggered")
	return out, nil
}

func runAttempt[T any](ctx context.Context, gen Generator, prompt string, cfg provider.GenConfig, policy Policy[T]) (string, T, *AttemptError) {
	var zero T
	var raw string
	err := protect(func() error {
		var err error
		raw, err = gen.Generate(ctx, prompt, cfg)
		return err
	})
	if err != nil {
		return "", zero, &AttemptError{Kind: TransportFailure, Err: err}
	}
	if strings.TrimSpace(raw) == "" {
		return "", zero, &AttemptError{Kind: EmptyOutput}
	}
	v, aerr := accept(raw, prompt, policy)
	return raw, v, aerr
}

// accept runs extract, validate and cleanup over one raw answer.
func accept[T any](raw, prompt string, policy Policy[T]) (T, *AttemptError) {
	var zero T

	var candidate string
	if err := protect(func() error {
		var err error
		candidate, err = policy.Extract(raw)
		return err
	}); err != nil {
		return zero, &AttemptError{Kind: DecodeFailure, Err: err}
	}

	var ok bool
	if err := protect(func() error {
		ok = policy.Validate(candidate, prompt)
		return nil
	}); err != nil {
		return zero, &AttemptError{Kind: ValidationRejected, Err: err}
	}
	if !ok {
		return zero, &AttemptError{Kind: ValidationRejected}
	}

	var v T
	if err := protect(func() error {
		var err error
		v, err = policy.CleanUp(candidate, prompt)
		return err
	}); err != nil {
		return zero, &AttemptError{Kind: ValidationRejected, Err: err}
	}
	return v, nil
}

func fromCache[T any](ctx context.Context, r *Requester, entry *log.Entry, key, prompt string, policy Policy[T]) (T, bool) {
	var zero T
	raw, found, err := r.cache.Get(ctx, key)
	switch {
	case err != nil:
		metrics.RecordCacheLookup("error")
		entry.WithError(err).Warn("cache lookup failed, treating as miss")
		return zero, false
	case !found:
		metrics.RecordCacheLookup("miss")
		return zero, false
	}
	v, aerr := accept(raw, prompt, policy)
	if aerr != nil {
		// cached under a different validator
		metrics.RecordCacheLookup("stale")
		return zero, false
	}
	metrics.RecordCacheLookup("hit")
	return v, true
}

func observe(outcome string, start time.Time) {
	metrics.OutcomesTotal.WithLabelValues(outcome).Inc()
	metrics.RequestLatency.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
}

func trimExtract(raw string) (string, error) {
	return strings.TrimSpace(raw), nil
}
