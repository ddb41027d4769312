package main

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/abdhe/safegen/pkg/cache"
	"github.com/abdhe/safegen/pkg/chain"
	"github.com/abdhe/safegen/pkg/config"
	"github.com/abdhe/safegen/pkg/metrics"
	"github.com/abdhe/safegen/pkg/provider"
	"github.com/abdhe/safegen/pkg/resilience"
	"github.com/abdhe/safegen/pkg/safegen"
)

// buildChain turns PRIMARY_MODEL and FALLBACK_MODELS into tiers. Each tier
// gets its own breaker; tiers of the same provider share a key pool.
func buildChain(cfg *config.Config) (*chain.Chain, error) {
	httpClient := &http.Client{Timeout: cfg.RequestTimeout}
	providers := map[string]provider.Provider{
		"openai": provider.NewOpenAIProvider(provider.WithHTTPClient(httpClient), provider.WithBaseURL(cfg.OpenAIBaseURL)),
		"gemini": provider.NewGeminiProvider(provider.WithHTTPClient(httpClient), provider.WithBaseURL(cfg.GeminiBaseURL)),
	}

	keyPools := make(map[string]*resilience.KeyPool)
	if len(cfg.OpenAIKeys) > 0 {
		keyPools["openai"] = resilience.NewKeyPool(cfg.OpenAIKeys)
	}
	if len(cfg.GeminiKeys) > 0 {
		keyPools["gemini"] = resilience.NewKeyPool(cfg.GeminiKeys)
	}
	for name, kp := range keyPools {
		log.WithFields(log.Fields{"provider": name, "keys": kp.Size()}).Info("key pool ready")
	}

	models := append([]string{cfg.PrimaryModel}, cfg.FallbackModels...)
	tiers := make([]chain.Tier, 0, len(models))
	for i, model := range models {
		if model == "" {
			continue
		}
		name := provider.Resolve(model)
		tier := chain.Tier{
			Provider: providers[name],
			Model:    model,
			Keys:     keyPools[name],
			Bare:     bareModel(cfg.BareModelPrefixes, model),
		}
		tierName := tier.Name()
		tier.Breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			FailureThreshold: cfg.CBFailureThreshold,
			Cooldown:         cfg.CBCooldown,
			Counts:           resilience.IsServerError,
			OnStateChange: func(s resilience.CircuitState) {
				metrics.CircuitBreakerState.WithLabelValues(tierName).Set(float64(s))
				log.WithFields(log.Fields{"tier": tierName, "state": s.String()}).Warn("circuit breaker state changed")
			},
		})
		if i > 0 {
			tier.Temperature = provider.Float32(cfg.FallbackTemperature)
		}
		tiers = append(tiers, tier)
	}
	return chain.New(tiers...)
}

func bareModel(prefixes []string, model string) bool {
	for _, p := range prefixes {
		if p != "" && strings.HasPrefix(model, p) {
			return true
		}
	}
	return false
}

// buildRequester wires the chain, delays and optional Redis cache. The
// returned func releases the cache connection.
func buildRequester(ctx context.Context, cfg *config.Config) (*safegen.Requester, func(), error) {
	c, err := buildChain(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("build chain: %w", err)
	}
	log.WithField("tiers", c.Tiers()).Info("model chain ready")

	opts := []safegen.Option{
		safegen.WithBackoff(resilience.Backoff{
			PreDelay:  cfg.RequestDelay,
			BaseDelay: cfg.RetryBaseDelay,
			MaxDelay:  cfg.RetryMaxDelay,
		}),
	}
	cleanup := func() {}

	if cfg.CacheEnabled() {
		rc := cache.NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.CacheTTL)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rc.Ping(pingCtx)
		cancel()
		if err != nil {
			log.WithError(err).Warn("redis connection failed, cache disabled")
			_ = rc.Close()
		} else {
			opts = append(opts, safegen.WithCache(rc))
			cleanup = func() { _ = rc.Close() }
			log.WithFields(log.Fields{"addr": cfg.RedisAddr, "ttl": cfg.CacheTTL}).Info("answer cache enabled")
		}
	}
	return safegen.New(c, opts...), cleanup, nil
}
