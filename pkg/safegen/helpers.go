package safegen

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/abdhe/safegen/pkg/prompt"
	"github.com/abdhe/safegen/pkg/provider"
)

// CacheKey derives a stable key from the prompt and generation config.
func CacheKey(text string, cfg provider.GenConfig) string {
	h := sha256.New()
	h.Write([]byte(text))
	h.Write([]byte{0})
	// encoding/json sorts map keys, so Extra hashes deterministically.
	b, _ := json.Marshal(struct {
		MaxTokens   int32
		Stop        []string
		Temperature *float32
		Extra       map[string]any
	}{cfg.MaxTokens, cfg.Stop, cfg.Temperature, cfg.Extra})
	h.Write(b)
	return hex.EncodeToString(h.Sum(nil)[:16])
}

// ---------------------------------------------------------------------------
// Validators
// ---------------------------------------------------------------------------

// NonEmpty accepts any candidate with non-whitespace content.
func NonEmpty(candidate, _ string) bool {
	return strings.TrimSpace(candidate) != ""
}

// SingleWord accepts a single word of at least two characters.
func SingleWord(candidate, _ string) bool {
	c := strings.TrimSpace(candidate)
	return len(c) > 1 && len(strings.Fields(c)) == 1
}

// MaxWords accepts non-empty candidates of at most n words.
func MaxWords(n int) Validator {
	return func(candidate, _ string) bool {
		words := len(strings.Fields(candidate))
		return words > 0 && words <= n
	}
}

// AllOf accepts a candidate only if every validator does.
func AllOf(vs ...Validator) Validator {
	return func(candidate, p string) bool {
		for _, v := range vs {
			if !v(candidate, p) {
				return false
			}
		}
		return true
	}
}

// ---------------------------------------------------------------------------
// Cleanups
// ---------------------------------------------------------------------------

// Trimmed returns the candidate without surrounding whitespace.
func Trimmed(candidate, _ string) (string, error) {
	return strings.TrimSpace(candidate), nil
}

// Field returns a cleanup that reads a gjson path out of a JSON candidate.
func Field(path string) Cleanup[string] {
	extract := JSONField(path)
	return func(candidate, _ string) (string, error) {
		return extract(candidate)
	}
}

// DecodeJSON returns a cleanup that unmarshals the candidate into T.
func DecodeJSON[T any]() Cleanup[T] {
	return func(candidate, _ string) (T, error) {
		var v T
		if err := json.Unmarshal([]byte(candidate), &v); err != nil {
			return v, fmt.Errorf("decode candidate: %w", err)
		}
		return v, nil
	}
}

// ---------------------------------------------------------------------------
// Extractors
// ---------------------------------------------------------------------------

var errNoJSON = errors.New("no JSON object in response")

// JSONField cuts the answer at its last closing brace, requires the rest to
// be valid JSON and returns the value at path. String values are returned
// unquoted, anything else as raw JSON.
func JSONField(path string) Extractor {
	return func(raw string) (string, error) {
		raw = strings.TrimSpace(raw)
		end := strings.LastIndex(raw, "}")
		if end < 0 {
			return "", errNoJSON
		}
		doc := raw[:end+1]
		if !gjson.Valid(doc) {
			return "", fmt.Errorf("invalid JSON: %.80q", doc)
		}
		res := gjson.Get(doc, path)
		if !res.Exists() {
			return "", fmt.Errorf("field %q missing", path)
		}
		if res.Type == gjson.String {
			return res.String(), nil
		}
		return res.Raw, nil
	}
}

// JSONObject returns the text between the first '{' and the last '}' when it
// is a valid JSON object. Models often wrap JSON in prose or code fences.
func JSONObject(raw string) (string, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end < start {
		return "", errNoJSON
	}
	doc := raw[start : end+1]
	if !gjson.Valid(doc) || !gjson.Parse(doc).IsObject() {
		return "", fmt.Errorf("invalid JSON object: %.80q", doc)
	}
	return doc, nil
}

// RequestJSON wraps text in the JSON-output envelope and reads the "output"
// field of the answer before validation.
func RequestJSON[T any](ctx context.Context, r *Requester, text string, exampleOutput any, instruction string, cfg provider.GenConfig, policy Policy[T]) (Outcome[T], error) {
	if strings.TrimSpace(text) == "" {
		return Outcome[T]{}, invalid("empty prompt")
	}
	policy.Extract = JSONField("output")
	return Request(ctx, r, prompt.WrapJSONOutput(text, exampleOutput, instruction), cfg, policy)
}

// RequestObject asks for a free-form JSON object. The answer is cut from the
// first '{' to the last '}' and, unless policy.CleanUp is set, decoded into T.
func RequestObject[T any](ctx context.Context, r *Requester, text string, cfg provider.GenConfig, policy Policy[T]) (Outcome[T], error) {
	policy.Extract = JSONObject
	if policy.CleanUp == nil {
		policy.CleanUp = DecodeJSON[T]()
	}
	return Request(ctx, r, text, cfg, policy)
}
