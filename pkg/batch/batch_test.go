package batch

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abdhe/safegen/pkg/provider"
	"github.com/abdhe/safegen/pkg/safegen"
)

func TestReadJobs(t *testing.T) {
	in := `{"id": "a", "prompt": "Isabella is"}

{"prompt": "Klaus is"}
`
	jobs, err := ReadJobs(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, Job{ID: "a", Prompt: "Isabella is"}, jobs[0])
	assert.Equal(t, "3", jobs[1].ID)

	_, err = ReadJobs(strings.NewReader("{\"id\": \"a\"}\nnot json\n"))
	assert.ErrorContains(t, err, "line 2")
}

func TestWriteResults(t *testing.T) {
	var buf bytes.Buffer
	err := WriteResults(&buf, []Result[string]{
		{ID: "a", Output: "walking", Attempts: 1},
		{ID: "b", Output: "rest", FailSafe: true, Attempts: 3},
	})
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.JSONEq(t, `{"id":"a","output":"walking","fail_safe":false,"attempts":1}`, lines[0])
	assert.JSONEq(t, `{"id":"b","output":"rest","fail_safe":true,"attempts":3}`, lines[1])
}

func echo(calls *atomic.Int32) safegen.GeneratorFunc {
	return func(_ context.Context, prompt string, _ provider.GenConfig) (string, error) {
		calls.Add(1)
		if strings.Contains(prompt, "silent") {
			return "", nil
		}
		return strings.ToUpper(prompt), nil
	}
}

func TestRunPreservesOrderAndIsolatesJobs(t *testing.T) {
	var calls atomic.Int32
	r := safegen.New(echo(&calls))
	jobs := []Job{
		{ID: "1", Prompt: "walking"},
		{ID: "2", Prompt: "silent"},
		{ID: "3", Prompt: "   "},
		{ID: "4", Prompt: "reading"},
	}
	policy := safegen.Policy[string]{Repeat: 2, FailSafe: "idle", Validate: safegen.NonEmpty, CleanUp: safegen.Trimmed}

	results, err := Run(context.Background(), r, jobs, policy, Options{Workers: 2, RPS: 1000})
	require.NoError(t, err)
	require.Len(t, results, 4)

	assert.Equal(t, "WALKING", results[0].Output)
	assert.Equal(t, 1, results[0].Attempts)

	assert.Equal(t, "idle", results[1].Output)
	assert.True(t, results[1].FailSafe)
	assert.Equal(t, 2, results[1].Attempts)

	assert.Equal(t, "3", results[2].ID)
	assert.Contains(t, results[2].Error, "empty prompt")

	assert.Equal(t, "READING", results[3].Output)
	assert.EqualValues(t, 4, calls.Load())
}

// persona answers each call with a fresh sample after a short pause so
// concurrent jobs overlap.
func persona(calls *atomic.Int32) safegen.GeneratorFunc {
	return func(ctx context.Context, _ string, _ provider.GenConfig) (string, error) {
		n := calls.Add(1)
		select {
		case <-time.After(100 * time.Millisecond):
		case <-ctx.Done():
			return "", ctx.Err()
		}
		return fmt.Sprintf("persona-%d", n), nil
	}
}

func TestRunSamplesEveryJob(t *testing.T) {
	var calls atomic.Int32
	jobs := []Job{{ID: "a", Prompt: "Describe an agent."}, {ID: "b", Prompt: "Describe an agent."}, {ID: "c", Prompt: "Describe an agent."}}
	policy := safegen.Policy[string]{Repeat: 1, Validate: safegen.NonEmpty, CleanUp: safegen.Trimmed}

	results, err := Run(context.Background(), safegen.New(persona(&calls)), jobs, policy, Options{Workers: 3})
	require.NoError(t, err)
	assert.EqualValues(t, 3, calls.Load())
	seen := map[string]bool{}
	for _, res := range results {
		seen[res.Output] = true
	}
	assert.Len(t, seen, 3, "jobs sharing a prompt still get their own answer")
}

func TestRunDedupSharesInFlightRequests(t *testing.T) {
	var calls atomic.Int32
	jobs := []Job{{ID: "a", Prompt: "Describe an agent."}, {ID: "b", Prompt: "Describe an agent."}, {ID: "c", Prompt: "Describe an agent."}}
	policy := safegen.Policy[string]{Repeat: 1, Validate: safegen.NonEmpty, CleanUp: safegen.Trimmed}

	results, err := Run(context.Background(), safegen.New(persona(&calls)), jobs, policy, Options{Workers: 3, Dedup: true})
	require.NoError(t, err)
	assert.EqualValues(t, 1, calls.Load())
	for _, res := range results {
		assert.Equal(t, "persona-1", res.Output)
	}
	assert.Equal(t, []string{"a", "b", "c"}, []string{results[0].ID, results[1].ID, results[2].ID})
}

func TestRunJSONOutput(t *testing.T) {
	gen := safegen.GeneratorFunc(func(_ context.Context, prompt string, _ provider.GenConfig) (string, error) {
		if !strings.Contains(prompt, "Example output json") {
			return "", nil
		}
		return `{"output": "calm"}`, nil
	})
	policy := safegen.Policy[string]{Repeat: 1, FailSafe: "unknown", Validate: safegen.SingleWord, CleanUp: safegen.Trimmed}

	results, err := Run(context.Background(), safegen.New(gen), []Job{{ID: "m", Prompt: "Mood?"}}, policy,
		Options{JSON: &JSONOutput{Example: "happy", Instruction: "One word."}})
	require.NoError(t, err)
	assert.Equal(t, "calm", results[0].Output)
	assert.False(t, results[0].FailSafe)
}

func TestRunCancelled(t *testing.T) {
	var calls atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	policy := safegen.Policy[string]{Repeat: 1, Validate: safegen.NonEmpty, CleanUp: safegen.Trimmed}

	_, err := Run(ctx, safegen.New(echo(&calls)), []Job{{ID: "1", Prompt: "x"}}, policy, Options{RPS: 1})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, calls.Load())
}
