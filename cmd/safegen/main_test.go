package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abdhe/safegen/pkg/config"
)

// fakeOpenAI fails every call to "gpt-primary" and answers the rest with
// the last word of the prompt, wrapped in a JSON object when the prompt asks
// for a profile.
type fakeOpenAI struct {
	mu     sync.Mutex
	bodies []map[string]any
}

func (f *fakeOpenAI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	raw, _ := io.ReadAll(r.Body)
	_ = json.Unmarshal(raw, &body)
	f.mu.Lock()
	f.bodies = append(f.bodies, body)
	f.mu.Unlock()

	if body["model"] == "gpt-primary" {
		w.WriteHeader(http.StatusInternalServerError)
		io.WriteString(w, `{"error":"overloaded"}`)
		return
	}
	msgs, _ := body["messages"].([]any)
	content := ""
	if len(msgs) > 0 {
		content, _ = msgs[0].(map[string]any)["content"].(string)
	}
	words := strings.Fields(content)
	answer := ""
	if len(words) > 0 {
		answer = words[len(words)-1]
	}
	if strings.Contains(content, "profile") {
		answer = fmt.Sprintf("Here is the profile:\n```json\n{\"name\": %q, \"age\": 30}\n```", answer)
	}
	out, _ := json.Marshal(map[string]any{
		"choices": []any{map[string]any{"message": map[string]any{"content": answer}}},
	})
	w.Header().Set("Content-Type", "application/json")
	w.Write(out)
}

func setupEnv(t *testing.T) *fakeOpenAI {
	t.Helper()
	fake := &fakeOpenAI{}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	t.Setenv("OPENAI_BASE_URL", srv.URL)
	t.Setenv("OPENAI_API_KEYS", "sk-1,sk-2")
	t.Setenv("PRIMARY_MODEL", "gpt-primary")
	t.Setenv("FALLBACK_MODELS", "gpt-fallback")
	t.Setenv("REQUEST_DELAY", "0s")
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("LOG_LEVEL", "error")
	return fake
}

func run(t *testing.T, stdin string, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(append([]string{"--env-file", filepath.Join(t.TempDir(), "none.env")}, args...))
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestAskFallsBackToSecondTier(t *testing.T) {
	fake := setupEnv(t)

	out, _, err := run(t, "", "ask", "Isabella is sleeping", "--single-word", "--max-tokens", "5")
	require.NoError(t, err)
	assert.Equal(t, "sleeping\n", out)

	require.Len(t, fake.bodies, 2)
	assert.Equal(t, "gpt-primary", fake.bodies[0]["model"])
	assert.NotContains(t, fake.bodies[0], "temperature")
	assert.Equal(t, "gpt-fallback", fake.bodies[1]["model"])
	assert.EqualValues(t, 0, fake.bodies[1]["temperature"])
	assert.EqualValues(t, 5, fake.bodies[1]["max_completion_tokens"])
}

func TestAskPrintsFailSafe(t *testing.T) {
	setupEnv(t)

	// the fallback answers "a", which is too short for --single-word
	out, errOut, err := run(t, "", "ask", "Isabella is a", "--single-word", "--repeat", "2", "--fail-safe", "idle")
	require.NoError(t, err)
	assert.Equal(t, "idle\n", out)
	assert.Contains(t, errOut, "fail-safe after 2 attempts")
}

func TestAskJSONOutput(t *testing.T) {
	setupEnv(t)

	// the wrapped prompt ends with the example object, which the fake echoes back
	out, _, err := run(t, "", "ask", "Mood?", "--json", `"calm"`, "--instruction", "One word.")
	require.NoError(t, err)
	assert.Equal(t, "calm\n", out)
}

func TestAskTemplate(t *testing.T) {
	setupEnv(t)
	path := filepath.Join(t.TempDir(), "daily.txt")
	require.NoError(t, os.WriteFile(path, []byte("header\n<commentblockmarker>###</commentblockmarker>\n!<INPUT 0>! is !<INPUT 1>!"), 0o644))

	out, _, err := run(t, "", "ask", "--template", path, "--input", "Klaus", "--input", "reading")
	require.NoError(t, err)
	assert.Equal(t, "reading\n", out)
}

func TestBatchCommand(t *testing.T) {
	setupEnv(t)
	in := `{"id": "a", "prompt": "Isabella is walking"}
{"id": "b", "prompt": "Klaus is reading"}
`
	out, _, err := run(t, in, "batch", "--workers", "2", "--rps", "0")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.JSONEq(t, `{"id":"a","output":"walking","fail_safe":false,"attempts":1,"request_id":`+requestID(t, lines[0])+`}`, lines[0])
	assert.Contains(t, lines[1], `"output":"reading"`)
}

func TestAskExtractObject(t *testing.T) {
	setupEnv(t)

	out, _, err := run(t, "", "ask", "Write a profile for Isabella", "--extract", "object")
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"Isabella","age":30}`, out)

	// a plain answer holds no object, so every attempt fails to decode
	out, errOut, err := run(t, "", "ask", "Isabella is", "--extract", "object", "--repeat", "2", "--fail-safe", `{"name":"unknown"}`)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"unknown"}`, out)
	assert.Contains(t, errOut, "fail-safe after 2 attempts")

	_, _, err = run(t, "", "ask", "x", "--extract", "object", "--single-word")
	assert.ErrorContains(t, err, "--single-word")
	_, _, err = run(t, "", "ask", "x", "--extract", "list")
	assert.ErrorContains(t, err, "--extract")
	_, _, err = run(t, "", "ask", "x", "--extract", "object", "--fail-safe", "idle")
	assert.ErrorContains(t, err, "--fail-safe")
}

func TestBatchExtractObject(t *testing.T) {
	setupEnv(t)
	in := `{"id": "a", "prompt": "Write a profile for Klaus"}
{"id": "b", "prompt": "Write a profile for Maria"}
`
	out, _, err := run(t, in, "batch", "--extract", "object", "--rps", "0")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	var res struct {
		ID     string         `json:"id"`
		Output map[string]any `json:"output"`
	}
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &res))
	assert.Equal(t, "b", res.ID)
	assert.Equal(t, map[string]any{"name": "Maria", "age": float64(30)}, res.Output)
}

func TestBatchSamplesEveryJob(t *testing.T) {
	fake := setupEnv(t)
	t.Setenv("PRIMARY_MODEL", "gpt-only")
	in := `{"id": "a", "prompt": "Isabella is walking"}
{"id": "b", "prompt": "Isabella is walking"}
`
	_, _, err := run(t, in, "batch", "--workers", "2", "--rps", "0")
	require.NoError(t, err)
	assert.Len(t, fake.bodies, 2, "each job makes its own request by default")

	out, _, err := run(t, in, "batch", "--workers", "2", "--rps", "0", "--dedup")
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(out), "\n"), 2)
}

func TestBareModelDropsSamplingParams(t *testing.T) {
	fake := setupEnv(t)
	t.Setenv("BARE_MODEL_PREFIXES", "gpt-fall")

	out, _, err := run(t, "", "ask", "Isabella is sleeping", "--max-tokens", "5", "--stop", ".", "--temperature", "0.7")
	require.NoError(t, err)
	assert.Equal(t, "sleeping\n", out)

	require.Len(t, fake.bodies, 2)
	assert.Contains(t, fake.bodies[0], "stop")
	assert.Contains(t, fake.bodies[0], "temperature")
	bare := fake.bodies[1]
	assert.Equal(t, "gpt-fallback", bare["model"])
	assert.NotContains(t, bare, "stop")
	assert.NotContains(t, bare, "temperature")
	assert.EqualValues(t, 5, bare["max_completion_tokens"])

	assert.True(t, bareModel([]string{"gpt-5", "o3"}, "gpt-5-nano"))
	assert.True(t, bareModel([]string{"gpt-5", "o3"}, "o3-mini"))
	assert.False(t, bareModel([]string{"gpt-5", ""}, "gpt-4o-mini"))
}

func requestID(t *testing.T, line string) string {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &m))
	b, _ := json.Marshal(m["request_id"])
	return string(b)
}

func TestBuildChainTiers(t *testing.T) {
	cfg := &config.Config{
		PrimaryModel:       "gpt-5-nano",
		FallbackModels:     []string{"gemini-2.0-flash", ""},
		CBFailureThreshold: 5,
	}
	c, err := buildChain(cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{"openai/gpt-5-nano", "gemini/gemini-2.0-flash"}, c.Tiers())
}

func TestSetupLoggingToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "safegen.log")
	var stderr bytes.Buffer
	closeLog, err := setupLogging(&config.Config{LogLevel: "info", LogFormat: "json", LogFile: path}, &stderr)
	require.NoError(t, err)
	defer closeLog()

	_, err = setupLogging(&config.Config{LogLevel: "loud"}, &stderr)
	assert.Error(t, err)
}
