package server

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/abdhe/safegen/pkg/provider"
	"github.com/abdhe/safegen/pkg/safegen"
)

func dial(t *testing.T, gen safegen.Generator) *grpc.ClientConn {
	t.Helper()
	return dialHandler(t, NewHandler(Config{Requester: safegen.New(gen), DefaultRepeat: 2}))
}

func dialHandler(t *testing.T, h *Handler) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1024 * 1024)
	srv := NewServer(h)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.DialContext(context.Background(), "bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func mustStruct(t *testing.T, m map[string]any) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(m)
	require.NoError(t, err)
	return s
}

func TestGenerateValidated(t *testing.T) {
	var maxTokens int32
	gen := safegen.GeneratorFunc(func(_ context.Context, _ string, cfg provider.GenConfig) (string, error) {
		maxTokens = cfg.MaxTokens
		return " sleeping ", nil
	})
	conn := dial(t, gen)

	out, err := Generate(context.Background(), conn, mustStruct(t, map[string]any{
		"prompt":    "Isabella is",
		"config":    map[string]any{"max_tokens": 20},
		"fail_safe": "idle",
		"validator": map[string]any{"single_word": true},
	}))
	require.NoError(t, err)
	fields := out.AsMap()
	assert.Equal(t, "sleeping", fields["output"])
	assert.Equal(t, false, fields["fail_safe"])
	assert.EqualValues(t, 1, fields["attempts"])
	assert.NotEmpty(t, fields["request_id"])
	assert.EqualValues(t, 20, maxTokens)
}

func TestGenerateFailSafe(t *testing.T) {
	var calls atomic.Int32
	gen := safegen.GeneratorFunc(func(context.Context, string, provider.GenConfig) (string, error) {
		calls.Add(1)
		return "far too many words here", nil
	})
	conn := dial(t, gen)

	out, err := Generate(context.Background(), conn, mustStruct(t, map[string]any{
		"prompt":    "Isabella is",
		"fail_safe": "idle",
		"validator": map[string]any{"max_words": 2},
	}))
	require.NoError(t, err)
	fields := out.AsMap()
	assert.Equal(t, "idle", fields["output"])
	assert.Equal(t, true, fields["fail_safe"])
	assert.EqualValues(t, 2, calls.Load(), "default repeat from handler config")
	assert.Len(t, fields["failures"], 2)
}

func TestGenerateJSONOutput(t *testing.T) {
	gen := safegen.GeneratorFunc(func(_ context.Context, prompt string, _ provider.GenConfig) (string, error) {
		if !strings.Contains(prompt, `{"output":"calm"}`) {
			return "", nil
		}
		return `{"output": "tired"}`, nil
	})
	conn := dial(t, gen)

	out, err := Generate(context.Background(), conn, mustStruct(t, map[string]any{
		"prompt":      "Mood?",
		"repeat":      1,
		"json_output": map[string]any{"example": "calm", "instruction": "One word."},
	}))
	require.NoError(t, err)
	assert.Equal(t, "tired", out.AsMap()["output"])
}

func TestGenerateInvalidArgument(t *testing.T) {
	conn := dial(t, safegen.GeneratorFunc(func(context.Context, string, provider.GenConfig) (string, error) {
		return "x", nil
	}))

	cases := map[string]map[string]any{
		"missing prompt":       {"fail_safe": "x"},
		"blank prompt":         {"prompt": "  "},
		"negative repeat":      {"prompt": "p", "repeat": -1},
		"fractional":           {"prompt": "p", "repeat": 1.5},
		"bad config":           {"prompt": "p", "config": map[string]any{"max_tokens": "many"}},
		"bad max_words":        {"prompt": "p", "validator": map[string]any{"max_words": 0}},
		"bad fail_safe":        {"prompt": "p", "fail_safe": 3},
		"object fail_safe":     {"prompt": "p", "fail_safe": map[string]any{"name": "x"}},
		"bad extract":          {"prompt": "p", "extract": "array"},
		"extract string safe":  {"prompt": "p", "extract": "object", "fail_safe": "x"},
		"extract and envelope": {"prompt": "p", "extract": "object", "json_output": map[string]any{}},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Generate(context.Background(), conn, mustStruct(t, in))
			require.Error(t, err)
			assert.Equal(t, codes.InvalidArgument, status.Code(err))
		})
	}
}

func TestGenerateExtractObject(t *testing.T) {
	var calls atomic.Int32
	gen := safegen.GeneratorFunc(func(context.Context, string, provider.GenConfig) (string, error) {
		if calls.Add(1) == 1 {
			return "no object here", nil
		}
		return "Sure!\n{\"name\": \"Isabella\", \"traits\": [\"kind\", \"curious\"]}\nHope this helps.", nil
	})
	conn := dial(t, gen)

	out, err := Generate(context.Background(), conn, mustStruct(t, map[string]any{
		"prompt":    "Describe Isabella as JSON.",
		"extract":   "object",
		"fail_safe": map[string]any{"name": "unknown"},
	}))
	require.NoError(t, err)
	fields := out.AsMap()
	assert.Equal(t, map[string]any{"name": "Isabella", "traits": []any{"kind", "curious"}}, fields["output"])
	assert.EqualValues(t, 2, fields["attempts"])
	assert.Equal(t, false, fields["fail_safe"])

	gen2 := safegen.GeneratorFunc(func(context.Context, string, provider.GenConfig) (string, error) {
		return "{not json}", nil
	})
	out, err = Generate(context.Background(), dial(t, gen2), mustStruct(t, map[string]any{
		"prompt":    "Describe Isabella as JSON.",
		"extract":   "object",
		"fail_safe": map[string]any{"name": "unknown"},
	}))
	require.NoError(t, err)
	fields = out.AsMap()
	assert.Equal(t, map[string]any{"name": "unknown"}, fields["output"])
	assert.Equal(t, true, fields["fail_safe"])
}

func TestHandlerTimeout(t *testing.T) {
	h := NewHandler(Config{CallTimeout: time.Second})
	assert.Equal(t, 3*time.Second, h.timeout(3))
	assert.Equal(t, time.Second, h.timeout(0))

	h = NewHandler(Config{CallTimeout: time.Second, GenerateTimeout: 10 * time.Second})
	assert.Equal(t, 10*time.Second, h.timeout(3))
}

func TestGenerateSlowFirstCallLeavesRetryBudget(t *testing.T) {
	var calls atomic.Int32
	gen := safegen.GeneratorFunc(func(ctx context.Context, _ string, _ provider.GenConfig) (string, error) {
		if calls.Add(1) == 1 {
			// a call that runs into the per-call transport timeout
			select {
			case <-time.After(60 * time.Millisecond):
				return "", errors.New("Client.Timeout exceeded while awaiting headers")
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		return "awake", nil
	})
	conn := dialHandler(t, NewHandler(Config{
		Requester:     safegen.New(gen),
		DefaultRepeat: 3,
		CallTimeout:   50 * time.Millisecond,
	}))

	out, err := Generate(context.Background(), conn, mustStruct(t, map[string]any{
		"prompt":    "Isabella is",
		"fail_safe": "idle",
	}))
	require.NoError(t, err)
	fields := out.AsMap()
	assert.Equal(t, "awake", fields["output"])
	assert.EqualValues(t, 2, fields["attempts"])
}
