// Package server exposes the validated retry requester over gRPC.
package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/abdhe/safegen/pkg/provider"
	"github.com/abdhe/safegen/pkg/safegen"
)

// Handler implements RequesterServer on top of a safegen.Requester.
type Handler struct {
	requester       *safegen.Requester
	defaultRepeat   int
	callTimeout     time.Duration
	generateTimeout time.Duration
}

// Config holds the handler configuration.
type Config struct {
	Requester     *safegen.Requester
	DefaultRepeat int
	// CallTimeout is the per-call upstream timeout. Without GenerateTimeout a
	// request gets repeat x CallTimeout.
	CallTimeout     time.Duration
	GenerateTimeout time.Duration
}

// NewHandler creates a new gRPC handler.
func NewHandler(cfg Config) *Handler {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	if cfg.DefaultRepeat <= 0 {
		cfg.DefaultRepeat = safegen.DefaultRepeat
	}
	return &Handler{
		requester:       cfg.Requester,
		defaultRepeat:   cfg.DefaultRepeat,
		callTimeout:     cfg.CallTimeout,
		generateTimeout: cfg.GenerateTimeout,
	}
}

// timeout bounds a whole request, every attempt included.
func (h *Handler) timeout(repeat int) time.Duration {
	if h.generateTimeout > 0 {
		return h.generateTimeout
	}
	if repeat < 1 {
		repeat = 1
	}
	return time.Duration(repeat) * h.callTimeout
}

// NewServer builds a grpc.Server with the handler and reflection registered.
func NewServer(h *Handler, opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{
		grpc.MaxRecvMsgSize(4 * 1024 * 1024),
		grpc.MaxSendMsgSize(16 * 1024 * 1024),
		grpc.ChainUnaryInterceptor(logUnary),
	}, opts...)
	s := grpc.NewServer(opts...)
	Register(s, h)
	reflection.Register(s)
	return s
}

// generateRequest is the decoded input message.
//
//	{
//	  "prompt": "...",                       required
//	  "config": {"max_tokens": 50, ...},     optional GenConfig keys
//	  "repeat": 3,                           optional retry budget
//	  "fail_safe": "...",                    value on exhaustion
//	  "validator": {"single_word": true, "max_words": 5},
//	  "json_output": {"example": ..., "instruction": "..."},
//	  "extract": "object"                    decode a JSON object; fail_safe may be an object
//	}
type generateRequest struct {
	prompt      string
	cfg         provider.GenConfig
	repeat      int
	failSafe    any
	validate    safegen.Validator
	object      bool
	jsonOutput  bool
	example     any
	instruction string
}

// Generate runs one validated request. Malformed input is InvalidArgument;
// everything else ends in either a validated output or the fail-safe value.
func (h *Handler) Generate(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := h.decode(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	ctx, cancel := context.WithTimeout(ctx, h.timeout(req.repeat))
	defer cancel()

	var out outcome
	if req.object {
		failSafe, _ := req.failSafe.(map[string]any)
		out, err = wrap(safegen.RequestObject(ctx, h.requester, req.prompt, req.cfg, safegen.Policy[map[string]any]{
			Repeat:   req.repeat,
			FailSafe: failSafe,
			Validate: safegen.NonEmpty,
		}))
	} else {
		failSafe, _ := req.failSafe.(string)
		policy := safegen.Policy[string]{
			Repeat:   req.repeat,
			FailSafe: failSafe,
			Validate: req.validate,
			CleanUp:  safegen.Trimmed,
		}
		if req.jsonOutput {
			out, err = wrap(safegen.RequestJSON(ctx, h.requester, req.prompt, req.example, req.instruction, req.cfg, policy))
		} else {
			out, err = wrap(safegen.Request(ctx, h.requester, req.prompt, req.cfg, policy))
		}
	}
	if err != nil {
		if errors.Is(err, safegen.ErrInvalidRequest) {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		return nil, status.Error(codes.Internal, err.Error())
	}

	failures := make([]any, len(out.failures))
	for i, f := range out.failures {
		failures[i] = f.Error()
	}
	resp, err := structpb.NewStruct(map[string]any{
		"output":     out.value,
		"fail_safe":  out.failSafe,
		"attempts":   out.attempts,
		"cached":     out.cached,
		"request_id": out.requestID,
		"failures":   failures,
	})
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return resp, nil
}

func (h *Handler) decode(in *structpb.Struct) (generateRequest, error) {
	req := generateRequest{repeat: h.defaultRepeat}
	fields := in.AsMap()

	p, ok := fields["prompt"].(string)
	if !ok {
		return req, errors.New("prompt must be a string")
	}
	req.prompt = p

	if raw, ok := fields["config"]; ok {
		m, ok := raw.(map[string]any)
		if !ok {
			return req, errors.New("config must be an object")
		}
		cfg, err := provider.ParseGenConfig(m)
		if err != nil {
			return req, err
		}
		req.cfg = cfg
	}

	if raw, ok := fields["repeat"]; ok {
		n, ok := raw.(float64)
		if !ok || n != float64(int(n)) {
			return req, fmt.Errorf("repeat must be an integer, got %v", raw)
		}
		req.repeat = int(n)
	}

	if raw, ok := fields["extract"]; ok {
		if raw != "object" {
			return req, fmt.Errorf("extract must be \"object\", got %v", raw)
		}
		req.object = true
	}

	if raw, ok := fields["fail_safe"]; ok {
		_, isString := raw.(string)
		_, isObject := raw.(map[string]any)
		switch {
		case req.object && !isObject:
			return req, errors.New("fail_safe must be an object with extract")
		case !req.object && !isString:
			return req, errors.New("fail_safe must be a string")
		}
		req.failSafe = raw
	}

	v, err := decodeValidator(fields["validator"])
	if err != nil {
		return req, err
	}
	req.validate = v

	if raw, ok := fields["json_output"]; ok {
		if req.object {
			return req, errors.New("json_output and extract are mutually exclusive")
		}
		m, ok := raw.(map[string]any)
		if !ok {
			return req, errors.New("json_output must be an object")
		}
		req.jsonOutput = true
		req.example = m["example"]
		if instr, ok := m["instruction"]; ok {
			s, ok := instr.(string)
			if !ok {
				return req, errors.New("json_output.instruction must be a string")
			}
			req.instruction = s
		}
	}
	return req, nil
}

// outcome is the type-erased part of a safegen.Outcome the response needs.
type outcome struct {
	value     any
	failSafe  bool
	attempts  int
	cached    bool
	requestID string
	failures  []*safegen.AttemptError
}

func wrap[T any](out safegen.Outcome[T], err error) (outcome, error) {
	return outcome{
		value:     out.Value,
		failSafe:  out.FailSafe,
		attempts:  out.Attempts,
		cached:    out.Cached,
		requestID: out.RequestID,
		failures:  out.Failures,
	}, err
}

// decodeValidator always includes NonEmpty.
func decodeValidator(raw any) (safegen.Validator, error) {
	vs := []safegen.Validator{safegen.NonEmpty}
	if raw == nil {
		return safegen.AllOf(vs...), nil
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, errors.New("validator must be an object")
	}
	if b, _ := m["single_word"].(bool); b {
		vs = append(vs, safegen.SingleWord)
	}
	if n, ok := m["max_words"]; ok {
		f, ok := n.(float64)
		if !ok || f < 1 || f != float64(int(f)) {
			return nil, fmt.Errorf("validator.max_words must be a positive integer, got %v", n)
		}
		vs = append(vs, safegen.MaxWords(int(f)))
	}
	return safegen.AllOf(vs...), nil
}

func logUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	entry := log.WithFields(log.Fields{
		"component": "server",
		"method":    info.FullMethod,
		"code":      status.Code(err).String(),
		"duration":  time.Since(start),
	})
	if err != nil {
		entry.WithError(err).Warn("rpc failed")
	} else {
		entry.Debug("rpc served")
	}
	return resp, err
}
