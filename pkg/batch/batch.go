// Package batch runs many validated requests with bounded concurrency and a
// job start rate limit. Jobs and results travel as JSON lines.
package batch

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/abdhe/safegen/pkg/provider"
	"github.com/abdhe/safegen/pkg/safegen"
)

// DefaultWorkers is used when Options.Workers is not positive.
const DefaultWorkers = 4

// Job is one input line.
type Job struct {
	ID     string `json:"id"`
	Prompt string `json:"prompt"`
}

// Result is one output line.
type Result[T any] struct {
	ID        string `json:"id"`
	Output    T      `json:"output"`
	FailSafe  bool   `json:"fail_safe"`
	Attempts  int    `json:"attempts"`
	Cached    bool   `json:"cached,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// JSONOutput asks for the answer wrapped in {"output": ...}.
type JSONOutput struct {
	Example     any
	Instruction string
}

// Options controls a run.
type Options struct {
	Workers int
	// RPS limits how many jobs start per second across workers. Zero means no
	// limit. One job may still make up to repeat x tiers upstream calls.
	RPS    float64
	Config provider.GenConfig
	JSON   *JSONOutput
	// Object cuts a JSON object out of each answer and decodes it into the
	// result type. Ignored when JSON is set.
	Object bool
	// Dedup lets jobs with the same prompt that are in flight together share
	// one request. Off by default so every job gets its own sample.
	Dedup bool
}

// ReadJobs parses JSON lines. Blank lines are skipped; a line without an id
// gets its line number.
func ReadJobs(r io.Reader) ([]Job, error) {
	var jobs []Job
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		var j Job
		if err := json.Unmarshal([]byte(text), &j); err != nil {
			return nil, fmt.Errorf("batch: line %d: %w", line, err)
		}
		if j.ID == "" {
			j.ID = fmt.Sprintf("%d", line)
		}
		jobs = append(jobs, j)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("batch: read: %w", err)
	}
	return jobs, nil
}

// WriteResults writes one JSON object per line.
func WriteResults[T any](w io.Writer, results []Result[T]) error {
	enc := json.NewEncoder(w)
	for _, res := range results {
		if err := enc.Encode(res); err != nil {
			return fmt.Errorf("batch: write %s: %w", res.ID, err)
		}
	}
	return nil
}

// Run executes every job and returns results in input order. A malformed job
// is reported in its Result.Error and does not stop the run; only a cancelled
// context does. With Options.Dedup, identical prompts in flight at the same
// time share one request.
func Run[T any](ctx context.Context, r *safegen.Requester, jobs []Job, policy safegen.Policy[T], opts Options) ([]Result[T], error) {
	workers := opts.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	limit := rate.Inf
	if opts.RPS > 0 {
		limit = rate.Limit(opts.RPS)
	}
	limiter := rate.NewLimiter(limit, 1)
	entry := log.WithField("component", "batch")

	results := make([]Result[T], len(jobs))
	var sf singleflight.Group

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, job := range jobs {
		g.Go(func() error {
			if err := limiter.Wait(gctx); err != nil {
				return fmt.Errorf("batch: job %s: %w", job.ID, err)
			}
			var (
				out    safegen.Outcome[T]
				err    error
				shared bool
			)
			if opts.Dedup {
				var v any
				v, err, shared = sf.Do(safegen.CacheKey(job.Prompt, opts.Config), func() (any, error) {
					return request(gctx, r, job.Prompt, policy, opts)
				})
				if err == nil {
					out = v.(safegen.Outcome[T])
				}
			} else {
				out, err = request(gctx, r, job.Prompt, policy, opts)
			}
			res := Result[T]{ID: job.ID}
			if err != nil {
				if !errors.Is(err, safegen.ErrInvalidRequest) {
					return err
				}
				res.Error = err.Error()
				entry.WithField("job", job.ID).WithError(err).Warn("job rejected")
			} else {
				res.Output, res.FailSafe, res.Attempts = out.Value, out.FailSafe, out.Attempts
				res.Cached, res.RequestID = out.Cached, out.RequestID
			}
			if shared {
				entry.WithField("job", job.ID).Debug("shared in-flight result")
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

func request[T any](ctx context.Context, r *safegen.Requester, prompt string, policy safegen.Policy[T], opts Options) (safegen.Outcome[T], error) {
	if opts.JSON != nil {
		return safegen.RequestJSON(ctx, r, prompt, opts.JSON.Example, opts.JSON.Instruction, opts.Config, policy)
	}
	if opts.Object {
		return safegen.RequestObject(ctx, r, prompt, opts.Config, policy)
	}
	return safegen.Request(ctx, r, prompt, opts.Config, policy)
}
