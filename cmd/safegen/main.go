// safegen: validated-retry LLM requester.
//
// Environment variables (a .env file in the working directory is loaded first):
//
//	GRPC_PORT            gRPC server port (default: 50051)
//	METRICS_PORT         Prometheus metrics HTTP port (default: 9090)
//	REDIS_ADDR           Redis address; empty disables the answer cache
//	REDIS_PASSWORD       Redis password (default: "")
//	REDIS_DB             Redis database (default: 0)
//	CACHE_TTL            Cache TTL duration (default: 1h)
//	OPENAI_API_KEYS      Comma-separated OpenAI API keys
//	GEMINI_API_KEYS      Comma-separated Gemini API keys
//	OPENAI_BASE_URL      OpenAI-compatible base URL override
//	GEMINI_BASE_URL      Gemini base URL override
//	PRIMARY_MODEL        First model tried (default: gpt-5-nano)
//	FALLBACK_MODELS      Comma-separated fallback models (default: gpt-4o-mini)
//	FALLBACK_TEMPERATURE Temperature pinned on fallback tiers (default: 0)
//	EMBEDDING_MODEL      Embedding model (default: text-embedding-3-small)
//	BARE_MODEL_PREFIXES  Models sent only max tokens (default: gpt-5,o1,o3,o4)
//	REQUEST_TIMEOUT      Upstream request timeout (default: 30s)
//	GENERATE_TIMEOUT     Whole served request timeout (default: repeat x REQUEST_TIMEOUT)
//	REQUEST_DELAY        Pause before every attempt (default: 100ms)
//	RETRY_BASE_DELAY     Jittered backoff base after a failed attempt (default: 0)
//	RETRY_MAX_DELAY      Backoff cap (default: 5s)
//	DEFAULT_REPEAT       Attempts per request (default: 3)
//	CB_FAILURE_THRESHOLD Circuit breaker failure threshold (default: 5)
//	CB_COOLDOWN          Circuit breaker cooldown (default: 30s)
//	LOG_LEVEL            logrus level (default: info)
//	LOG_FORMAT           text or json (default: text)
//	LOG_FILE             rotate logs into this file instead of stderr
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/abdhe/safegen/pkg/config"
)

var version = "dev"

// app carries what every subcommand needs once the root has run.
type app struct {
	envFile  string
	logLevel string
	cfg      *config.Config
	closeLog func()
}

func newRootCommand() *cobra.Command {
	a := &app{closeLog: func() {}}

	cmd := &cobra.Command{
		Use:           "safegen",
		Short:         "Ask language models for answers that pass validation",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(a.envFile)
			if err != nil {
				return err
			}
			if a.logLevel != "" {
				cfg.LogLevel = a.logLevel
			}
			closeLog, err := setupLogging(cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			a.cfg, a.closeLog = cfg, closeLog
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			a.closeLog()
		},
	}
	cmd.PersistentFlags().StringVar(&a.envFile, "env-file", "", "dotenv file to load (default .env)")
	cmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override LOG_LEVEL")

	cmd.AddCommand(
		newAskCommand(a),
		newBatchCommand(a),
		newEmbedCommand(a),
		newServeCommand(a),
	)
	return cmd
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}
