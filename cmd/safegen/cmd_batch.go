package main

import (
	"fmt"
	"io"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/abdhe/safegen/pkg/batch"
	"github.com/abdhe/safegen/pkg/safegen"
)

func newBatchCommand(a *app) *cobra.Command {
	var (
		flags   requestFlags
		inPath  string
		outPath string
		workers int
		rps     float64
		dedup   bool
	)

	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Run JSONL prompts through the requester and write JSONL results",
		Long: `Reads {"id": ..., "prompt": ...} lines and writes
{"id": ..., "output": ..., "fail_safe": ..., "attempts": ...} lines in input order.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			in := cmd.InOrStdin()
			if inPath != "" && inPath != "-" {
				f, err := os.Open(inPath)
				if err != nil {
					return fmt.Errorf("open input: %w", err)
				}
				defer f.Close()
				in = f
			}
			jobs, err := batch.ReadJobs(in)
			if err != nil {
				return err
			}

			objectMode, err := flags.objectMode()
			if err != nil {
				return err
			}
			opts := batch.Options{Workers: workers, RPS: rps, Config: flags.genConfig(cmd), Dedup: dedup}
			if example, ok := flags.jsonOutput(); ok {
				opts.JSON = &batch.JSONOutput{Example: example, Instruction: flags.instruction}
			}

			openOut := func() (io.Writer, func(), error) {
				if outPath == "" || outPath == "-" {
					return cmd.OutOrStdout(), func() {}, nil
				}
				f, err := os.Create(outPath)
				if err != nil {
					return nil, nil, fmt.Errorf("create output: %w", err)
				}
				return f, func() { f.Close() }, nil
			}

			r, cleanup, err := buildRequester(cmd.Context(), a.cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			log.WithFields(log.Fields{"jobs": len(jobs), "workers": workers, "rps": rps, "dedup": dedup}).Info("batch started")
			if objectMode {
				policy, err := flags.objectPolicy(a.cfg.DefaultRepeat)
				if err != nil {
					return err
				}
				opts.Object = true
				return runBatch(cmd, r, jobs, policy, opts, openOut)
			}
			policy, err := flags.policy(a.cfg.DefaultRepeat)
			if err != nil {
				return err
			}
			return runBatch(cmd, r, jobs, policy, opts, openOut)
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVarP(&inPath, "in", "i", "-", "input JSONL file")
	cmd.Flags().StringVarP(&outPath, "out", "o", "-", "output JSONL file")
	cmd.Flags().IntVar(&workers, "workers", batch.DefaultWorkers, "concurrent requests")
	cmd.Flags().Float64Var(&rps, "rps", 10, "job starts per second, 0 for no limit")
	cmd.Flags().BoolVar(&dedup, "dedup", false, "let concurrent jobs with the same prompt share one request")
	return cmd
}

func runBatch[T any](cmd *cobra.Command, r *safegen.Requester, jobs []batch.Job, policy safegen.Policy[T], opts batch.Options,
	openOut func() (io.Writer, func(), error)) error {
	results, runErr := batch.Run(cmd.Context(), r, jobs, policy, opts)

	out, closeOut, err := openOut()
	if err != nil {
		return err
	}
	defer closeOut()
	if err := batch.WriteResults(out, results); err != nil {
		return err
	}

	failSafe := 0
	for _, res := range results {
		if res.FailSafe {
			failSafe++
		}
	}
	log.WithFields(log.Fields{"jobs": len(results), "fail_safe": failSafe}).Info("batch finished")
	return runErr
}
