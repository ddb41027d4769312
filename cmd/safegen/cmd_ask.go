package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/abdhe/safegen/pkg/prompt"
	"github.com/abdhe/safegen/pkg/provider"
	"github.com/abdhe/safegen/pkg/safegen"
)

// requestFlags are shared by ask and batch.
type requestFlags struct {
	repeat      int
	failSafe    string
	maxTokens   int32
	temperature float32
	stop        []string
	singleWord  bool
	maxWords    int
	jsonExample string
	instruction string
	extract     string
}

func (f *requestFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.IntVar(&f.repeat, "repeat", 0, "attempts before the fail-safe (default DEFAULT_REPEAT)")
	fs.StringVar(&f.failSafe, "fail-safe", "", "value returned when every attempt fails")
	fs.Int32Var(&f.maxTokens, "max-tokens", 0, "max output tokens")
	fs.Float32Var(&f.temperature, "temperature", 0, "sampling temperature (unset: provider default)")
	fs.StringSliceVar(&f.stop, "stop", nil, "stop sequences")
	fs.BoolVar(&f.singleWord, "single-word", false, "accept only single-word answers")
	fs.IntVar(&f.maxWords, "max-words", 0, "accept at most this many words")
	fs.StringVar(&f.jsonExample, "json", "", `ask for {"output": ...} and use this JSON value as the example`)
	fs.StringVar(&f.instruction, "instruction", "", "extra instruction appended to the JSON envelope")
	fs.StringVar(&f.extract, "extract", "", `"object" cuts the first {...} out of the answer and decodes it`)
}

func (f *requestFlags) genConfig(cmd *cobra.Command) provider.GenConfig {
	cfg := provider.GenConfig{MaxTokens: f.maxTokens, Stop: f.stop}
	if cmd.Flags().Changed("temperature") {
		cfg.Temperature = provider.Float32(f.temperature)
	}
	return cfg
}

func (f *requestFlags) policy(defaultRepeat int) (safegen.Policy[string], error) {
	if f.maxWords < 0 {
		return safegen.Policy[string]{}, errors.New("--max-words must not be negative")
	}
	vs := []safegen.Validator{safegen.NonEmpty}
	if f.singleWord {
		vs = append(vs, safegen.SingleWord)
	}
	if f.maxWords > 0 {
		vs = append(vs, safegen.MaxWords(f.maxWords))
	}
	return safegen.Policy[string]{
		Repeat:   f.repeatOr(defaultRepeat),
		FailSafe: f.failSafe,
		Validate: safegen.AllOf(vs...),
		CleanUp:  safegen.Trimmed,
	}, nil
}

// objectMode reports whether --extract object is set and rejects flags that
// cannot apply to it.
func (f *requestFlags) objectMode() (bool, error) {
	switch f.extract {
	case "":
		return false, nil
	case "object":
	default:
		return false, fmt.Errorf("--extract must be \"object\", got %q", f.extract)
	}
	if f.jsonExample != "" {
		return false, errors.New("--extract and --json are mutually exclusive")
	}
	if f.singleWord || f.maxWords != 0 {
		return false, errors.New("--single-word and --max-words do not apply to --extract object")
	}
	return true, nil
}

// objectPolicy decodes the answer into a JSON object. --fail-safe, when set,
// must itself be a JSON object.
func (f *requestFlags) objectPolicy(defaultRepeat int) (safegen.Policy[map[string]any], error) {
	policy := safegen.Policy[map[string]any]{
		Repeat:   f.repeatOr(defaultRepeat),
		Validate: safegen.NonEmpty,
		CleanUp:  safegen.DecodeJSON[map[string]any](),
	}
	if f.failSafe != "" {
		if err := json.Unmarshal([]byte(f.failSafe), &policy.FailSafe); err != nil {
			return policy, fmt.Errorf("--fail-safe must be a JSON object with --extract object: %w", err)
		}
	}
	return policy, nil
}

func (f *requestFlags) repeatOr(defaultRepeat int) int {
	if f.repeat == 0 {
		return defaultRepeat
	}
	return f.repeat
}

// jsonOutput decodes --json; a value that is not JSON is used as a string.
func (f *requestFlags) jsonOutput() (example any, ok bool) {
	if f.jsonExample == "" {
		return nil, false
	}
	if err := json.Unmarshal([]byte(f.jsonExample), &example); err != nil {
		return f.jsonExample, true
	}
	return example, true
}

func newAskCommand(a *app) *cobra.Command {
	var (
		flags    requestFlags
		template string
		inputs   []string
	)

	cmd := &cobra.Command{
		Use:   "ask [prompt]",
		Short: "Send one prompt and print the validated answer",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var text string
			switch {
			case template != "":
				t, err := prompt.Load(template, inputs...)
				if err != nil {
					return err
				}
				text = t
			case len(args) == 1:
				text = args[0]
			default:
				return errors.New("a prompt argument or --template is required")
			}

			objectMode, err := flags.objectMode()
			if err != nil {
				return err
			}
			if objectMode {
				policy, err := flags.objectPolicy(a.cfg.DefaultRepeat)
				if err != nil {
					return err
				}
				r, cleanup, err := buildRequester(cmd.Context(), a.cfg)
				if err != nil {
					return err
				}
				defer cleanup()
				out, err := safegen.RequestObject(cmd.Context(), r, text, flags.genConfig(cmd), policy)
				if err != nil {
					return err
				}
				return printOutcome(cmd, out, func(v map[string]any) (string, error) {
					b, err := json.Marshal(v)
					return string(b), err
				})
			}

			policy, err := flags.policy(a.cfg.DefaultRepeat)
			if err != nil {
				return err
			}
			r, cleanup, err := buildRequester(cmd.Context(), a.cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			var out safegen.Outcome[string]
			if example, ok := flags.jsonOutput(); ok {
				out, err = safegen.RequestJSON(cmd.Context(), r, text, example, flags.instruction, flags.genConfig(cmd), policy)
			} else {
				out, err = safegen.Request(cmd.Context(), r, text, flags.genConfig(cmd), policy)
			}
			if err != nil {
				return err
			}
			return printOutcome(cmd, out, func(v string) (string, error) { return v, nil })
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&template, "template", "", "prompt template file with !<INPUT n>! placeholders")
	cmd.Flags().StringArrayVar(&inputs, "input", nil, "template input, repeatable in order")
	return cmd
}

func printOutcome[T any](cmd *cobra.Command, out safegen.Outcome[T], format func(T) (string, error)) error {
	if out.FailSafe {
		fmt.Fprintf(cmd.ErrOrStderr(), "fail-safe after %d attempts: %s\n", out.Attempts, joinFailures(out.Failures))
	}
	text, err := format(out.Value)
	if err != nil {
		return fmt.Errorf("format output: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), text)
	return nil
}

func joinFailures(fs []*safegen.AttemptError) string {
	parts := make([]string, len(fs))
	for i, f := range fs {
		parts[i] = f.Error()
	}
	return strings.Join(parts, "; ")
}
