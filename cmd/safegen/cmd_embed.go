package main

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/abdhe/safegen/pkg/provider"
)

func newEmbedCommand(a *app) *cobra.Command {
	var model string

	cmd := &cobra.Command{
		Use:   "embed <text>",
		Short: "Print the embedding vector of a text as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(a.cfg.OpenAIKeys) == 0 {
				return errors.New("OPENAI_API_KEYS is required for embeddings")
			}
			if model == "" {
				model = a.cfg.EmbeddingModel
			}
			e := provider.NewEmbedder(a.cfg.OpenAIKeys[0], model,
				provider.WithHTTPClient(&http.Client{Timeout: a.cfg.RequestTimeout}),
				provider.WithBaseURL(a.cfg.OpenAIBaseURL),
			)
			vec, err := e.Embed(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return json.NewEncoder(cmd.OutOrStdout()).Encode(vec)
		},
	}
	cmd.Flags().StringVar(&model, "model", "", "embedding model (default EMBEDDING_MODEL)")
	return cmd
}
