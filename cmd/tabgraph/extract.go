package main

import (
	"fmt"
	"slices"

	"github.com/OFFIS-RIT/tabgraph/pkg/config"
	"github.com/OFFIS-RIT/tabgraph/pkg/logger"
	"github.com/OFFIS-RIT/tabgraph/pkg/pipeline"

	"github.com/spf13/cobra"
)

func newExtractCommand(a *app) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "extract <recipe>",
		Short: "Write the raw records of every source",
		Long: `Extract every source of a recipe and write its records as
newline-delimited JSON, without transforming or caching them.

Records go to --output, the recipe's extract.records_uri, or stdout.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := a.open(ctx, args[0], config.Options{})
			if err != nil {
				return err
			}
			defer s.Close()

			sources := slices.Clone(s.pc.Config.Extract.Sources)
			if s.handlers.Seed != nil {
				seeded, err := s.handlers.Seed(ctx, s.pc)
				if err != nil {
					return fmt.Errorf("failed to seed sources: %w", err)
				}
				sources = append(sources, seeded...)
			}

			uri := out
			if !cmd.Flags().Changed("output") {
				uri = s.pc.Config.Extract.RecordsURI
			}
			w, err := a.openOutput(ctx, s.pc.Storage, uri)
			if err != nil {
				return err
			}

			total := 0
			for _, src := range sources {
				n, err := pipeline.NewExecutor(s.pc, s.handlers, src).Extract(ctx, w)
				total += n
				if err != nil {
					w.abort()
					return err
				}
				logger.Info("[Extract] Extracted source", "source", src.DisplayName(), "records", n)
			}
			if err := w.close(); err != nil {
				return err
			}
			logger.Info("[Extract] Done", "sources", len(sources), "records", total)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "", "where to write records (- for stdout)")
	return cmd
}
