package main

import (
	"fmt"

	"github.com/OFFIS-RIT/tabgraph/pkg/config"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newInspectCommand(a *app) *cobra.Command {
	var seed bool
	cmd := &cobra.Command{
		Use:   "inspect <recipe>",
		Short: "Print a recipe with every default filled in",
		Long: `Print the recipe as it will be run: handler names, output locations and
resolved source paths. With --seed the seed handler runs and the sources
it finds are listed as well.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadRecipe(args[0], config.Options{})
			if err != nil {
				return err
			}
			if _, err := a.registry.Resolve(cfg); err != nil {
				return err
			}

			out, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("failed to encode recipe: %w", err)
			}
			fmt.Fprintf(a.stdout, "# checksum: %s\n", cfg.Checksum())
			fmt.Fprintf(a.stdout, "# aggregate: %t\n", cfg.ShouldAggregate())
			if _, err := a.stdout.Write(out); err != nil {
				return err
			}

			if !seed {
				return nil
			}
			ctx := cmd.Context()
			s, err := a.open(ctx, args[0], config.Options{})
			if err != nil {
				return err
			}
			defer s.Close()
			if s.handlers.Seed == nil {
				fmt.Fprintln(a.stdout, "# no seed handler")
				return nil
			}
			seeded, err := s.handlers.Seed(ctx, s.pc)
			if err != nil {
				return fmt.Errorf("failed to seed sources: %w", err)
			}
			fmt.Fprintf(a.stdout, "# seeded %d sources\n", len(seeded))
			for _, src := range seeded {
				fmt.Fprintf(a.stdout, "- %s\n", src.URI)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&seed, "seed", false, "run the seed handler and list the sources it finds")
	return cmd
}
