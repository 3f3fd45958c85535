package main

import (
	"github.com/OFFIS-RIT/tabgraph/pkg/config"

	"github.com/spf13/cobra"
)

func newRunCommand(a *app) *cobra.Command {
	var (
		opts        config.Options
		aggregate   bool
		noAggregate bool
	)
	cmd := &cobra.Command{
		Use:   "run <recipe>",
		Short: "Run a dataset recipe",
		Long: `Run every stage of a dataset recipe: seed, extract, transform and load
each source, then merge the fragments into entities and write the dataset
index.

A failing source does not stop the others. The command exits non-zero when
any source failed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Aggregate = aggregateFlag(cmd, aggregate, noAggregate)
			n, closeNotifier := a.notifier()
			defer closeNotifier()

			result, err := a.runRecipe(cmd.Context(), args[0], opts, n)
			if result != nil {
				printResult(a.stdout, result)
			}
			return err
		},
	}

	flags := cmd.Flags()
	flags.IntVar(&opts.ChunkSize, "chunk-size", 0, "records per cached batch (default from recipe or CHUNK_SIZE)")
	flags.BoolVar(&aggregate, "aggregate", false, "merge fragments into entities")
	flags.BoolVar(&noAggregate, "no-aggregate", false, "only load fragments")
	flags.StringVar(&opts.IndexURI, "index-uri", "", "where to write the dataset index")
	flags.StringVar(&opts.FragmentsURI, "fragments-uri", "", "where to write fragment parts")
	flags.StringVar(&opts.EntitiesURI, "entities-uri", "", "where to write merged entities, or a bolt:// or postgres:// store")
	flags.StringVar(&opts.StoreURI, "store-uri", "", "aggregate through a bolt:// or postgres:// fragment store")
	cmd.MarkFlagsMutuallyExclusive("aggregate", "no-aggregate")
	return cmd
}

// aggregateFlag returns nil when neither flag was given so that the recipe
// decides.
func aggregateFlag(cmd *cobra.Command, aggregate, noAggregate bool) *bool {
	flags := cmd.Flags()
	switch {
	case flags.Changed("no-aggregate"):
		v := !noAggregate
		return &v
	case flags.Changed("aggregate"):
		return &aggregate
	}
	return nil
}
