package main

import (
	"github.com/spf13/cobra"
)

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "tabgraph",
		Short: "Turn tabular datasets into deduplicated entities",
		Long: `tabgraph runs dataset recipes: every source is extracted into records,
records are mapped to entity fragments, and fragments sharing an id are
merged into one entity.

Stage results are cached by content, so running an unchanged recipe again
does no work.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newRunCommand(a),
		newExtractCommand(a),
		newTransformCommand(a),
		newInspectCommand(a),
		newMigrateCommand(a),
		newWorkerCommand(a),
	)
	return root
}
