package main

import (
	"io"
	"os"

	"github.com/OFFIS-RIT/tabgraph/pkg/common"
	"github.com/OFFIS-RIT/tabgraph/pkg/config"
	"github.com/OFFIS-RIT/tabgraph/pkg/extract"
	"github.com/OFFIS-RIT/tabgraph/pkg/logger"
	"github.com/OFFIS-RIT/tabgraph/pkg/pipeline"

	"github.com/spf13/cobra"
)

func newTransformCommand(a *app) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "transform <recipe> [records.ndjson]",
		Short: "Map records to entity fragments",
		Long: `Apply the transform of a recipe to newline-delimited JSON records read
from a file or stdin and write the resulting fragments. Nothing is cached
or loaded.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := a.open(ctx, args[0], config.Options{})
			if err != nil {
				return err
			}
			defer s.Close()

			var in io.Reader = a.stdin
			name := "stdin"
			if len(args) == 2 && args[1] != "-" {
				f, err := os.Open(args[1])
				if err != nil {
					return err
				}
				defer f.Close()
				in, name = f, args[1]
			}

			w, err := a.openOutput(ctx, s.pc.Storage, out)
			if err != nil {
				return err
			}
			n, err := pipeline.TransformRecords(ctx, s.pc, s.handlers.Transform, extract.ReadNDJSON(ctx, in, name), func(e common.Entity) error {
				return w.Encode(e)
			})
			if err != nil {
				w.abort()
				return err
			}
			if err := w.close(); err != nil {
				return err
			}
			logger.Info("[Transform] Done", "fragments", n)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "", "where to write fragments (- for stdout)")
	return cmd
}
