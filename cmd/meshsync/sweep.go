package main

import (
	"fmt"

	"github.com/gotnull/meshsync/internal/app"
	"github.com/spf13/cobra"
)

func sweepCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Remove expired signals and stale dedupe entries once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			node, err := app.New(ctx, cfg, logger, nil)
			if err != nil {
				return err
			}
			defer node.Close()

			removed, err := node.Sweep(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d expired signals\n", removed)
			return nil
		},
	}
}
