package main

import (
	"github.com/gotnull/meshsync/internal/app"
	"github.com/gotnull/meshsync/internal/observability"
	"github.com/spf13/cobra"
)

func runCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Subscribe to the broker and keep signals in sync",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			metrics := observability.NewMetrics()

			node, err := app.New(ctx, cfg, logger, metrics)
			if err != nil {
				return err
			}
			defer node.Close()

			return node.Run(ctx)
		},
	}
}
