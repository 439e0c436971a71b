package main

import (
	"fmt"

	"github.com/gotnull/meshsync/internal/app"
	"github.com/gotnull/meshsync/internal/observability"
	"github.com/gotnull/meshsync/internal/replay"
	"github.com/spf13/cobra"
)

func replayCommand() *cobra.Command {
	var opts replay.Options
	var source string

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Feed archived packet_history envelopes through the signal handler",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			node, err := app.New(ctx, cfg, logger, nil)
			if err != nil {
				return err
			}
			defer node.Close()

			if opts.MaxEnvelopeBytes == 0 {
				opts.MaxEnvelopeBytes = cfg.MaxEnvelopeBytes
			}
			opts.Logger = observability.Component(logger, "replay")
			res, err := replay.ReplaySQLite(ctx, source, node.Decoder, node.Handler, opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "replayed %d packets (%d skipped)\n", res.Replayed, res.Skipped)
			return nil
		},
	}

	cmd.Flags().StringVar(&source, "source", "", "path to SQLite capture database with packet_history")
	_ = cmd.MarkFlagRequired("source")
	cmd.Flags().Int64Var(&opts.StartID, "start-id", 0, "replay starting from packet_history.id (inclusive)")
	cmd.Flags().Int64Var(&opts.EndID, "end-id", 0, "replay up to packet_history.id (inclusive)")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "limit the number of packets to replay (0 = all)")
	cmd.Flags().IntVar(&opts.MaxEnvelopeBytes, "max-envelope-bytes", 0, "skip envelopes above this size (0 = config value)")
	return cmd
}
