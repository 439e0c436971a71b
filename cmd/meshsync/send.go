package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gotnull/meshsync/internal/app"
	"github.com/gotnull/meshsync/internal/codec"
	"github.com/spf13/cobra"
)

func sendCommand() *cobra.Command {
	var (
		to      string
		channel uint8
		wantAck bool
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "send <text>",
		Short: "Queue a text message for the mesh and wait for it to leave",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dest, err := parseNode(to)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			node, err := app.New(ctx, cfg, logger, nil)
			if err != nil {
				return err
			}
			defer node.Close()

			id, err := node.Send(ctx, strings.Join(args, " "), dest, channel, wantAck)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent %s to %s\n", id, codec.NodeName(dest))
			return nil
		},
	}

	cmd.Flags().StringVar(&to, "to", "broadcast", "destination node (!hex, decimal or broadcast)")
	cmd.Flags().Uint8Var(&channel, "channel", 0, "channel index")
	cmd.Flags().BoolVar(&wantAck, "want-ack", false, "request a routing ack")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "give up after this long")
	return cmd
}

// parseNode accepts "broadcast", "!a1b2c3d4", "0xa1b2c3d4" or a decimal node number.
func parseNode(s string) (uint32, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	switch {
	case s == "" || s == "broadcast" || s == "^all":
		return codec.BroadcastAddr, nil
	case strings.HasPrefix(s, "!"):
		v, err := strconv.ParseUint(s[1:], 16, 32)
		if err != nil {
			return 0, fmt.Errorf("invalid node %q: %w", s, err)
		}
		return uint32(v), nil
	default:
		v, err := strconv.ParseUint(s, 0, 32)
		if err != nil {
			return 0, fmt.Errorf("invalid node %q: %w", s, err)
		}
		return uint32(v), nil
	}
}
