package main

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gotnull/meshsync/internal/app"
	"github.com/gotnull/meshsync/internal/codec"
	"github.com/gotnull/meshsync/internal/mqtt"
	"github.com/spf13/cobra"
)

func watchCommand() *cobra.Command {
	var idle time.Duration

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print decoded uplinks without storing anything",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			mqttCfg := app.BuildMQTTConfig(cfg)
			mqttCfg.ClientID = fmt.Sprintf("%s-watch-%d", programName, time.Now().UnixNano())
			client, err := mqtt.NewClient(mqttCfg, mqtt.WithLogger(logger))
			if err != nil {
				return fmt.Errorf("create client: %w", err)
			}
			if err := client.Start(ctx); err != nil {
				return fmt.Errorf("start client: %w", err)
			}
			defer client.Stop()

			decoder := codec.NewMeshtasticDecoder(codec.MeshtasticConfig{MaxEnvelopeBytes: cfg.MaxEnvelopeBytes})
			logger.Info("watching uplinks",
				slog.String("broker", mqttCfg.BrokerHost),
				slog.String("topic", mqttCfg.SubscriptionTopic()))

			if idle <= 0 {
				idle = 30 * time.Second
			}
			ticker := time.NewTicker(idle)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return nil
				case msg, ok := <-client.Messages():
					if !ok {
						return nil
					}
					printPacket(cmd, decoder, msg)
				case err, ok := <-client.Errors():
					if ok {
						logger.Warn("mqtt error", slog.Any("error", err))
					}
				case <-ticker.C:
					logger.Info("still connected, no messages in the last interval")
				}
			}
		},
	}
	cmd.Flags().DurationVar(&idle, "idle-report", 30*time.Second, "log a heartbeat at this interval")
	return cmd
}

func printPacket(cmd *cobra.Command, decoder codec.Decoder, msg mqtt.Message) {
	out := cmd.OutOrStdout()
	pkt, err := decoder.Decode(cmd.Context(), msg)
	if err != nil {
		if !errors.Is(err, codec.ErrUnsupportedTopic) {
			fmt.Fprintf(out, "ERR topic=%s size=%d: %v\n", msg.Topic, len(msg.Payload), err)
		}
		return
	}
	fmt.Fprintf(out, "PKT id=%d from=%s to=%s type=%s hops=%d/%d\n",
		pkt.ID, codec.NodeName(pkt.From), codec.NodeName(pkt.To), pkt.TypeName(), pkt.HopLimit, pkt.HopStart)
	if pkt.PortNum != codec.PortPrivateApp || pkt.Encrypted {
		return
	}
	if sig, err := codec.DecodeSignal(pkt.Payload); err == nil {
		fmt.Fprintf(out, "    signal sid=%q ttl=%s content=%q\n", sig.ID, sig.TTL(), sig.Content)
	}
}
