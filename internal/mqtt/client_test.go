package mqtt_test

import (
	"context"
	"errors"
	"testing"

	"github.com/gotnull/meshsync/internal/mqtt"
)

func TestSubscriptionTopic(t *testing.T) {
	tests := []struct {
		name   string
		cfg    mqtt.Config
		expect string
	}{
		{name: "prefix and suffix", cfg: mqtt.Config{TopicPrefix: "msh/US", TopicSuffix: "+/+/+/#"}, expect: "msh/US/+/+/+/#"},
		{name: "leading slash suffix", cfg: mqtt.Config{TopicPrefix: "msh", TopicSuffix: "/+/+/+/#"}, expect: "msh/+/+/+/#"},
		{name: "prefix only", cfg: mqtt.Config{TopicPrefix: "msh"}, expect: "msh"},
		{name: "suffix only", cfg: mqtt.Config{TopicSuffix: "+/#"}, expect: "+/#"},
		{name: "both empty", cfg: mqtt.Config{}, expect: "#"},
	}

	for _, tt := range tests {
		if topic := tt.cfg.SubscriptionTopic(); topic != tt.expect {
			t.Fatalf("%s: expected %q, got %q", tt.name, tt.expect, topic)
		}
	}
}

func TestUplinkTopic(t *testing.T) {
	cfg := mqtt.Config{TopicPrefix: "msh/US/", ChannelName: "LongFast", GatewayNode: 0xabc}

	if got := cfg.UplinkTopic(""); got != "msh/US/2/e/LongFast/!00000abc" {
		t.Fatalf("unexpected default uplink topic %q", got)
	}
	if got := cfg.UplinkTopic("Ops"); got != "msh/US/2/e/Ops/!00000abc" {
		t.Fatalf("unexpected channel uplink topic %q", got)
	}
}

func TestNewClientValidation(t *testing.T) {
	_, err := mqtt.NewClient(mqtt.Config{})
	if err == nil {
		t.Fatalf("expected validation error for empty config")
	}

	cfg := mqtt.Config{BrokerHost: "127.0.0.1", BrokerPort: 1883}
	client, err := mqtt.NewClient(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if client == nil {
		t.Fatalf("expected client instance")
	}
	if client.Config().PublishTimeout == 0 {
		t.Fatalf("expected publish timeout default to be applied")
	}
}

func TestPublishBeforeStart(t *testing.T) {
	client, err := mqtt.NewClient(mqtt.Config{BrokerHost: "127.0.0.1", BrokerPort: 1883})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if client.Ready() {
		t.Fatalf("client must not be ready before Start")
	}
	if err := client.Publish(context.Background(), "msh/test", []byte("x")); !errors.Is(err, mqtt.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}

	client.Stop()
	client.Stop()
	if _, ok := <-client.Messages(); ok {
		t.Fatalf("expected messages channel to be closed after Stop")
	}
}
