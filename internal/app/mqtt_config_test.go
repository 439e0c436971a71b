package app_test

import (
	"testing"

	"github.com/gotnull/meshsync/internal/app"
	"github.com/gotnull/meshsync/internal/config"
)

func TestBuildMQTTConfig(t *testing.T) {
	cfg := &config.App{
		MQTTBrokerAddress: "mqtt.meshtastic.org ",
		MQTTPort:          1883,
		MQTTUsername:      " meshdev",
		MQTTPassword:      "large4cats ",
		MQTTTopicPrefix:   "msh/EU_868",
		MQTTTopicSuffix:   "+/+/+/#",
		MQTTClientID:      " meshsync-1 ",
		MQTTChannelName:   "LongFast",
		MQTTGatewayNode:   0xA1B2C3D4,
	}

	mqttCfg := app.BuildMQTTConfig(cfg)

	if mqttCfg.BrokerHost != "mqtt.meshtastic.org" {
		t.Fatalf("expected trimmed broker host, got %q", mqttCfg.BrokerHost)
	}
	if mqttCfg.Username != "meshdev" {
		t.Fatalf("expected trimmed username, got %q", mqttCfg.Username)
	}
	if mqttCfg.Password != "large4cats" {
		t.Fatalf("expected trimmed password, got %q", mqttCfg.Password)
	}
	if mqttCfg.TopicPrefix != "msh/EU_868" {
		t.Fatalf("expected prefix preserved, got %q", mqttCfg.TopicPrefix)
	}
	if mqttCfg.TopicSuffix != "+/+/+/#" {
		t.Fatalf("expected suffix preserved, got %q", mqttCfg.TopicSuffix)
	}
	if mqttCfg.ClientID != "meshsync-1" {
		t.Fatalf("expected trimmed client id, got %q", mqttCfg.ClientID)
	}
	if got := mqttCfg.UplinkTopic(""); got != "msh/EU_868/2/e/LongFast/!a1b2c3d4" {
		t.Fatalf("unexpected uplink topic %q", got)
	}
}

func TestBuildMQTTConfigNil(t *testing.T) {
	if got := app.BuildMQTTConfig(nil); got.BrokerHost != "" || got.BrokerPort != 0 {
		t.Fatalf("expected zero config, got %+v", got)
	}
}
