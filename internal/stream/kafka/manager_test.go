package kafka

import (
	"strings"
	"testing"
)

func TestConfigDefaults(t *testing.T) {
	cfg := Config{Brokers: []string{"localhost:9092"}}
	cfg.withDefaults()
	if !strings.HasPrefix(cfg.ClientID, "cascade-") {
		t.Fatalf("unexpected client id %q", cfg.ClientID)
	}
	if cfg.ReplicationFactor != -1 || cfg.Codec == nil || cfg.Fetch.MaxWait <= 0 {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if err := (Config{}).Validate(); err == nil {
		t.Fatalf("expected brokers to be required")
	}
}

func TestTopicPrefix(t *testing.T) {
	m := &Manager{cfg: Config{TopicPrefix: "cascade."}}
	if got := m.topic("orders"); got != "cascade.orders" {
		t.Fatalf("unexpected topic %q", got)
	}
}
