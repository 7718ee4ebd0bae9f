package config

import (
	"strings"
	"testing"
	"time"

	"github.com/whisper/chatguard/internal/ratelimit"
)

func TestLoadFrom_Defaults(t *testing.T) {
	cfg, err := LoadFrom(map[string]string{"CHATGUARD_AUTH_JWT_SECRET": "s"})
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("listen addr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Limits.Global.Count != ratelimit.GlobalLimit {
		t.Errorf("global limit = %d, want %d", cfg.Limits.Global.Count, ratelimit.GlobalLimit)
	}
	if cfg.NATS.Enabled || cfg.Kafka.Enabled {
		t.Error("nats and kafka should default to disabled")
	}
	if cfg.Postgres.DSN != "" {
		t.Error("postgres dsn should default to empty")
	}
}

func TestLoadFrom_Overrides(t *testing.T) {
	cfg, err := LoadFrom(map[string]string{
		"CHATGUARD_AUTH_JWT_SECRET":               "s",
		"CHATGUARD_WS_LISTEN_ADDR":                ":9000",
		"CHATGUARD_WS_HEARTBEAT_INTERVAL":         "15s",
		"CHATGUARD_LIMITS_GLOBAL_COUNT":           "50",
		"CHATGUARD_LIMITS_CONNECT_WINDOW":         "30s",
		"CHATGUARD_NATS_ENABLED":                  "true",
		"CHATGUARD_NATS_URL":                      "nats://nats:4222",
		"CHATGUARD_KAFKA_ENABLED":                 "true",
		"CHATGUARD_KAFKA_BROKERS":                 "k1:9092,k2:9092",
		"CHATGUARD_CHAT_AUTO_CLEAN":               "true",
		"CHATGUARD_ACCESS_CACHE_TTL":              "1m",
		"CHATGUARD_BAN_STRIKE_THRESHOLD":          "5",
		"CHATGUARD_MODERATION_MAX_MESSAGE_LENGTH": "500",
	})
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}

	if cfg.Server.ListenAddr != ":9000" || cfg.Server.Heartbeat.Interval != 15*time.Second {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Limits.Global.Count != 50 || cfg.Limits.Connect.Window != 30*time.Second {
		t.Errorf("limits = %+v", cfg.Limits)
	}
	if cfg.Limits.Global.Window != ratelimit.BudgetWindow {
		t.Error("unset fields should keep their defaults")
	}
	if !cfg.NATS.Enabled || cfg.NATS.URL != "nats://nats:4222" {
		t.Errorf("nats = %+v", cfg.NATS)
	}
	if len(cfg.Kafka.Brokers) != 2 {
		t.Errorf("kafka brokers = %v", cfg.Kafka.Brokers)
	}
	if !cfg.Chat.AutoClean || cfg.Access.CacheTTL != time.Minute || cfg.Strikes.Threshold != 5 {
		t.Errorf("chat/access/ban = %+v %+v %+v", cfg.Chat, cfg.Access, cfg.Strikes)
	}
	if cfg.Moderation.MaxMessageLength != 500 {
		t.Errorf("max length = %d", cfg.Moderation.MaxMessageLength)
	}
}

func TestLoadFrom_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"missing secret", map[string]string{}, "JWT_SECRET"},
		{"bad duration", map[string]string{"CHATGUARD_AUTH_JWT_SECRET": "s", "CHATGUARD_WS_READ_TIMEOUT": "soon"}, "ReadTimeout"},
		{"negative max length", map[string]string{"CHATGUARD_AUTH_JWT_SECRET": "s", "CHATGUARD_MODERATION_MAX_MESSAGE_LENGTH": "-1"}, "negative"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFrom(tt.env)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestLoadAuditor(t *testing.T) {
	if _, err := LoadAuditor(map[string]string{}); err == nil || !strings.Contains(err.Error(), "KAFKA") {
		t.Errorf("err = %v, want kafka requirement", err)
	}
	cfg, err := LoadAuditor(map[string]string{"CHATGUARD_KAFKA_ENABLED": "true"})
	if err != nil {
		t.Fatalf("LoadAuditor: %v", err)
	}
	if cfg.Auth.Secret != "" || cfg.Kafka.Topic == "" {
		t.Errorf("cfg = %+v", cfg.Kafka)
	}
}
