package config

import (
	"os"
	"strings"
	"time"
)

const (
	ProviderSimulated = "simulated"
	ProviderDelegated = "delegated"
)

// Settings are read once at process start. Components receive the values they
// need through their constructors and never read env themselves.
type Settings struct {
	Port string

	Provider            string
	BridgeURL           string
	BridgeToken         string
	BridgeRatePerSecond int
	GatewayTimeout      time.Duration
	SimulatedDelay      time.Duration

	CancelWindowProduction   time.Duration
	CancelWindowHomologation time.Duration

	WebhookTimeout      time.Duration
	WebhookLastErrorMax int

	RedisSequencer bool
	GCSBucket      string
	PubSubTopic    string
}

func LoadSettings() Settings {
	provider := strings.ToLower(strings.TrimSpace(os.Getenv("FISCAL_PROVIDER")))
	if provider != ProviderDelegated {
		provider = ProviderSimulated
	}
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	return Settings{
		Port:                     port,
		Provider:                 provider,
		BridgeURL:                strings.TrimRight(os.Getenv("FISCAL_BRIDGE_URL"), "/"),
		BridgeToken:              os.Getenv("FISCAL_BRIDGE_TOKEN"),
		BridgeRatePerSecond:      intFromEnv("FISCAL_BRIDGE_RATE_PER_SEC", 5),
		GatewayTimeout:           durationFromEnv("FISCAL_GATEWAY_TIMEOUT_SECONDS", 60, time.Second),
		SimulatedDelay:           durationFromEnv("SIMULATED_GATEWAY_DELAY_MS", 800, time.Millisecond),
		CancelWindowProduction:   durationFromEnv("CANCEL_WINDOW_PRODUCTION_HOURS", 24, time.Hour),
		CancelWindowHomologation: durationFromEnv("CANCEL_WINDOW_HOMOLOGATION_HOURS", 168, time.Hour),
		WebhookTimeout:           durationFromEnv("WEBHOOK_TIMEOUT_SECONDS", 30, time.Second),
		WebhookLastErrorMax:      intFromEnv("WEBHOOK_LAST_ERROR_MAX", 500),
		RedisSequencer:           UseRedisSequencer(),
		GCSBucket:                strings.TrimSpace(os.Getenv("GCS_BUCKET")),
		PubSubTopic:              strings.TrimSpace(os.Getenv("PUBSUB_TOPIC")),
	}
}

func durationFromEnv(key string, def int, unit time.Duration) time.Duration {
	n := intFromEnv(key, def)
	if n < 0 {
		n = def
	}
	return time.Duration(n) * unit
}
