package config

import (
	"os"
	"strings"
)

func boolFromEnv(key string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if v == "" {
		return def
	}
	return v == "1" || v == "true" || v == "yes" || v == "y"
}

// UseRedisSequencer selects Redis INCR for document numbering.
//
// Set via env:
// - SEQUENCER_BACKEND=redis (default) | sql
func UseRedisSequencer() bool {
	return !strings.EqualFold(strings.TrimSpace(os.Getenv("SEQUENCER_BACKEND")), "sql")
}

// PublishLifecycleToPubSub fans lifecycle events out to PUBSUB_TOPIC in addition to webhooks.
//
// Set via env:
// - PUBSUB_LIFECYCLE_ENABLED=true
func PublishLifecycleToPubSub() bool {
	return boolFromEnv("PUBSUB_LIFECYCLE_ENABLED", false)
}

// CertificateCheckEnabled turns on the daily certificate expiry job.
//
// Set via env:
// - CERTIFICATE_CHECK_ENABLED=false to disable (default on)
func CertificateCheckEnabled() bool {
	return boolFromEnv("CERTIFICATE_CHECK_ENABLED", true)
}
