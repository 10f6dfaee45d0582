package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_BIND_ADDR", ":9090")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":9090" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":9090")
	}
	if cfg.QAAlertThreshold != 0.6 {
		t.Fatalf("QAAlertThreshold = %v, want 0.6", cfg.QAAlertThreshold)
	}
	if cfg.BridgeLockMode != "local" {
		t.Fatalf("BridgeLockMode = %q, want %q", cfg.BridgeLockMode, "local")
	}
	if cfg.TransportConfigured() {
		t.Fatalf("TransportConfigured() = true without credentials")
	}
}

func TestLoadParsesOverrides(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("BRIDGE_GRACE_PERIOD", "750ms")
	t.Setenv("QA_ALERT_THRESHOLD", "0.45")
	t.Setenv("QA_LIVE_ESCALATION", "yes")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BridgeGracePeriod != 750*time.Millisecond {
		t.Fatalf("BridgeGracePeriod = %v, want 750ms", cfg.BridgeGracePeriod)
	}
	if cfg.QAAlertThreshold != 0.45 {
		t.Fatalf("QAAlertThreshold = %v, want 0.45", cfg.QAAlertThreshold)
	}
	if !cfg.QALiveEscalation {
		t.Fatalf("QALiveEscalation = false, want true")
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := []struct {
		key   string
		value string
	}{
		{"BRIDGE_IDLE_TIMEOUT", "10ms"},
		{"BRIDGE_QUEUE_SIZE", "0"},
		{"BRIDGE_LOCK_MODE", "db"},
		{"QA_ALERT_THRESHOLD", "1.5"},
		{"QA_ACCURACY_MODE", "openai"},
		{"VOICE_ENGINE", "ws"},
		{"QA_SETTLE_DELAY", "1s"},
		{"TWILIO_VALIDATE_SIGNATURES", "maybe"},
	}
	for _, tc := range cases {
		t.Run(tc.key, func(t *testing.T) {
			setCoreEnvEmpty(t)
			t.Setenv(tc.key, tc.value)
			if _, err := Load(); err == nil {
				t.Fatalf("Load() error = nil with %s=%s", tc.key, tc.value)
			}
		})
	}
}

func TestSettleDelayMustCoverGracePeriod(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("BRIDGE_GRACE_PERIOD", "5s")
	if _, err := Load(); err == nil {
		t.Fatalf("Load() error = nil with QA_SETTLE_DELAY under BRIDGE_GRACE_PERIOD")
	}
	t.Setenv("QA_SETTLE_DELAY", "5s")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.QASettleDelay != 5*time.Second {
		t.Fatalf("QASettleDelay = %v, want 5s", cfg.QASettleDelay)
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_PUBLIC_URL",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_LOG_LEVEL",
		"APP_LOG_FORMAT",
		"APP_ENV",
		"DATABASE_URL",
		"TWILIO_ACCOUNT_SID",
		"TWILIO_AUTH_TOKEN",
		"TWILIO_BASE_URL",
		"TWILIO_FROM_NUMBER",
		"TWILIO_VALIDATE_SIGNATURES",
		"TRANSPORT_MAX_RETRIES",
		"VOICE_ENGINE",
		"VOICE_ENGINE_URL",
		"VOICE_ENGINE_API_KEY",
		"VOICE_ENGINE_FALLBACK_URL",
		"BRIDGE_QUEUE_SIZE",
		"BRIDGE_GRACE_PERIOD",
		"BRIDGE_IDLE_TIMEOUT",
		"BRIDGE_LOCK_MODE",
		"BRIDGE_LOCK_TTL",
		"BRIDGE_FALLBACK_TEXT",
		"BRIDGE_FALLBACK_WAV",
		"BRIDGE_JANITOR_PERIOD",
		"QA_ALERT_THRESHOLD",
		"QA_WORKERS",
		"QA_QUEUE_SIZE",
		"QA_SETTLE_DELAY",
		"QA_POLICY_PATH",
		"QA_ACCURACY_MODE",
		"QA_ACCURACY_PLACEHOLDER",
		"OPENAI_API_KEY",
		"OPENAI_BASE_URL",
		"QA_ACCURACY_MODEL",
		"QA_LIVE_ESCALATION",
		"QA_LIVE_MIN_TURNS",
		"QA_LIVE_THRESHOLD",
		"ESCALATION_TRANSFER",
		"NOTIFY_WEBHOOK_URL",
		"NOTIFY_TIMEOUT",
		"RECOVERY_SCHEDULE",
		"RECOVERY_STALE_AFTER",
		"RESCORE_LOOKBACK",
		"OTEL_EXPORTER_ENDPOINT",
		"OTEL_EXPORTER_INSECURE",
		"OTEL_SAMPLING_RATE",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
