package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the call bridge service.
type Config struct {
	BindAddr         string
	PublicURL        string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	LogLevel         string
	LogFormat        string
	Environment      string

	DatabaseURL string

	TwilioAccountSID         string
	TwilioAuthToken          string
	TwilioBaseURL            string
	TwilioFromNumber         string
	TwilioValidateSignatures bool
	TransportMaxRetries      int

	VoiceEngine       string
	VoiceEngineURL    string
	VoiceEngineAPIKey string

	// VoiceEngineFallbackURL is a second engine used when the primary cannot
	// open a session.
	VoiceEngineFallbackURL string

	BridgeQueueSize     int
	BridgeGracePeriod   time.Duration
	BridgeIdleTimeout   time.Duration
	BridgeLockMode      string
	BridgeLockTTL       time.Duration
	BridgeFallbackText  string
	BridgeFallbackWAV   string
	BridgeInstanceID    string
	BridgeJanitorPeriod time.Duration

	QAAlertThreshold      float64
	QAWorkers             int
	QAQueueSize           int
	QASettleDelay         time.Duration
	QAPolicyPath          string
	QAAccuracyMode        string
	QAAccuracyPlaceholder float64
	OpenAIAPIKey          string
	OpenAIBaseURL         string
	QAAccuracyModel       string
	QALiveEscalation      bool
	QALiveMinTurns        int
	QALiveThreshold       float64

	EscalationTransfer bool

	NotifyWebhookURL string
	NotifyTimeout    time.Duration

	RecoverySchedule   string
	RecoveryStaleAfter time.Duration
	RescoreLookback    time.Duration

	OTelEndpoint     string
	OTelInsecure     bool
	OTelSamplingRate float64
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	hostname, _ := os.Hostname()
	cfg := Config{
		BindAddr:              envOrDefault("APP_BIND_ADDR", ":8080"),
		PublicURL:             strings.TrimRight(stringsTrimSpace("APP_PUBLIC_URL"), "/"),
		MetricsNamespace:      envOrDefault("APP_METRICS_NAMESPACE", "callbridge"),
		LogLevel:              envOrDefault("APP_LOG_LEVEL", "info"),
		LogFormat:             envOrDefault("APP_LOG_FORMAT", "json"),
		Environment:           envOrDefault("APP_ENV", "development"),
		DatabaseURL:           stringsTrimSpace("DATABASE_URL"),
		TwilioAccountSID:      stringsTrimSpace("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:       stringsTrimSpace("TWILIO_AUTH_TOKEN"),
		TwilioBaseURL:         envOrDefault("TWILIO_BASE_URL", "https://api.twilio.com/2010-04-01"),
		TwilioFromNumber:      stringsTrimSpace("TWILIO_FROM_NUMBER"),
		VoiceEngine:           envOrDefault("VOICE_ENGINE", "auto"),
		VoiceEngineURL:        stringsTrimSpace("VOICE_ENGINE_URL"),
		VoiceEngineAPIKey:     stringsTrimSpace("VOICE_ENGINE_API_KEY"),
		BridgeLockMode:        envOrDefault("BRIDGE_LOCK_MODE", "local"),
		BridgeFallbackText:    envOrDefault("BRIDGE_FALLBACK_TEXT", "We're sorry, our assistant is unavailable right now. Please call back later."),
		BridgeFallbackWAV:     stringsTrimSpace("BRIDGE_FALLBACK_WAV"),
		BridgeInstanceID:      envOrDefault("BRIDGE_INSTANCE_ID", hostname),
		QAPolicyPath:          stringsTrimSpace("QA_POLICY_PATH"),
		QAAccuracyMode:        envOrDefault("QA_ACCURACY_MODE", "fixed"),
		OpenAIAPIKey:          stringsTrimSpace("OPENAI_API_KEY"),
		OpenAIBaseURL:         stringsTrimSpace("OPENAI_BASE_URL"),
		QAAccuracyModel:       envOrDefault("QA_ACCURACY_MODEL", "gpt-4o-mini"),
		NotifyWebhookURL:      stringsTrimSpace("NOTIFY_WEBHOOK_URL"),
		RecoverySchedule:      envOrDefault("RECOVERY_SCHEDULE", "@every 1m"),
		OTelEndpoint:          stringsTrimSpace("OTEL_EXPORTER_ENDPOINT"),
		ShutdownTimeout:       15 * time.Second,
		TransportMaxRetries:   3,
		BridgeQueueSize:       64,
		BridgeGracePeriod:     2 * time.Second,
		BridgeIdleTimeout:     30 * time.Second,
		BridgeLockTTL:         2 * time.Minute,
		BridgeJanitorPeriod:   5 * time.Second,
		QAAlertThreshold:      0.6,
		QAWorkers:             2,
		QAQueueSize:           256,
		QASettleDelay:         3 * time.Second,
		QAAccuracyPlaceholder: 0.8,
		QALiveMinTurns:        4,
		QALiveThreshold:       0.35,
		EscalationTransfer:    true,
		NotifyTimeout:         5 * time.Second,
		RecoveryStaleAfter:    10 * time.Minute,
		RescoreLookback:       24 * time.Hour,
		OTelSamplingRate:      1.0,
	}
	cfg.VoiceEngineFallbackURL = stringsTrimSpace("VOICE_ENGINE_FALLBACK_URL")

	var err error
	if cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout); err != nil {
		return Config{}, err
	}
	if cfg.TwilioValidateSignatures, err = boolFromEnv("TWILIO_VALIDATE_SIGNATURES", true); err != nil {
		return Config{}, err
	}
	if cfg.TransportMaxRetries, err = intFromEnv("TRANSPORT_MAX_RETRIES", cfg.TransportMaxRetries); err != nil {
		return Config{}, err
	}
	if cfg.BridgeQueueSize, err = intFromEnv("BRIDGE_QUEUE_SIZE", cfg.BridgeQueueSize); err != nil {
		return Config{}, err
	}
	if cfg.BridgeGracePeriod, err = durationFromEnv("BRIDGE_GRACE_PERIOD", cfg.BridgeGracePeriod); err != nil {
		return Config{}, err
	}
	if cfg.BridgeIdleTimeout, err = durationFromEnv("BRIDGE_IDLE_TIMEOUT", cfg.BridgeIdleTimeout); err != nil {
		return Config{}, err
	}
	if cfg.BridgeLockTTL, err = durationFromEnv("BRIDGE_LOCK_TTL", cfg.BridgeLockTTL); err != nil {
		return Config{}, err
	}
	if cfg.BridgeJanitorPeriod, err = durationFromEnv("BRIDGE_JANITOR_PERIOD", cfg.BridgeJanitorPeriod); err != nil {
		return Config{}, err
	}
	if cfg.QAAlertThreshold, err = floatFromEnv("QA_ALERT_THRESHOLD", cfg.QAAlertThreshold); err != nil {
		return Config{}, err
	}
	if cfg.QAWorkers, err = intFromEnv("QA_WORKERS", cfg.QAWorkers); err != nil {
		return Config{}, err
	}
	if cfg.QAQueueSize, err = intFromEnv("QA_QUEUE_SIZE", cfg.QAQueueSize); err != nil {
		return Config{}, err
	}
	if cfg.QASettleDelay, err = durationFromEnv("QA_SETTLE_DELAY", cfg.QASettleDelay); err != nil {
		return Config{}, err
	}
	if cfg.QAAccuracyPlaceholder, err = floatFromEnv("QA_ACCURACY_PLACEHOLDER", cfg.QAAccuracyPlaceholder); err != nil {
		return Config{}, err
	}
	if cfg.QALiveEscalation, err = boolFromEnv("QA_LIVE_ESCALATION", cfg.QALiveEscalation); err != nil {
		return Config{}, err
	}
	if cfg.QALiveMinTurns, err = intFromEnv("QA_LIVE_MIN_TURNS", cfg.QALiveMinTurns); err != nil {
		return Config{}, err
	}
	if cfg.QALiveThreshold, err = floatFromEnv("QA_LIVE_THRESHOLD", cfg.QALiveThreshold); err != nil {
		return Config{}, err
	}
	if cfg.EscalationTransfer, err = boolFromEnv("ESCALATION_TRANSFER", cfg.EscalationTransfer); err != nil {
		return Config{}, err
	}
	if cfg.NotifyTimeout, err = durationFromEnv("NOTIFY_TIMEOUT", cfg.NotifyTimeout); err != nil {
		return Config{}, err
	}
	if cfg.RecoveryStaleAfter, err = durationFromEnv("RECOVERY_STALE_AFTER", cfg.RecoveryStaleAfter); err != nil {
		return Config{}, err
	}
	if cfg.RescoreLookback, err = durationFromEnv("RESCORE_LOOKBACK", cfg.RescoreLookback); err != nil {
		return Config{}, err
	}
	if cfg.OTelInsecure, err = boolFromEnv("OTEL_EXPORTER_INSECURE", cfg.OTelInsecure); err != nil {
		return Config{}, err
	}
	if cfg.OTelSamplingRate, err = floatFromEnv("OTEL_SAMPLING_RATE", cfg.OTelSamplingRate); err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.BridgeQueueSize <= 0 {
		return fmt.Errorf("BRIDGE_QUEUE_SIZE must be positive")
	}
	if c.BridgeGracePeriod < 0 {
		return fmt.Errorf("BRIDGE_GRACE_PERIOD must be >= 0")
	}
	if c.BridgeIdleTimeout < time.Second {
		return fmt.Errorf("BRIDGE_IDLE_TIMEOUT must be at least 1s")
	}
	switch strings.ToLower(c.BridgeLockMode) {
	case "local":
	case "db":
		if c.DatabaseURL == "" {
			return fmt.Errorf("BRIDGE_LOCK_MODE=db requires DATABASE_URL")
		}
	default:
		return fmt.Errorf("invalid BRIDGE_LOCK_MODE: %q (expected local|db)", c.BridgeLockMode)
	}
	switch strings.ToLower(c.VoiceEngine) {
	case "auto", "mock":
	case "ws":
		if c.VoiceEngineURL == "" {
			return fmt.Errorf("VOICE_ENGINE=ws requires VOICE_ENGINE_URL")
		}
	default:
		return fmt.Errorf("invalid VOICE_ENGINE: %q (expected auto|ws|mock)", c.VoiceEngine)
	}
	if c.QAAlertThreshold < 0 || c.QAAlertThreshold > 1 {
		return fmt.Errorf("QA_ALERT_THRESHOLD must be within [0,1]")
	}
	if c.QALiveThreshold < 0 || c.QALiveThreshold > 1 {
		return fmt.Errorf("QA_LIVE_THRESHOLD must be within [0,1]")
	}
	if c.QAAccuracyPlaceholder < 0 || c.QAAccuracyPlaceholder > 1 {
		return fmt.Errorf("QA_ACCURACY_PLACEHOLDER must be within [0,1]")
	}
	if c.QAWorkers <= 0 {
		return fmt.Errorf("QA_WORKERS must be positive")
	}
	if c.QAQueueSize <= 0 {
		return fmt.Errorf("QA_QUEUE_SIZE must be positive")
	}
	// A call is scored after the settle delay; its last turns are flushed
	// within the grace period.
	if c.QASettleDelay < c.BridgeGracePeriod {
		return fmt.Errorf("QA_SETTLE_DELAY (%s) must be >= BRIDGE_GRACE_PERIOD (%s)", c.QASettleDelay, c.BridgeGracePeriod)
	}
	switch strings.ToLower(c.QAAccuracyMode) {
	case "fixed":
	case "openai":
		if c.OpenAIAPIKey == "" {
			return fmt.Errorf("QA_ACCURACY_MODE=openai requires OPENAI_API_KEY")
		}
	default:
		return fmt.Errorf("invalid QA_ACCURACY_MODE: %q (expected fixed|openai)", c.QAAccuracyMode)
	}
	if c.TransportMaxRetries < 0 {
		return fmt.Errorf("TRANSPORT_MAX_RETRIES must be >= 0")
	}
	if c.TwilioValidateSignatures && c.TwilioAccountSID != "" && c.PublicURL == "" {
		return fmt.Errorf("APP_PUBLIC_URL is required to validate Twilio signatures")
	}
	return nil
}

// TransportConfigured reports whether outbound calls can be placed.
func (c Config) TransportConfigured() bool {
	return c.TwilioAccountSID != "" && c.TwilioAuthToken != ""
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
