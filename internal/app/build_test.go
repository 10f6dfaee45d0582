package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/callbridge/internal/config"
	"github.com/ent0n29/callbridge/internal/store"
)

func testConfig() config.Config {
	return config.Config{
		MetricsNamespace:      "callbridge_app_test",
		LogLevel:              "error",
		LogFormat:             "json",
		Environment:           "test",
		VoiceEngine:           "mock",
		BridgeQueueSize:       16,
		BridgeGracePeriod:     50 * time.Millisecond,
		BridgeIdleTimeout:     time.Minute,
		BridgeLockMode:        "local",
		BridgeFallbackText:    "Sorry, we are having trouble.",
		QAAlertThreshold:      0.6,
		QAWorkers:             1,
		QAQueueSize:           8,
		QAAccuracyMode:        "fixed",
		QAAccuracyPlaceholder: 0.8,
		RecoverySchedule:      "@every 1h",
		ShutdownTimeout:       time.Second,
	}
}

func TestResolveVoiceEngine(t *testing.T) {
	cases := []struct {
		name     string
		mode     string
		url      string
		fallback string
		want     string
		wantErr  bool
	}{
		{name: "auto without url", mode: "auto", want: "mock"},
		{name: "auto with url", mode: "", url: "wss://engine.example.com/v1", want: "ws"},
		{name: "ws with fallback", mode: "ws", url: "wss://engine.example.com/v1", fallback: "wss://backup.example.com/v1", want: "ws"},
		{name: "bad fallback", mode: "ws", url: "wss://engine.example.com/v1", fallback: "http://backup", wantErr: true},
		{name: "mock", mode: "mock", url: "wss://engine.example.com/v1", want: "mock"},
		{name: "ws without url", mode: "ws", wantErr: true},
		{name: "unknown", mode: "local", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.VoiceEngine = tc.mode
			cfg.VoiceEngineURL = tc.url
			cfg.VoiceEngineFallbackURL = tc.fallback
			setup, err := resolveVoiceEngine(cfg, zap.NewNop())
			if tc.wantErr {
				if err == nil {
					t.Fatalf("resolveVoiceEngine() error = nil, want error")
				}
				return
			}
			if err != nil {
				t.Fatalf("resolveVoiceEngine() error = %v", err)
			}
			if setup.resolved != tc.want {
				t.Fatalf("resolved = %q, want %q", setup.resolved, tc.want)
			}
		})
	}
}

func TestDBLockModeRequiresPostgres(t *testing.T) {
	cfg := testConfig()
	cfg.BridgeLockMode = "db"
	if _, err := newLocker(cfg, store.NewInMemoryStore(), zap.NewNop()); err == nil {
		t.Fatalf("newLocker() error = nil with in-memory store")
	}
}

func TestBuildStartServeClose(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	res, err := Build(ctx, testConfig())
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if res.Voice.Engine != "mock" {
		t.Fatalf("Voice.Engine = %q, want mock", res.Voice.Engine)
	}
	if err := res.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	ts := httptest.NewServer(res.API.Router())
	defer ts.Close()
	resp, err := http.Get(ts.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/readyz status = %d, want 200", resp.StatusCode)
	}

	if err := res.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}
