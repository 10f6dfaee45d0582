package app

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ent0n29/callbridge/internal/config"
	"github.com/ent0n29/callbridge/internal/voice"
)

type engineSetup struct {
	engine   voice.Engine
	resolved string
	detail   string
}

func resolveVoiceEngine(cfg config.Config, logger *zap.Logger) (engineSetup, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.VoiceEngine))
	if mode == "" {
		mode = "auto"
	}

	tryWS := func() (engineSetup, bool, error) {
		if strings.TrimSpace(cfg.VoiceEngineURL) == "" {
			return engineSetup{}, false, nil
		}
		e, err := voice.NewWSEngine(voice.WSConfig{
			URL:    cfg.VoiceEngineURL,
			APIKey: cfg.VoiceEngineAPIKey,
			Logger: logger.Named("voice"),
		})
		if err != nil {
			return engineSetup{}, false, fmt.Errorf("voice engine init failed: %w", err)
		}
		setup := engineSetup{engine: e, resolved: "ws", detail: "remote websocket engine"}
		if fb := strings.TrimSpace(cfg.VoiceEngineFallbackURL); fb != "" {
			fallback, err := voice.NewWSEngine(voice.WSConfig{
				URL:    fb,
				APIKey: cfg.VoiceEngineAPIKey,
				Logger: logger.Named("voice.fallback"),
			})
			if err != nil {
				return engineSetup{}, false, fmt.Errorf("fallback voice engine init failed: %w", err)
			}
			setup.engine = voice.NewFailoverEngine(e, fallback)
			setup.detail = "remote websocket engine (automatic fallback engine)"
		}
		return setup, true, nil
	}
	mock := func(detail string) engineSetup {
		return engineSetup{engine: voice.NewMockEngine(voice.MockConfig{}), resolved: "mock", detail: detail}
	}

	switch mode {
	case "ws":
		setup, ok, err := tryWS()
		if err != nil {
			return engineSetup{}, err
		}
		if !ok {
			return engineSetup{}, fmt.Errorf("VOICE_ENGINE=ws but VOICE_ENGINE_URL is not set")
		}
		return setup, nil
	case "mock":
		return mock("mock"), nil
	case "auto":
		setup, ok, err := tryWS()
		if err != nil {
			return engineSetup{}, err
		}
		if ok {
			return setup, nil
		}
		return mock("mock (no VOICE_ENGINE_URL)"), nil
	default:
		return engineSetup{}, fmt.Errorf("invalid VOICE_ENGINE: %q (expected auto|ws|mock)", cfg.VoiceEngine)
	}
}
