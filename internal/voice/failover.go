package voice

import (
	"context"
	"fmt"
	"sync/atomic"
)

// FailoverEngine opens sessions on the primary engine and switches to the
// fallback when the primary cannot start one. Once the fallback succeeds it
// stays active until it fails; then the primary is retried.
//
// Only session startup fails over. A session that dies mid-call is handled
// by the bridge's degraded path.
type FailoverEngine struct {
	primary        Engine
	fallback       Engine
	fallbackActive atomic.Bool
}

func NewFailoverEngine(primary, fallback Engine) *FailoverEngine {
	return &FailoverEngine{primary: primary, fallback: fallback}
}

func (e *FailoverEngine) Name() string {
	if e.fallbackActive.Load() {
		return e.fallback.Name() + " (fallback)"
	}
	return e.primary.Name()
}

func (e *FailoverEngine) Open(ctx context.Context, cfg SessionConfig) (Session, error) {
	if e.fallbackActive.Load() {
		s, fbErr := e.fallback.Open(ctx, cfg)
		if fbErr == nil {
			return s, nil
		}
		s, prErr := e.primary.Open(ctx, cfg)
		if prErr == nil {
			e.fallbackActive.Store(false)
			return s, nil
		}
		return nil, fmt.Errorf("fallback engine failed: %v; primary engine failed: %w", fbErr, prErr)
	}

	s, prErr := e.primary.Open(ctx, cfg)
	if prErr == nil {
		return s, nil
	}
	s, fbErr := e.fallback.Open(ctx, cfg)
	if fbErr != nil {
		return nil, fmt.Errorf("primary engine failed: %v; fallback engine failed: %w", prErr, fbErr)
	}
	e.fallbackActive.Store(true)
	return s, nil
}

// FallbackActive reports whether new sessions currently go to the fallback.
func (e *FailoverEngine) FallbackActive() bool {
	return e.fallbackActive.Load()
}
