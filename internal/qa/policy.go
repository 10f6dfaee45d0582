package qa

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Policy holds the tunable parts of QA scoring. Nil thresholds defer to the
// values the service was started with.
type Policy struct {
	ProhibitedPhrases []string `yaml:"prohibited_phrases"`
	PositiveWords     []string `yaml:"positive_words"`
	NegativeWords     []string `yaml:"negative_words"`
	AlertThreshold    *float64 `yaml:"alert_threshold"`
	LiveThreshold     *float64 `yaml:"live_escalation_threshold"`
}

func DefaultPolicy() Policy {
	return Policy{
		ProhibitedPhrases: []string{
			"shut up",
			"that's not my problem",
			"calm down",
			"you're wrong",
			"guaranteed returns",
		},
	}
}

// AlertThresholdOr returns the policy's alert threshold or fallback.
func (p Policy) AlertThresholdOr(fallback float64) float64 {
	if p.AlertThreshold != nil {
		return *p.AlertThreshold
	}
	return fallback
}

func (p Policy) LiveThresholdOr(fallback float64) float64 {
	if p.LiveThreshold != nil {
		return *p.LiveThreshold
	}
	return fallback
}

func (p Policy) validate() error {
	for name, v := range map[string]*float64{
		"alert_threshold":           p.AlertThreshold,
		"live_escalation_threshold": p.LiveThreshold,
	} {
		if v != nil && (*v < 0 || *v > 1) {
			return fmt.Errorf("%s must be within [0,1], got %v", name, *v)
		}
	}
	for i, phrase := range p.ProhibitedPhrases {
		if strings.TrimSpace(phrase) == "" {
			return fmt.Errorf("prohibited_phrases[%d] is empty", i)
		}
	}
	return nil
}

// LoadPolicy reads a YAML policy file.
func LoadPolicy(path string) (Policy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read qa policy: %w", err)
	}
	var p Policy
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return Policy{}, fmt.Errorf("parse qa policy %s: %w", path, err)
	}
	if err := p.validate(); err != nil {
		return Policy{}, fmt.Errorf("invalid qa policy %s: %w", path, err)
	}
	return p, nil
}

// PolicyStore serves the current policy and reloads it when the file
// changes. A file that fails to load leaves the previous policy in force.
type PolicyStore struct {
	path    string
	logger  *zap.Logger
	current atomic.Pointer[Policy]

	watchMu     sync.Mutex
	watcher     *fsnotify.Watcher
	watchCancel context.CancelFunc
	watchWg     sync.WaitGroup
}

// NewPolicyStore loads path, or serves DefaultPolicy when path is empty.
func NewPolicyStore(path string, logger *zap.Logger) (*PolicyStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &PolicyStore{path: path, logger: logger}
	p := DefaultPolicy()
	if path != "" {
		loaded, err := LoadPolicy(path)
		if err != nil {
			return nil, err
		}
		p = loaded
	}
	s.current.Store(&p)
	return s, nil
}

func (s *PolicyStore) Current() Policy {
	return *s.current.Load()
}

// Reload re-reads the policy file.
func (s *PolicyStore) Reload() error {
	if s.path == "" {
		return nil
	}
	p, err := LoadPolicy(s.path)
	if err != nil {
		return err
	}
	s.current.Store(&p)
	s.logger.Info("qa policy reloaded",
		zap.String("path", s.path),
		zap.Int("prohibited_phrases", len(p.ProhibitedPhrases)))
	return nil
}

// Watch reloads the policy after changes to its file settle for debounce.
// The parent directory is watched so editors that replace the file by
// rename are picked up.
func (s *PolicyStore) Watch(ctx context.Context, debounce time.Duration) error {
	if s.path == "" {
		return nil
	}
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	if s.watcher != nil {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch qa policy: %w", err)
	}
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}
	watchCtx, cancel := context.WithCancel(ctx)
	s.watcher = watcher
	s.watchCancel = cancel

	s.watchWg.Add(1)
	go s.watchLoop(watchCtx, watcher, debounce)
	return nil
}

func (s *PolicyStore) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, debounce time.Duration) {
	defer s.watchWg.Done()
	target := filepath.Clean(s.path)

	var mu sync.Mutex
	var timer *time.Timer
	scheduleReload := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(debounce, func() {
			if err := s.Reload(); err != nil {
				s.logger.Warn("qa policy reload failed; keeping previous policy", zap.Error(err))
			}
		})
	}
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				scheduleReload()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("qa policy watch error", zap.Error(err))
		}
	}
}

// Close stops watching.
func (s *PolicyStore) Close() error {
	s.watchMu.Lock()
	if s.watchCancel != nil {
		s.watchCancel()
		s.watchCancel = nil
	}
	watcher := s.watcher
	s.watcher = nil
	s.watchMu.Unlock()

	var err error
	if watcher != nil {
		err = watcher.Close()
	}
	s.watchWg.Wait()
	return err
}
