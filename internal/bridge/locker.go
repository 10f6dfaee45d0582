package bridge

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Locker grants exclusive ownership of a call's bridge session. TryLock
// never waits: a held lock means another session is already live.
type Locker interface {
	TryLock(ctx context.Context, callID string) (bool, error)
	Unlock(callID string)
}

// LocalLocker serializes sessions within one process.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]struct{})}
}

func (l *LocalLocker) TryLock(_ context.Context, callID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[callID]; ok {
		return false, nil
	}
	l.held[callID] = struct{}{}
	return true, nil
}

func (l *LocalLocker) Unlock(callID string) {
	l.mu.Lock()
	delete(l.held, callID)
	l.mu.Unlock()
}

type DBLockerConfig struct {
	OwnerID         string
	TTL             time.Duration
	RefreshInterval time.Duration
	Logger          *zap.Logger
}

// DBLocker is a lease lock in bridge_session_locks so that two instances
// behind a load balancer never bridge the same call. Leases are renewed
// while held and expire on their own if the owner dies.
type DBLocker struct {
	db     *sql.DB
	config DBLockerConfig

	mu     sync.Mutex
	renew  map[string]context.CancelFunc
	closed bool
}

func NewDBLocker(db *sql.DB, cfg DBLockerConfig) (*DBLocker, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	if strings.TrimSpace(cfg.OwnerID) == "" {
		return nil, errors.New("owner id is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = time.Minute
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = cfg.TTL / 3
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &DBLocker{db: db, config: cfg, renew: make(map[string]context.CancelFunc)}, nil
}

func (l *DBLocker) TryLock(ctx context.Context, callID string) (bool, error) {
	if strings.TrimSpace(callID) == "" {
		return false, errors.New("call id is required")
	}
	now := time.Now().UTC()
	var owner string
	err := l.db.QueryRowContext(ctx, `
		INSERT INTO bridge_session_locks (call_id, owner_id, acquired_at, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (call_id) DO UPDATE
		SET owner_id = EXCLUDED.owner_id,
			acquired_at = EXCLUDED.acquired_at,
			expires_at = EXCLUDED.expires_at
		WHERE bridge_session_locks.expires_at < $3
		RETURNING owner_id
	`, callID, l.config.OwnerID, now, now.Add(l.config.TTL)).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if owner != l.config.OwnerID {
		return false, nil
	}
	l.startRenew(callID)
	return true, nil
}

func (l *DBLocker) Unlock(callID string) {
	l.stopRenew(callID)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := l.db.ExecContext(ctx, `
		DELETE FROM bridge_session_locks
		WHERE call_id = $1 AND owner_id = $2
	`, callID, l.config.OwnerID); err != nil {
		l.config.Logger.Warn("bridge lock release failed; lease will expire", zap.String("call_id", callID), zap.Error(err))
	}
}

// Close stops all renew loops. Held leases run out after their TTL.
func (l *DBLocker) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	for _, cancel := range l.renew {
		cancel()
	}
	l.renew = make(map[string]context.CancelFunc)
	return nil
}

func (l *DBLocker) startRenew(callID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	if _, ok := l.renew[callID]; ok {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	l.renew[callID] = cancel
	go l.renewLoop(ctx, callID)
}

func (l *DBLocker) stopRenew(callID string) {
	l.mu.Lock()
	cancel, ok := l.renew[callID]
	delete(l.renew, callID)
	l.mu.Unlock()
	if ok {
		cancel()
	}
}

func (l *DBLocker) renewLoop(ctx context.Context, callID string) {
	ticker := time.NewTicker(l.config.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !l.extendLease(ctx, callID) {
				l.config.Logger.Warn("bridge lock lease lost", zap.String("call_id", callID))
				l.stopRenew(callID)
				return
			}
		}
	}
}

func (l *DBLocker) extendLease(ctx context.Context, callID string) bool {
	result, err := l.db.ExecContext(ctx, `
		UPDATE bridge_session_locks
		SET expires_at = $1
		WHERE call_id = $2 AND owner_id = $3
	`, time.Now().UTC().Add(l.config.TTL), callID, l.config.OwnerID)
	if err != nil {
		return false
	}
	rows, err := result.RowsAffected()
	return err == nil && rows > 0
}
