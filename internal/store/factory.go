package store

import (
	"context"
	"strings"
)

// New returns a Postgres-backed store when databaseURL is set and an
// in-memory store otherwise.
func New(ctx context.Context, databaseURL string) (Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewInMemoryStore(), nil
	}
	return NewPostgresStore(ctx, databaseURL)
}
