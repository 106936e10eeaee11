package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/trustagent/mandates/pkg/api"
)

// SQLIdempotencyStore keeps replayable responses in the idempotency_keys
// table of a SQLStore's database.
type SQLIdempotencyStore struct {
	s   *SQLStore
	ttl time.Duration
	now func() time.Time
}

// Idempotency returns an idempotency store sharing s's database.
func (s *SQLStore) Idempotency(ttl time.Duration) *SQLIdempotencyStore {
	return &SQLIdempotencyStore{s: s, ttl: ttl, now: time.Now}
}

func (i *SQLIdempotencyStore) Lookup(ctx context.Context, key string) (*api.CachedResponse, error) {
	var (
		resp     api.CachedResponse
		body     string
		cachedAt int64
	)
	err := i.s.db.QueryRowContext(ctx,
		i.s.rebind(`SELECT status_code, content_type, body, fingerprint, cached_at FROM idempotency_keys WHERE idem_key = ?`),
		key,
	).Scan(&resp.StatusCode, &resp.ContentType, &body, &resp.Fingerprint, &cachedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read idempotency key: %w", err)
	}
	resp.CachedAt = time.UnixMicro(cachedAt).UTC()
	if i.now().Sub(resp.CachedAt) >= i.ttl {
		return nil, nil
	}
	resp.Body = []byte(body)
	return &resp, nil
}

func (i *SQLIdempotencyStore) Save(ctx context.Context, key string, resp api.CachedResponse) error {
	if resp.CachedAt.IsZero() {
		resp.CachedAt = i.now()
	}
	_, err := i.s.db.ExecContext(ctx, i.s.rebind(`INSERT INTO idempotency_keys (idem_key, status_code, content_type, body, fingerprint, cached_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (idem_key) DO UPDATE SET
	status_code = excluded.status_code,
	content_type = excluded.content_type,
	body = excluded.body,
	fingerprint = excluded.fingerprint,
	cached_at = excluded.cached_at`),
		key, resp.StatusCode, resp.ContentType, string(resp.Body), resp.Fingerprint, resp.CachedAt.UnixMicro(),
	)
	if err != nil {
		return fmt.Errorf("failed to save idempotency key: %w", err)
	}
	return nil
}

// Prune deletes entries older than the TTL.
func (i *SQLIdempotencyStore) Prune(ctx context.Context) (int64, error) {
	res, err := i.s.db.ExecContext(ctx,
		i.s.rebind(`DELETE FROM idempotency_keys WHERE cached_at < ?`),
		i.now().Add(-i.ttl).UnixMicro(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to prune idempotency keys: %w", err)
	}
	return res.RowsAffected()
}

// RunCleanup prunes every five minutes until ctx is done.
func (i *SQLIdempotencyStore) RunCleanup(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := i.Prune(ctx); err != nil && ctx.Err() == nil {
				slog.Warn("idempotency prune failed", "error", err)
			}
		}
	}
}
