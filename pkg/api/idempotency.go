package api

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/trustagent/mandates/pkg/lock"
)

// IdempotencyHeader names the client-chosen retry key.
const IdempotencyHeader = "Idempotency-Key"

const (
	maxIdempotencyKeyLen = 255
	idempotencyBodyLimit = 1 << 20
)

// CachedResponse is a response stored for replay.
type CachedResponse struct {
	StatusCode  int
	ContentType string
	Body        []byte
	// Fingerprint is a hash of the request body the response answered.
	Fingerprint string
	CachedAt    time.Time
}

// IdempotencyStore persists responses by scoped idempotency key.
type IdempotencyStore interface {
	// Lookup returns nil, nil on a miss or an expired entry.
	Lookup(ctx context.Context, key string) (*CachedResponse, error)
	Save(ctx context.Context, key string, resp CachedResponse) error
}

// MemoryIdempotencyStore keeps responses in process memory.
type MemoryIdempotencyStore struct {
	mu      sync.RWMutex
	entries map[string]CachedResponse
	ttl     time.Duration
	now     func() time.Time
}

// NewMemoryIdempotencyStore keeps each response for ttl. Call RunCleanup to
// evict old entries.
func NewMemoryIdempotencyStore(ttl time.Duration) *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{
		entries: make(map[string]CachedResponse),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (s *MemoryIdempotencyStore) Lookup(_ context.Context, key string) (*CachedResponse, error) {
	s.mu.RLock()
	cached, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok || s.now().Sub(cached.CachedAt) >= s.ttl {
		return nil, nil
	}
	return &cached, nil
}

func (s *MemoryIdempotencyStore) Save(_ context.Context, key string, resp CachedResponse) error {
	if resp.CachedAt.IsZero() {
		resp.CachedAt = s.now()
	}
	s.mu.Lock()
	s.entries[key] = resp
	s.mu.Unlock()
	return nil
}

// Prune drops expired entries and reports how many were removed.
func (s *MemoryIdempotencyStore) Prune() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	n := 0
	for k, v := range s.entries {
		if now.Sub(v.CachedAt) >= s.ttl {
			delete(s.entries, k)
			n++
		}
	}
	return n
}

// RunCleanup prunes every five minutes until ctx is done.
func (s *MemoryIdempotencyStore) RunCleanup(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Prune()
		}
	}
}

// responseCapture wraps http.ResponseWriter to capture the response.
type responseCapture struct {
	http.ResponseWriter
	statusCode int
	body       bytes.Buffer
}

func (rc *responseCapture) WriteHeader(code int) {
	rc.statusCode = code
	rc.ResponseWriter.WriteHeader(code)
}

func (rc *responseCapture) Write(b []byte) (int, error) {
	rc.body.Write(b)
	return rc.ResponseWriter.Write(b)
}

// IdempotencyMiddleware processes a POST carrying an Idempotency-Key at most
// once per scope. scope returns the caller identity the key is bound to; an
// empty scope skips idempotency. Retries with the same key and body replay
// the first 2xx response; the same key with a different body is rejected
// with 422. Concurrent retries are serialised through locker.
func IdempotencyMiddleware(store IdempotencyStore, locker lock.Locker, scope func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(IdempotencyHeader)
			if r.Method != http.MethodPost || key == "" {
				next.ServeHTTP(w, r)
				return
			}
			if len(key) > maxIdempotencyKeyLen {
				WriteErrorR(w, r, http.StatusBadRequest, "invalid_idempotency_key", "Invalid Idempotency Key", "Idempotency-Key is too long")
				return
			}
			owner := scope(r)
			if owner == "" {
				next.ServeHTTP(w, r)
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, idempotencyBodyLimit+1))
			if err != nil {
				WriteBadRequest(w, "unreadable request body")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			sum := sha256.Sum256(body)
			fingerprint := hex.EncodeToString(sum[:])
			scoped := owner + "\x00" + r.URL.Path + "\x00" + key

			unlock, err := locker.Lock(r.Context(), "idem:"+scoped)
			if err != nil {
				w.Header().Set("Retry-After", "1")
				WriteErrorR(w, r, http.StatusConflict, "idempotency_in_progress", "Request In Progress",
					"A request with this Idempotency-Key is still being processed")
				return
			}
			defer unlock()

			cached, err := store.Lookup(r.Context(), scoped)
			if err != nil {
				slog.Warn("idempotency lookup failed", "error", err)
			}
			if cached != nil {
				if cached.Fingerprint != fingerprint {
					WriteErrorR(w, r, http.StatusUnprocessableEntity, "idempotency_key_reused", "Idempotency Key Reused",
						"Idempotency-Key was already used with a different request body")
					return
				}
				if cached.ContentType != "" {
					w.Header().Set("Content-Type", cached.ContentType)
				}
				w.Header().Set("Idempotent-Replayed", "true")
				w.WriteHeader(cached.StatusCode)
				_, _ = w.Write(cached.Body)
				return
			}

			capture := &responseCapture{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(capture, r)

			if capture.statusCode >= 200 && capture.statusCode < 300 {
				err := store.Save(r.Context(), scoped, CachedResponse{
					StatusCode:  capture.statusCode,
					ContentType: w.Header().Get("Content-Type"),
					Body:        capture.body.Bytes(),
					Fingerprint: fingerprint,
				})
				if err != nil {
					slog.Warn("idempotency save failed", "error", err)
				}
			}
		})
	}
}
