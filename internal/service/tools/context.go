package tools

import (
	"context"
	"sync"
	"time"
)

const (
	SearchRateLimit  = 8
	SearchRateWindow = time.Minute
	SearchTimeout    = 10 * time.Second
)

type turnSessionContextKey struct{}

type turnSession struct {
	OwnerID     string
	SessionID   string
	AccessToken string
}

// WithTurnSession attaches the ambient per-turn identity that executors
// read: owner, session, and the delegated access token when one exists.
func WithTurnSession(ctx context.Context, ownerID, sessionID, accessToken string) context.Context {
	if ownerID == "" && sessionID == "" {
		return ctx
	}
	return context.WithValue(ctx, turnSessionContextKey{}, turnSession{
		OwnerID:     ownerID,
		SessionID:   sessionID,
		AccessToken: accessToken,
	})
}

// TurnSessionFromContext retrieves the ambient turn identity.
func TurnSessionFromContext(ctx context.Context) (ownerID, sessionID, accessToken string, ok bool) {
	val := ctx.Value(turnSessionContextKey{})
	if val == nil {
		return "", "", "", false
	}
	ts, ok := val.(turnSession)
	if !ok {
		return "", "", "", false
	}
	return ts.OwnerID, ts.SessionID, ts.AccessToken, true
}

type toolRateLimiter struct {
	limit  int
	window time.Duration
	mu     sync.Mutex
	hits   map[string][]time.Time
}

func newToolRateLimiter(limit int, window time.Duration) *toolRateLimiter {
	return &toolRateLimiter{limit: limit, window: window, hits: make(map[string][]time.Time)}
}

func (l *toolRateLimiter) Allow(key string) bool {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	queue := l.hits[key]
	cutoff := now.Add(-l.window)
	idx := 0
	for _, t := range queue {
		if t.After(cutoff) {
			break
		}
		idx++
	}
	if idx > 0 {
		queue = queue[idx:]
	}
	if len(queue) >= l.limit {
		l.hits[key] = queue
		return false
	}
	queue = append(queue, now)
	l.hits[key] = queue
	return true
}
