package gateway

import (
	"context"
	"errors"
	"sync"
	"time"
)

// refreshMargin refreshes tokens proactively before expiry rather than
// reactively on a 401, which would waste a round trip.
const refreshMargin = 30 * time.Second

// tokenSource caches one OAuth access token per provider. The fetch runs
// while holding the mutex, so concurrent callers that observe an expired
// token wait for the single in-flight refresh instead of issuing their own.
type tokenSource struct {
	fetch func(ctx context.Context) (token string, expiry time.Time, err error)

	mu     sync.Mutex
	token  string
	expiry time.Time
}

func newTokenSource(fetch func(ctx context.Context) (string, time.Time, error)) *tokenSource {
	return &tokenSource{fetch: fetch}
}

func (s *tokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" && time.Now().Before(s.expiry.Add(-refreshMargin)) {
		return s.token, nil
	}

	token, expiry, err := s.fetch(ctx)
	if err != nil {
		return "", err
	}
	s.token = token
	s.expiry = expiry
	return token, nil
}

// Invalidate drops the cached token so the next caller refreshes.
func (s *tokenSource) Invalidate() {
	s.mu.Lock()
	s.token = ""
	s.expiry = time.Time{}
	s.mu.Unlock()
}

// invalidateOnAuthFailure drops the cached token when the provider rejected
// the call as unauthorized, so the next call fetches a fresh one instead of
// replaying a token the provider no longer honors.
func (s *tokenSource) invalidateOnAuthFailure(err error) {
	var rejected *RejectedError
	if errors.As(err, &rejected) && rejected.Code == "HTTP_401" {
		s.Invalidate()
	}
}
