package cloud

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultSkew is how long before expiry a token stops being handed out.
const DefaultSkew = 2 * time.Minute

// Source hands out session tokens for one charger, reusing a cached or
// persisted token while it is valid.
type Source struct {
	ex    *Exchanger
	store TokenStore
	creds Credentials
	skew  time.Duration
	log   zerolog.Logger
	now   func() time.Time

	mu     sync.Mutex
	cached Token
}

// NewSource creates a Source. A nil store keeps tokens in memory only.
func NewSource(ex *Exchanger, store TokenStore, creds Credentials, log zerolog.Logger) *Source {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Source{
		ex:    ex,
		store: store,
		creds: creds,
		skew:  DefaultSkew,
		log:   log.With().Str("component", "cloud").Str("serial", creds.Serial).Logger(),
		now:   time.Now,
	}
}

// Token returns a valid session token, exchanging credentials when needed.
func (s *Source) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if s.cached.Valid(now, s.skew) {
		return s.cached.Value, nil
	}

	if t, ok, err := s.store.Load(ctx, s.creds.Serial); err != nil {
		s.log.Warn().Err(err).Msg("failed to load persisted token")
	} else if ok && t.Valid(now, s.skew) {
		s.cached = t
		return t.Value, nil
	}

	t, err := s.ex.Exchange(ctx, s.creds)
	if err != nil {
		return "", err
	}
	s.cached = t
	if err := s.store.Save(ctx, s.creds.Serial, t); err != nil {
		s.log.Warn().Err(err).Msg("failed to persist token")
	}
	return t.Value, nil
}

// Invalidate drops the cached and persisted token after the relay refused it.
func (s *Source) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cached = Token{}
	if err := s.store.Delete(context.Background(), s.creds.Serial); err != nil {
		s.log.Warn().Err(err).Msg("failed to delete persisted token")
	}
	s.log.Info().Msg("session token invalidated")
}
