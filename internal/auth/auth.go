package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/oauth2"

	"github.com/beekhof/appointment-sync/internal/lock"
)

// ErrAuthExpired means the stored refresh credential was rejected. The link has
// been disabled and needs a new authorization.
var ErrAuthExpired = errors.New("calendar authorization expired or revoked")

// DefaultRefreshThreshold is how close to expiry a token is refreshed.
const DefaultRefreshThreshold = 5 * time.Minute

// CredentialStore is where link credentials live.
type CredentialStore interface {
	LoadToken(ctx context.Context, linkID uint) (*oauth2.Token, error)
	SaveToken(ctx context.Context, linkID uint, token *oauth2.Token) error
	DisableCalendarLink(ctx context.Context, linkID uint, reason string) error
}

// TokenManager is the single owner of link credentials. It hands out valid access
// tokens, refreshing and persisting them as needed.
type TokenManager struct {
	store      CredentialStore
	config     *oauth2.Config
	threshold  time.Duration
	maxRetries int
	timeout    time.Duration
	logger     *slog.Logger
	locks      lock.Keyed
	now        func() time.Time
}

// Option configures a TokenManager.
type Option func(*TokenManager)

// WithRefreshThreshold sets how long before expiry a token is refreshed.
func WithRefreshThreshold(d time.Duration) Option {
	return func(m *TokenManager) { m.threshold = d }
}

// WithRetries bounds refresh attempts against the token endpoint.
func WithRetries(maxRetries int, timeout time.Duration) Option {
	return func(m *TokenManager) {
		m.maxRetries = maxRetries
		m.timeout = timeout
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *TokenManager) { m.logger = logger }
}

// NewTokenManager creates a TokenManager refreshing through config's token endpoint.
func NewTokenManager(store CredentialStore, config *oauth2.Config, opts ...Option) *TokenManager {
	m := &TokenManager{
		store:      store,
		config:     config,
		threshold:  DefaultRefreshThreshold,
		maxRetries: 3,
		timeout:    10 * time.Second,
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GetValidCredentials returns an access token for the link that is valid for at
// least the refresh threshold. Tokens without an expiry are returned as stored.
func (m *TokenManager) GetValidCredentials(ctx context.Context, linkID uint) (*oauth2.Token, error) {
	unlock := m.locks.Lock(linkID)
	defer unlock()

	token, err := m.store.LoadToken(ctx, linkID)
	if err != nil {
		return nil, fmt.Errorf("failed to load credentials of link %d: %w", linkID, err)
	}
	if token.Expiry.IsZero() || token.Expiry.After(m.now().Add(m.threshold)) {
		return token, nil
	}

	if token.RefreshToken == "" || m.config == nil {
		return nil, m.expire(ctx, linkID, "no refresh token available")
	}

	m.logger.Debug("Refreshing access token", "link", linkID, "expiry", token.Expiry)
	refreshed, err := m.refresh(ctx, token.RefreshToken)
	if err != nil {
		if reason, revoked := revocation(err); revoked {
			return nil, m.expire(ctx, linkID, reason)
		}
		return nil, fmt.Errorf("failed to refresh token of link %d: %w", linkID, err)
	}
	if refreshed.RefreshToken == "" {
		refreshed.RefreshToken = token.RefreshToken
	}

	if err := m.store.SaveToken(ctx, linkID, refreshed); err != nil {
		return nil, fmt.Errorf("failed to save refreshed token of link %d: %w", linkID, err)
	}
	m.logger.Info("Access token refreshed", "link", linkID, "expiry", refreshed.Expiry)
	return refreshed, nil
}

func (m *TokenManager) expire(ctx context.Context, linkID uint, reason string) error {
	m.logger.Warn("Disabling calendar link", "link", linkID, "reason", reason)
	if err := m.store.DisableCalendarLink(ctx, linkID, reason); err != nil {
		return fmt.Errorf("failed to disable link %d after %s: %w", linkID, reason, err)
	}
	return fmt.Errorf("link %d: %s: %w", linkID, reason, ErrAuthExpired)
}

func (m *TokenManager) refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxElapsedTime = 0

	var token *oauth2.Token
	err := backoff.Retry(func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, m.timeout)
		defer cancel()

		t, err := m.config.TokenSource(attemptCtx, &oauth2.Token{RefreshToken: refreshToken}).Token()
		if err != nil {
			if _, revoked := revocation(err); revoked || ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		token = t
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(b, uint64(m.maxRetries)), ctx))
	if err != nil {
		return nil, err
	}
	return token, nil
}

// revocation reports whether a token endpoint error means the refresh token is
// no longer usable: invalid_grant or any 4xx other than 429.
func revocation(err error) (string, bool) {
	var rerr *oauth2.RetrieveError
	if !errors.As(err, &rerr) {
		return "", false
	}
	if rerr.ErrorCode == "invalid_grant" {
		return "refresh token rejected: invalid_grant", true
	}
	if rerr.Response == nil {
		return "", false
	}
	code := rerr.Response.StatusCode
	if code >= 400 && code < 500 && code != http.StatusTooManyRequests {
		if rerr.ErrorCode != "" {
			return fmt.Sprintf("refresh token rejected: %s", rerr.ErrorCode), true
		}
		return fmt.Sprintf("refresh token rejected: HTTP %d", code), true
	}
	return "", false
}
