// Package auth manages the OAuth2 token of the mail provider.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/hal9000y/penpal/internal/retry"
	"github.com/hal9000y/penpal/internal/store"
)

const (
	refreshAttempts = 8
	refreshBase     = 3 * time.Second
	stateTTL        = 5 * time.Minute
)

var (
	// ErrTokenNotSet indicates no OAuth token is available.
	ErrTokenNotSet = errors.New("no token defined")
	// ErrReauthorize means the refresh token was rejected and the consent
	// flow has to run again.
	ErrReauthorize = errors.New("oauth token rejected, run the authorize command")
)

// TokenStore persists token blobs by service name.
type TokenStore interface {
	GetToken(ctx context.Context, service string) ([]byte, error)
	PutToken(ctx context.Context, service string, blob []byte) error
}

// Token hands out valid OAuth2 tokens, refreshing and persisting them on demand.
type Token struct {
	mu      sync.Mutex
	cfg     *oauth2.Config
	store   TokenStore
	service string
	states  map[string]time.Time
	policy  retry.Policy
	now     func() time.Time
}

type Option func(*Token)

// WithRefreshPolicy replaces the refresh retry policy.
func WithRefreshPolicy(p retry.Policy) Option {
	return func(t *Token) { t.policy = p }
}

func WithClock(now func() time.Time) Option {
	return func(t *Token) { t.now = now }
}

// NewToken creates a token manager for service.
func NewToken(cfg *oauth2.Config, ts TokenStore, service string, log *logrus.Entry, opts ...Option) *Token {
	t := &Token{
		cfg:     cfg,
		store:   ts,
		service: service,
		states:  make(map[string]time.Time),
		now:     time.Now,
		policy:  DefaultRefreshPolicy(log),
	}
	for _, opt := range opts {
		opt(t)
	}

	return t
}

// DefaultRefreshPolicy retries failed refreshes with exponential backoff
// unless the authorization server rejected the refresh token.
func DefaultRefreshPolicy(log *logrus.Entry) retry.Policy {
	return retry.Policy{
		Attempts:  refreshAttempts,
		Backoff:   retry.Exponential(refreshBase),
		Retryable: isTransient,
		OnRetry: func(attempt int, err error, wait time.Duration) {
			log.WithError(err).WithFields(logrus.Fields{
				"attempt": attempt,
				"wait":    wait.String(),
			}).Warn("token refresh failed, retrying")
		},
	}
}

// SeedFromFile imports a JSON token file when the store has no token yet.
func (t *Token) SeedFromFile(ctx context.Context, path string) (bool, error) {
	if path == "" {
		return false, nil
	}
	if _, err := t.OAuthToken(ctx); !errors.Is(err, ErrTokenNotSet) {
		return false, err
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Errorf("os.ReadFile failed: %w", err)
	}
	tok := &oauth2.Token{}
	if err := json.Unmarshal(raw, tok); err != nil {
		return false, fmt.Errorf("json.Unmarshal failed: %w", err)
	}

	if err := t.save(ctx, tok); err != nil {
		return false, err
	}

	return true, nil
}

// OAuthToken returns the stored token as is.
func (t *Token) OAuthToken(ctx context.Context) (*oauth2.Token, error) {
	blob, err := t.store.GetToken(ctx, t.service)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrTokenNotSet
	}
	if err != nil {
		return nil, fmt.Errorf("store.GetToken failed: %w", err)
	}

	tok := &oauth2.Token{}
	if err := json.Unmarshal(blob, tok); err != nil {
		return nil, fmt.Errorf("json.Unmarshal failed: %w", err)
	}

	return tok, nil
}

// Fresh returns a valid token. An expired token is refreshed and written back
// to the store. A rejected refresh yields ErrReauthorize.
func (t *Token) Fresh(ctx context.Context) (*oauth2.Token, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tok, err := t.OAuthToken(ctx)
	if errors.Is(err, ErrTokenNotSet) {
		return nil, fmt.Errorf("%w: %w", ErrReauthorize, err)
	}
	if err != nil {
		return nil, err
	}
	if tok.Valid() {
		return tok, nil
	}
	if tok.RefreshToken == "" {
		return nil, fmt.Errorf("%w: token expired without refresh token", ErrReauthorize)
	}

	var refreshed *oauth2.Token
	err = t.policy.Do(ctx, func(ctx context.Context) error {
		var err error
		refreshed, err = t.cfg.TokenSource(ctx, tok).Token()
		return err
	})
	var rErr *oauth2.RetrieveError
	if errors.As(err, &rErr) {
		return nil, fmt.Errorf("%w: %w", ErrReauthorize, err)
	}
	if err != nil {
		return nil, fmt.Errorf("token refresh failed: %w", err)
	}

	if err := t.save(ctx, refreshed); err != nil {
		return nil, err
	}

	return refreshed, nil
}

// RedirectURL generates the consent URL with a random single-use state.
func (t *Token) RedirectURL() (string, error) {
	state, err := t.generateState()
	if err != nil {
		return "", fmt.Errorf("generateState failed: %w", err)
	}

	return t.cfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce), nil
}

// AuthorizeCode exchanges an authorization code for a token and stores it.
func (t *Token) AuthorizeCode(ctx context.Context, code, state string) error {
	if !t.validateState(state) {
		return errors.New("invalid or expired state parameter")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	tok, err := t.cfg.Exchange(ctx, code)
	if err != nil {
		return fmt.Errorf("cfg.Exchange failed: %w", err)
	}

	return t.save(ctx, tok)
}

func (t *Token) save(ctx context.Context, tok *oauth2.Token) error {
	blob, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("json.Marshal failed: %w", err)
	}
	if err := t.store.PutToken(ctx, t.service, blob); err != nil {
		return fmt.Errorf("store.PutToken failed: %w", err)
	}
	return nil
}

func (t *Token) generateState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("rand.Read failed: %w", err)
	}
	state := base64.URLEncoding.EncodeToString(b)

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.states[state] = now.Add(stateTTL)
	for s, exp := range t.states {
		if exp.Before(now) {
			delete(t.states, s)
		}
	}

	return state, nil
}

func (t *Token) validateState(state string) bool {
	if state == "" {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	expiry, ok := t.states[state]
	if !ok {
		return false
	}
	delete(t.states, state)

	return !t.now().After(expiry)
}

func isTransient(err error) bool {
	var rErr *oauth2.RetrieveError
	return !errors.As(err, &rErr) && !errors.Is(err, context.Canceled)
}
