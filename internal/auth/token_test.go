package auth_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/hal9000y/penpal/internal/auth"
	"github.com/hal9000y/penpal/internal/store"
)

type tokenStoreMock struct {
	GetTokenFunc func(ctx context.Context, service string) ([]byte, error)
	PutTokenFunc func(ctx context.Context, service string, blob []byte) error
}

func (m *tokenStoreMock) GetToken(ctx context.Context, service string) ([]byte, error) {
	return m.GetTokenFunc(ctx, service)
}

func (m *tokenStoreMock) PutToken(ctx context.Context, service string, blob []byte) error {
	return m.PutTokenFunc(ctx, service, blob)
}

// memStore keeps blobs in a map.
func memStore() (*tokenStoreMock, map[string][]byte) {
	blobs := map[string][]byte{}
	return &tokenStoreMock{
		GetTokenFunc: func(_ context.Context, service string) ([]byte, error) {
			b, ok := blobs[service]
			if !ok {
				return nil, store.ErrNotFound
			}
			return b, nil
		},
		PutTokenFunc: func(_ context.Context, service string, blob []byte) error {
			blobs[service] = blob
			return nil
		},
	}, blobs
}

func putToken(t *testing.T, blobs map[string][]byte, tok *oauth2.Token) {
	t.Helper()
	b, err := json.Marshal(tok)
	require.NoError(t, err)
	blobs["gmail"] = b
}

func oauthConfig(tokenURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     "client",
		ClientSecret: "secret",
		RedirectURL:  "http://localhost/oauth",
		Endpoint: oauth2.Endpoint{
			AuthURL:   "https://accounts.example.com/auth",
			TokenURL:  tokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

func noSleep(_ context.Context, _ time.Duration) error { return nil }

func newToken(cfg *oauth2.Config, ts auth.TokenStore) *auth.Token {
	logger, _ := logtest.NewNullLogger()
	log := logrus.NewEntry(logger)
	policy := auth.DefaultRefreshPolicy(log)
	policy.Sleep = noSleep
	return auth.NewToken(cfg, ts, "gmail", log, auth.WithRefreshPolicy(policy))
}

func TestFreshReturnsValidToken(t *testing.T) {
	ts, blobs := memStore()
	putToken(t, blobs, &oauth2.Token{AccessToken: "live", Expiry: time.Now().Add(time.Hour)})

	tok, err := newToken(oauthConfig("http://unused"), ts).Fresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "live", tok.AccessToken)
}

func TestFreshRefreshesAndPersists(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		assert.Equal(t, "r1", r.PostForm.Get("refresh_token"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"new","token_type":"Bearer","expires_in":3600}`))
	}))
	defer srv.Close()

	ts, blobs := memStore()
	putToken(t, blobs, &oauth2.Token{AccessToken: "old", RefreshToken: "r1", Expiry: time.Now().Add(-time.Hour)})

	tok, err := newToken(oauthConfig(srv.URL), ts).Fresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "new", tok.AccessToken)
	assert.Equal(t, int32(1), hits.Load())

	var stored oauth2.Token
	require.NoError(t, json.Unmarshal(blobs["gmail"], &stored))
	assert.Equal(t, "new", stored.AccessToken)
	assert.Equal(t, "r1", stored.RefreshToken)
}

func TestFreshRejectedRefreshNeedsReauthorize(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	defer srv.Close()

	ts, blobs := memStore()
	putToken(t, blobs, &oauth2.Token{AccessToken: "old", RefreshToken: "r1", Expiry: time.Now().Add(-time.Hour)})

	_, err := newToken(oauthConfig(srv.URL), ts).Fresh(context.Background())
	require.ErrorIs(t, err, auth.ErrReauthorize)
	assert.Equal(t, int32(1), hits.Load())
}

func TestFreshRetriesTransportErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) < 3 {
			conn, _, err := w.(http.Hijacker).Hijack()
			if err == nil {
				_ = conn.Close()
			}
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"third","token_type":"Bearer","expires_in":3600}`))
	}))
	defer srv.Close()

	ts, blobs := memStore()
	putToken(t, blobs, &oauth2.Token{AccessToken: "old", RefreshToken: "r1", Expiry: time.Now().Add(-time.Hour)})

	tok, err := newToken(oauthConfig(srv.URL), ts).Fresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "third", tok.AccessToken)
	assert.Equal(t, int32(3), hits.Load())
}

func TestFreshWithoutToken(t *testing.T) {
	ts, blobs := memStore()

	_, err := newToken(oauthConfig("http://unused"), ts).Fresh(context.Background())
	require.ErrorIs(t, err, auth.ErrReauthorize)
	require.ErrorIs(t, err, auth.ErrTokenNotSet)

	putToken(t, blobs, &oauth2.Token{AccessToken: "old", Expiry: time.Now().Add(-time.Hour)})
	_, err = newToken(oauthConfig("http://unused"), ts).Fresh(context.Background())
	require.ErrorIs(t, err, auth.ErrReauthorize)
}

func TestSeedFromFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "token.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"access_token":"seeded","refresh_token":"r"}`), 0o600))

	ts, blobs := memStore()
	tk := newToken(oauthConfig("http://unused"), ts)

	seeded, err := tk.SeedFromFile(ctx, path)
	require.NoError(t, err)
	assert.True(t, seeded)

	tok, err := tk.OAuthToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "seeded", tok.AccessToken)

	putToken(t, blobs, &oauth2.Token{AccessToken: "newer"})
	seeded, err = tk.SeedFromFile(ctx, path)
	require.NoError(t, err)
	assert.False(t, seeded)

	seeded, err = tk.SeedFromFile(ctx, "")
	require.NoError(t, err)
	assert.False(t, seeded)
}

func TestRedirectURLCarriesState(t *testing.T) {
	ts, _ := memStore()
	u, err := newToken(oauthConfig("http://unused"), ts).RedirectURL()
	require.NoError(t, err)

	parsed, err := url.Parse(u)
	require.NoError(t, err)
	assert.Equal(t, "accounts.example.com", parsed.Host)
	assert.NotEmpty(t, parsed.Query().Get("state"))
	assert.Equal(t, "offline", parsed.Query().Get("access_type"))
	assert.Equal(t, "consent", parsed.Query().Get("prompt"))
}
