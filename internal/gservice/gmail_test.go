package gservice_test

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/hal9000y/penpal/internal/gservice"
	"github.com/hal9000y/penpal/internal/mailer"
)

type tokenMock struct {
	FreshFunc func(ctx context.Context) (*oauth2.Token, error)
}

func (m *tokenMock) Fresh(ctx context.Context) (*oauth2.Token, error) {
	return m.FreshFunc(ctx)
}

func validToken() *tokenMock {
	return &tokenMock{
		FreshFunc: func(context.Context) (*oauth2.Token, error) {
			return &oauth2.Token{AccessToken: "acc", TokenType: "Bearer", Expiry: time.Now().Add(time.Hour)}, nil
		},
	}
}

func newGmail(t *testing.T, mux *http.ServeMux, opts ...gservice.Option) *gservice.Gmail {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer acc" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	logger, _ := logtest.NewNullLogger()
	opts = append(opts, gservice.WithClientOptions(option.WithEndpoint(srv.URL+"/")))
	return gservice.NewGmail(validToken(), logrus.NewEntry(logger), opts...)
}

func writeJSON(t *testing.T, w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(v))
}

func writeError(w http.ResponseWriter, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = fmt.Fprintf(w, `{"error":{"code":%d,"message":"%s"}}`, code, http.StatusText(code))
}

func b64(s string) string {
	return base64.URLEncoding.EncodeToString([]byte(s))
}

func TestListInbox(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /gmail/v1/users/me/messages", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "in:inbox", r.URL.Query().Get("q"))
		switch r.URL.Query().Get("pageToken") {
		case "":
			writeJSON(t, w, map[string]any{
				"messages":      []map[string]string{{"id": "a"}, {"id": "b"}},
				"nextPageToken": "p2",
			})
		case "p2":
			writeJSON(t, w, map[string]any{"messages": []map[string]string{{"id": "c"}}})
		default:
			t.Errorf("unexpected page token %q", r.URL.Query().Get("pageToken"))
		}
	})

	ids, err := newGmail(t, mux).ListInbox(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, ids)
}

func TestFetch(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /gmail/v1/users/me/messages/{id}", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "m1", r.PathValue("id"))
		assert.Equal(t, "full", r.URL.Query().Get("format"))
		writeJSON(t, w, map[string]any{
			"id": "m1",
			"payload": map[string]any{
				"mimeType": "multipart/mixed",
				"headers": []map[string]string{
					{"name": "Received", "value": "by 10.0.0.1"},
					{"name": "Received", "value": "by 10.0.0.2"},
					{"name": "From", "value": "Alice <alice@example.com>"},
					{"name": "To", "value": "penpal+c1@example.com"},
					{"name": "Subject", "value": "Hello"},
					{"name": "Date", "value": "Mon, 1 Jan 2024 10:00:00 +0000"},
					{"name": "Reply-To", "value": "alice@work.example.com"},
					{"name": "Cc", "value": "ignored@example.com"},
				},
				"parts": []map[string]any{
					{
						"mimeType": "multipart/alternative",
						"parts": []map[string]any{
							{"mimeType": "text/plain", "body": map[string]any{"data": b64("Hi there")}},
							{"mimeType": "text/html", "body": map[string]any{"data": b64("<p>Hi there</p>")}},
						},
					},
					{
						"mimeType": "text/plain",
						"filename": "notes.txt",
						"body":     map[string]any{"data": b64("attachment")},
					},
				},
			},
		})
	})

	in, err := newGmail(t, mux).Fetch(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, &mailer.Inbound{
		ProviderID: "m1",
		From:       "Alice <alice@example.com>",
		To:         "penpal+c1@example.com",
		Subject:    "Hello",
		Date:       "Mon, 1 Jan 2024 10:00:00 +0000",
		Received:   "by 10.0.0.1",
		ReplyTo:    "alice@work.example.com",
		TextBody:   "Hi there",
		HTMLBody:   "<p>Hi there</p>",
	}, in)
}

func TestSend(t *testing.T) {
	var got []byte
	mux := http.NewServeMux()
	mux.HandleFunc("POST /gmail/v1/users/me/messages/send", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Raw string `json:"raw"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		var err error
		got, err = base64.URLEncoding.DecodeString(body.Raw)
		require.NoError(t, err)
		writeJSON(t, w, map[string]string{"id": "sent1"})
	})

	raw := []byte("From: penpal@example.com\r\nSubject: Re: Hi\r\n\r\nbody?>>")
	require.NoError(t, newGmail(t, mux).Send(context.Background(), raw))
	assert.Equal(t, raw, got)
}

func TestArchive(t *testing.T) {
	var batches [][]string
	mux := http.NewServeMux()
	mux.HandleFunc("POST /gmail/v1/users/me/messages/batchModify", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Ids            []string `json:"ids"`
			RemoveLabelIds []string `json:"removeLabelIds"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, []string{"INBOX"}, req.RemoveLabelIds)
		batches = append(batches, req.Ids)
		w.WriteHeader(http.StatusNoContent)
	})

	ids := make([]string, 1500)
	for i := range ids {
		ids[i] = fmt.Sprintf("id%d", i)
	}

	g := newGmail(t, mux)
	require.NoError(t, g.Archive(context.Background(), ids))
	require.Len(t, batches, 2)
	assert.Len(t, batches[0], 1000)
	assert.Equal(t, ids[1000:], batches[1])

	require.NoError(t, g.Archive(context.Background(), nil))
	assert.Len(t, batches, 2)
}

func TestBreakerTripsOnServerErrors(t *testing.T) {
	var hits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /gmail/v1/users/me/messages/send", func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		writeError(w, http.StatusServiceUnavailable)
	})

	g := newGmail(t, mux, gservice.WithBreakerSettings(gobreaker.Settings{
		Timeout:     time.Hour,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 2 },
	}))

	for range 2 {
		err := g.Send(context.Background(), []byte("x"))
		var apiErr *googleapi.Error
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, http.StatusServiceUnavailable, apiErr.Code)
	}

	err := g.Send(context.Background(), []byte("x"))
	require.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, int32(2), hits.Load())
}

func TestBreakerIgnoresClientErrors(t *testing.T) {
	var hits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("GET /gmail/v1/users/me/messages/{id}", func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		writeError(w, http.StatusNotFound)
	})

	g := newGmail(t, mux, gservice.WithBreakerSettings(gobreaker.Settings{
		Timeout:     time.Hour,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 2 },
	}))

	for range 5 {
		_, err := g.Fetch(context.Background(), "gone")
		var apiErr *googleapi.Error
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, http.StatusNotFound, apiErr.Code)
	}
	assert.Equal(t, int32(5), hits.Load())
}

func TestTokenFailure(t *testing.T) {
	errAuth := errors.New("reauthorize")
	logger, _ := logtest.NewNullLogger()
	g := gservice.NewGmail(&tokenMock{
		FreshFunc: func(context.Context) (*oauth2.Token, error) { return nil, errAuth },
	}, logrus.NewEntry(logger))

	_, err := g.ListInbox(context.Background())
	require.ErrorIs(t, err, errAuth)
	require.ErrorIs(t, g.Send(context.Background(), []byte("x")), errAuth)
	require.ErrorIs(t, g.Archive(context.Background(), []string{"a"}), errAuth)
}
