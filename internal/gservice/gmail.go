// Package gservice is the Gmail API gateway of the mailer.
package gservice

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/hal9000y/penpal/internal/mailer"
)

const (
	gmailUserID  = "me"
	inboxQuery   = "in:inbox"
	inboxLabelID = "INBOX"

	// BatchModify accepts at most 1000 ids per request.
	maxBatchModify = 1000
)

type tokenSource interface {
	Fresh(ctx context.Context) (*oauth2.Token, error)
}

// Gmail implements mailer.Source and mailer.Sender on top of the Gmail API.
type Gmail struct {
	tok     tokenSource
	cb      *gobreaker.CircuitBreaker
	svcOpts []option.ClientOption
	log     *logrus.Entry
}

type Option func(*gmailOptions)

type gmailOptions struct {
	breaker gobreaker.Settings
	svcOpts []option.ClientOption
}

// WithClientOptions adds options to every gmail.Service the gateway creates.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(o *gmailOptions) { o.svcOpts = append(o.svcOpts, opts...) }
}

// WithBreakerSettings replaces the circuit breaker settings. Name and
// IsSuccessful are always set by the gateway.
func WithBreakerSettings(st gobreaker.Settings) Option {
	return func(o *gmailOptions) { o.breaker = st }
}

func NewGmail(tok tokenSource, log *logrus.Entry, opts ...Option) *Gmail {
	o := gmailOptions{
		breaker: gobreaker.Settings{
			MaxRequests: 3,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures > 5
			},
		},
	}
	for _, opt := range opts {
		opt(&o)
	}

	st := o.breaker
	st.Name = "gmail-api"
	st.IsSuccessful = isSuccessful
	st.OnStateChange = func(name string, from, to gobreaker.State) {
		log.WithFields(logrus.Fields{
			"breaker": name,
			"from":    from.String(),
			"to":      to.String(),
		}).Warn("circuit breaker state changed")
	}

	return &Gmail{
		tok:     tok,
		cb:      gobreaker.NewCircuitBreaker(st),
		svcOpts: o.svcOpts,
		log:     log,
	}
}

// ListInbox returns the ids of every message in the inbox.
func (m *Gmail) ListInbox(ctx context.Context) ([]string, error) {
	svc, err := m.newSvc(ctx)
	if err != nil {
		return nil, fmt.Errorf("newSvc failed: %w", err)
	}

	var (
		ids       []string
		pageToken string
	)
	for {
		call := svc.Users.Messages.List(gmailUserID).Q(inboxQuery)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		var resp *gmail.ListMessagesResponse
		err := m.execute(func() error {
			var err error
			resp, err = call.Context(ctx).Do()
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("messages.List failed: %w", err)
		}

		for _, msg := range resp.Messages {
			ids = append(ids, msg.Id)
		}
		if resp.NextPageToken == "" {
			return ids, nil
		}
		pageToken = resp.NextPageToken
	}
}

// Fetch downloads the full message and keeps the headers and bodies the
// pipeline stores.
func (m *Gmail) Fetch(ctx context.Context, id string) (*mailer.Inbound, error) {
	svc, err := m.newSvc(ctx)
	if err != nil {
		return nil, fmt.Errorf("newSvc failed: %w", err)
	}

	var msg *gmail.Message
	err = m.execute(func() error {
		var err error
		msg, err = svc.Users.Messages.Get(gmailUserID, id).Format("full").Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("messages.Get %s failed: %w", id, err)
	}

	return toInbound(msg), nil
}

// Send delivers a composed RFC 5322 message.
func (m *Gmail) Send(ctx context.Context, raw []byte) error {
	svc, err := m.newSvc(ctx)
	if err != nil {
		return fmt.Errorf("newSvc failed: %w", err)
	}

	msg := &gmail.Message{Raw: base64.URLEncoding.EncodeToString(raw)}
	err = m.execute(func() error {
		_, err := svc.Users.Messages.Send(gmailUserID, msg).Context(ctx).Do()
		return err
	})
	if err != nil {
		return fmt.Errorf("messages.Send failed: %w", err)
	}

	return nil
}

// Archive removes the INBOX label from the given messages.
func (m *Gmail) Archive(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	svc, err := m.newSvc(ctx)
	if err != nil {
		return fmt.Errorf("newSvc failed: %w", err)
	}

	for start := 0; start < len(ids); start += maxBatchModify {
		end := min(start+maxBatchModify, len(ids))
		req := &gmail.BatchModifyMessagesRequest{
			Ids:            ids[start:end],
			RemoveLabelIds: []string{inboxLabelID},
		}
		err := m.execute(func() error {
			return svc.Users.Messages.BatchModify(gmailUserID, req).Context(ctx).Do()
		})
		if err != nil {
			return fmt.Errorf("messages.BatchModify failed: %w", err)
		}
	}

	return nil
}

func (m *Gmail) execute(fn func() error) error {
	_, err := m.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		m.log.WithError(err).Warn("gmail call rejected by circuit breaker")
	}
	return err
}

func (m *Gmail) newSvc(ctx context.Context) (*gmail.Service, error) {
	t, err := m.tok.Fresh(ctx)
	if err != nil {
		return nil, fmt.Errorf("tok.Fresh failed: %w", err)
	}

	clt := oauth2.NewClient(ctx, oauth2.StaticTokenSource(t))

	opts := append([]option.ClientOption{option.WithHTTPClient(clt)}, m.svcOpts...)
	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gmail.NewService failed: %w", err)
	}

	return svc, nil
}

// isSuccessful keeps client errors from tripping the breaker: they say
// nothing about the health of the API.
func isSuccessful(err error) bool {
	if err == nil {
		return true
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code >= http.StatusBadRequest &&
			apiErr.Code < http.StatusInternalServerError &&
			apiErr.Code != http.StatusTooManyRequests
	}
	return errors.Is(err, context.Canceled)
}

func toInbound(msg *gmail.Message) *mailer.Inbound {
	in := &mailer.Inbound{ProviderID: msg.Id}
	if msg.Payload == nil {
		return in
	}

	for _, h := range msg.Payload.Headers {
		switch {
		case strings.EqualFold(h.Name, "From"):
			in.From = h.Value
		case strings.EqualFold(h.Name, "To"):
			in.To = h.Value
		case strings.EqualFold(h.Name, "Subject"):
			in.Subject = h.Value
		case strings.EqualFold(h.Name, "Date"):
			in.Date = h.Value
		case strings.EqualFold(h.Name, "Reply-To"):
			in.ReplyTo = h.Value
		case strings.EqualFold(h.Name, "Received"):
			if in.Received == "" {
				in.Received = h.Value
			}
		}
	}

	in.TextBody, in.HTMLBody = extractMessageBodies(msg.Payload)

	return in
}
