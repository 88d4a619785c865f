// Package events publishes mail lifecycle transitions to NATS JetStream.
package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

const (
	StreamName    = "PENPAL_EVENTS"
	subjectPrefix = "penpal"
)

// Event describes a record reaching a new state.
type Event struct {
	MailID     string `json:"mail_id"`
	PersonaID  string `json:"persona_id"`
	CustomerID string `json:"customer_id,omitempty"`
	State      string `json:"state"`
	Time       int64  `json:"time"`
}

// Subject is the JetStream subject of the event.
func (e Event) Subject() string {
	return fmt.Sprintf("%s.%s.mail.%s", subjectPrefix, e.PersonaID, e.State)
}

type jetStream interface {
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
	StreamInfo(stream string, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	AddStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error)
}

// Publisher sends events to JetStream.
type Publisher struct {
	nc  *nats.Conn
	js  jetStream
	now func() time.Time
}

// Connect dials NATS and ensures the event stream exists.
func Connect(url string, log *logrus.Entry) (*Publisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("penpal"),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.WithError(err).Warn("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.WithField("url", c.ConnectedUrl()).Info("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats.Connect failed: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("nc.JetStream failed: %w", err)
	}

	p := &Publisher{nc: nc, js: js, now: time.Now}
	if err := p.EnsureStream(); err != nil {
		nc.Close()
		return nil, err
	}

	return p, nil
}

// NewWithJetStream wraps an existing JetStream context.
func NewWithJetStream(js jetStream, now func() time.Time) *Publisher {
	return &Publisher{js: js, now: now}
}

// EnsureStream creates the event stream when it is missing.
func (p *Publisher) EnsureStream() error {
	info, err := p.js.StreamInfo(StreamName)
	if err == nil && info != nil {
		return nil
	}

	_, err = p.js.AddStream(&nats.StreamConfig{
		Name:       StreamName,
		Subjects:   []string{subjectPrefix + ".>"},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		Duplicates: 10 * time.Minute,
		MaxAge:     30 * 24 * time.Hour,
	})
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return fmt.Errorf("js.AddStream failed: %w", err)
	}

	return nil
}

// Publish sends ev. The mail id and state form the deduplication id.
func (p *Publisher) Publish(_ context.Context, ev Event) error {
	if ev.Time == 0 {
		ev.Time = p.now().Unix()
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("json.Marshal failed: %w", err)
	}

	if _, err := p.js.Publish(ev.Subject(), payload, nats.MsgId(ev.MailID+":"+ev.State)); err != nil {
		return fmt.Errorf("js.Publish failed: %w", err)
	}

	return nil
}

// Close closes the NATS connection.
func (p *Publisher) Close() {
	if p.nc != nil {
		p.nc.Close()
	}
}

// Nop drops every event. It is used when NATS_URL is not set.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
