// Package mailer moves mail between the provider and the document store.
package mailer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/sirupsen/logrus"

	"github.com/hal9000y/penpal/internal/events"
	"github.com/hal9000y/penpal/internal/store"
)

// MaxBodyWords is the largest body, in space-separated words, that is
// accepted for a reply.
const MaxBodyWords = 5000

var (
	ErrNoCustomerTag = errors.New("recipient address has no +customer tag")
	ErrNoBody        = errors.New("message has no text or html body")
	ErrBodyTooLong   = fmt.Errorf("message body has more than %d words", MaxBodyWords)
)

// Inbound is a fetched provider message reduced to what the pipeline keeps.
type Inbound struct {
	ProviderID string
	From       string
	To         string
	Subject    string
	Date       string
	Received   string
	ReplyTo    string
	TextBody   string
	HTMLBody   string
}

// Body returns the plain text body, or the HTML one when there is no text,
// together with its type.
func (in Inbound) Body() (string, store.BodyType) {
	if in.TextBody == "" && in.HTMLBody != "" {
		return in.HTMLBody, store.BodyHTML
	}
	return in.TextBody, store.BodyText
}

// Source is a mailbox the ingester reads from.
type Source interface {
	ListInbox(ctx context.Context) ([]string, error)
	Fetch(ctx context.Context, providerID string) (*Inbound, error)
	Archive(ctx context.Context, providerIDs []string) error
}

type MailInserter interface {
	InsertMails(ctx context.Context, mails []store.Mail) (int, error)
}

type Publisher interface {
	Publish(ctx context.Context, ev events.Event) error
}

// IngestResult counts what one ingest pass did.
type IngestResult struct {
	Fetched  int
	Inserted int
	Rejected int
}

// Ingester copies the inbox into the store and archives what it copied.
type Ingester struct {
	personaID string
	src       Source
	store     MailInserter
	events    Publisher
	now       func() time.Time
	log       *logrus.Entry
}

type IngestOption func(*Ingester)

func WithIngestPublisher(p Publisher) IngestOption {
	return func(i *Ingester) { i.events = p }
}

func WithIngestClock(now func() time.Time) IngestOption {
	return func(i *Ingester) { i.now = now }
}

func NewIngester(personaID string, src Source, st MailInserter, log *logrus.Entry, opts ...IngestOption) *Ingester {
	i := &Ingester{
		personaID: personaID,
		src:       src,
		store:     st,
		events:    events.Nop{},
		now:       time.Now,
		log:       log,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Ingest fetches every inbox message, stores the batch and archives the
// fetched messages. Messages that cannot be answered are stored in state
// error. Nothing is archived when storing fails.
func (i *Ingester) Ingest(ctx context.Context) (IngestResult, error) {
	var res IngestResult

	ids, err := i.src.ListInbox(ctx)
	if err != nil {
		return res, fmt.Errorf("src.ListInbox failed: %w", err)
	}
	if len(ids) == 0 {
		return res, nil
	}

	mails := make([]store.Mail, 0, len(ids))
	for _, id := range ids {
		in, err := i.src.Fetch(ctx, id)
		if err != nil {
			return res, fmt.Errorf("src.Fetch %s failed: %w", id, err)
		}

		m, reason := i.toMail(in)
		if reason != nil {
			res.Rejected++
			i.log.WithError(reason).WithField("mail_id", m.ID).Warn("message stored in error state")
		}
		mails = append(mails, m)
	}
	res.Fetched = len(mails)

	if res.Inserted, err = i.store.InsertMails(ctx, mails); err != nil {
		return res, fmt.Errorf("store.InsertMails failed: %w", err)
	}

	if err := i.src.Archive(ctx, ids); err != nil {
		return res, fmt.Errorf("src.Archive failed: %w", err)
	}

	for _, m := range mails {
		ev := events.Event{MailID: m.ID, PersonaID: m.PersonaID, CustomerID: m.CustomerID, State: string(m.State)}
		if err := i.events.Publish(ctx, ev); err != nil {
			i.log.WithError(err).WithField("mail_id", m.ID).Warn("publish event failed")
		}
	}

	return res, nil
}

// toMail builds the record of in. The returned error explains why the record
// is in state error.
func (i *Ingester) toMail(in *Inbound) (store.Mail, error) {
	m := store.Mail{
		ID:        i.personaID + "_" + in.ProviderID,
		PersonaID: i.personaID,
		Subject:   in.Subject,
		From:      in.From,
		To:        in.To,
		ReplyTo:   in.ReplyTo,
		Date:      in.Date,
		Received:  in.Received,
		State:     store.StateNew,
		TimeAdded: i.now().Unix(),
	}
	m.Body, m.BodyType = in.Body()

	customer, err := CustomerID(in.To)
	if err != nil {
		m.State = store.StateError
		return m, err
	}
	m.CustomerID = customer

	if err := checkBody(m.Body); err != nil {
		m.State = store.StateError
		return m, err
	}

	return m, nil
}

func checkBody(body string) error {
	if strings.TrimSpace(body) == "" {
		return ErrNoBody
	}
	if len(strings.Split(body, " ")) > MaxBodyWords {
		return ErrBodyTooLong
	}
	return nil
}

// CustomerID extracts the tag of the first plus-addressed recipient in to,
// so "penpal+cust123@example.com" yields "cust123".
func CustomerID(to string) (string, error) {
	var candidates []string
	if addrs, err := mail.ParseAddressList(to); err == nil {
		for _, a := range addrs {
			candidates = append(candidates, a.Address)
		}
	} else {
		candidates = strings.Split(to, ",")
	}

	for _, addr := range candidates {
		local, _, _ := strings.Cut(strings.TrimSpace(addr), "@")
		if _, tag, ok := strings.Cut(local, "+"); ok && tag != "" {
			return tag, nil
		}
	}

	return "", ErrNoCustomerTag
}

// PlusAddress inserts customerID as the tag of address.
func PlusAddress(address, customerID string) string {
	local, domain, ok := strings.Cut(address, "@")
	if !ok || customerID == "" {
		return address
	}
	if base, _, tagged := strings.Cut(local, "+"); tagged {
		local = base
	}
	return local + "+" + customerID + "@" + domain
}
