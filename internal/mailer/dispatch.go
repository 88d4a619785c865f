package mailer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/sirupsen/logrus"

	"github.com/hal9000y/penpal/internal/events"
	"github.com/hal9000y/penpal/internal/store"
)

// Sender delivers a composed RFC 5322 message.
type Sender interface {
	Send(ctx context.Context, raw []byte) error
}

type ReplyStore interface {
	FindByState(ctx context.Context, personaID string, state store.State) ([]store.Mail, error)
	UpdateMail(ctx context.Context, id string, upd store.MailUpdate) error
}

// Identity is the persona replies are sent as.
type Identity struct {
	ID    string
	Name  string
	Email string
}

// DispatchResult counts what one dispatch pass did.
type DispatchResult struct {
	Sent   int
	Failed int
}

// Dispatcher sends pending replies.
type Dispatcher struct {
	id     Identity
	sender Sender
	store  ReplyStore
	events Publisher
	now    func() time.Time
	log    *logrus.Entry
}

type DispatchOption func(*Dispatcher)

func WithDispatchPublisher(p Publisher) DispatchOption {
	return func(d *Dispatcher) { d.events = p }
}

func WithDispatchClock(now func() time.Time) DispatchOption {
	return func(d *Dispatcher) { d.now = now }
}

func NewDispatcher(id Identity, sender Sender, st ReplyStore, log *logrus.Entry, opts ...DispatchOption) *Dispatcher {
	d := &Dispatcher{
		id:     id,
		sender: sender,
		store:  st,
		events: events.Nop{},
		now:    time.Now,
		log:    log,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch sends every pending reply and marks it sent. A reply that fails to
// send is logged and stays pending for the next pass.
func (d *Dispatcher) Dispatch(ctx context.Context) (DispatchResult, error) {
	var res DispatchResult

	pending, err := d.store.FindByState(ctx, d.id.ID, store.StatePending)
	if err != nil {
		return res, fmt.Errorf("store.FindByState failed: %w", err)
	}

	for _, reply := range pending {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		log := d.log.WithField("mail_id", reply.ID)

		raw, err := Compose(reply, d.id, d.now())
		if err != nil {
			res.Failed++
			log.WithError(err).Error("compose reply failed")
			continue
		}

		if err := d.sender.Send(ctx, raw); err != nil {
			res.Failed++
			log.WithError(err).Error("send reply failed, keeping it pending")
			continue
		}

		sent := store.StateSent
		if err := d.store.UpdateMail(ctx, reply.ID, store.MailUpdate{State: &sent}); err != nil {
			return res, fmt.Errorf("store.UpdateMail %s failed: %w", reply.ID, err)
		}
		res.Sent++
		log.Info("reply sent")

		ev := events.Event{MailID: reply.ID, PersonaID: reply.PersonaID, CustomerID: reply.CustomerID, State: string(sent)}
		if err := d.events.Publish(ctx, ev); err != nil {
			log.WithError(err).Warn("publish event failed")
		}
	}

	return res, nil
}

// Compose renders reply as a text/plain message from the persona's
// plus-addressed mailbox back to the customer. The Message-ID is derived
// from the reply id so receivers can drop duplicates.
func Compose(reply store.Mail, id Identity, now time.Time) ([]byte, error) {
	to := reply.To
	if to == "" {
		to = reply.From
	}
	rcpt, err := mail.ParseAddressList(to)
	if err != nil {
		return nil, fmt.Errorf("mail.ParseAddressList(%q) failed: %w", to, err)
	}

	from := PlusAddress(id.Email, reply.CustomerID)
	_, domain, _ := strings.Cut(id.Email, "@")

	var h mail.Header
	h.SetAddressList("From", []*mail.Address{{Name: id.Name, Address: from}})
	h.SetAddressList("To", rcpt)
	h.SetSubject(ReplySubject(reply.Subject))
	h.SetDate(now)
	h.SetMessageID(reply.ID + "@" + domain)
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("mail.CreateSingleInlineWriter failed: %w", err)
	}
	if _, err := io.WriteString(w, reply.Body); err != nil {
		return nil, fmt.Errorf("write body failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close body failed: %w", err)
	}

	return buf.Bytes(), nil
}

// ReplySubject prefixes subject with "Re: " unless it already has it.
func ReplySubject(subject string) string {
	if len(subject) >= 3 && strings.EqualFold(subject[:3], "re:") {
		return subject
	}
	return "Re: " + subject
}
