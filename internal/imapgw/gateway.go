// Package imapgw is the IMAP/SMTP gateway of the mailer, for mailboxes that
// are not reachable through the Gmail API.
package imapgw

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/sirupsen/logrus"

	"github.com/hal9000y/penpal/internal/config"
	"github.com/hal9000y/penpal/internal/mailer"
)

const (
	inbox          = "INBOX"
	commandTimeout = 30 * time.Second
	implicitTLS    = "465"
)

// submitFunc hands a message to the submission server.
type submitFunc func(ctx context.Context, from string, rcpts []string, raw []byte) error

// Gateway implements mailer.Source and mailer.Sender with one IMAP session
// that is reopened after any failure.
type Gateway struct {
	cfg      config.IMAP
	insecure bool
	submit   submitFunc
	log      *logrus.Entry

	mu       sync.Mutex
	clt      *client.Client
	validity uint32
}

type Option func(*Gateway)

// WithInsecure dials IMAP and SMTP without TLS, for local bridges.
func WithInsecure() Option {
	return func(g *Gateway) { g.insecure = true }
}

func withSubmit(fn submitFunc) Option {
	return func(g *Gateway) { g.submit = fn }
}

func New(cfg config.IMAP, log *logrus.Entry, opts ...Option) *Gateway {
	g := &Gateway{cfg: cfg, log: log}
	g.submit = g.submitSMTP
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// ListInbox returns the provider ids of every message in INBOX. An id is
// "<uidvalidity>.<uid>" so a reset mailbox cannot alias older records.
func (g *Gateway) ListInbox(ctx context.Context) ([]string, error) {
	var ids []string
	err := g.withClient(ctx, func(c *client.Client) error {
		criteria := imap.NewSearchCriteria()
		criteria.WithoutFlags = []string{imap.DeletedFlag}

		uids, err := c.UidSearch(criteria)
		if err != nil {
			return fmt.Errorf("UidSearch failed: %w", err)
		}
		for _, uid := range uids {
			ids = append(ids, g.providerID(uid))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return ids, nil
}

// Fetch downloads and parses one message without marking it seen.
func (g *Gateway) Fetch(ctx context.Context, id string) (*mailer.Inbound, error) {
	var in *mailer.Inbound
	err := g.withClient(ctx, func(c *client.Client) error {
		uid, err := g.parseID(id)
		if err != nil {
			return err
		}

		seqSet := new(imap.SeqSet)
		seqSet.AddNum(uid)
		section := &imap.BodySectionName{Peek: true}

		messages := make(chan *imap.Message, 1)
		done := make(chan error, 1)
		go func() {
			done <- c.UidFetch(seqSet, []imap.FetchItem{section.FetchItem(), imap.FetchUid}, messages)
		}()

		var msg *imap.Message
		for m := range messages {
			msg = m
		}
		if err := <-done; err != nil {
			return fmt.Errorf("UidFetch %d failed: %w", uid, err)
		}
		if msg == nil {
			return fmt.Errorf("message uid %d not found", uid)
		}

		body := msg.GetBody(section)
		if body == nil {
			return fmt.Errorf("message uid %d has no body", uid)
		}

		in, err = parseMessage(body)
		if err != nil {
			return fmt.Errorf("parse message uid %d failed: %w", uid, err)
		}
		in.ProviderID = id
		return nil
	})
	if err != nil {
		return nil, err
	}

	return in, nil
}

// Archive moves the messages out of INBOX into the archive mailbox.
func (g *Gateway) Archive(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	return g.withClient(ctx, func(c *client.Client) error {
		seqSet := new(imap.SeqSet)
		for _, id := range ids {
			uid, err := g.parseID(id)
			if err != nil {
				return err
			}
			seqSet.AddNum(uid)
		}

		if err := ensureMailbox(c, g.cfg.ArchiveMailbox); err != nil {
			return err
		}
		if err := uidMove(c, seqSet, g.cfg.ArchiveMailbox); err != nil {
			return fmt.Errorf("move to %s failed: %w", g.cfg.ArchiveMailbox, err)
		}
		return nil
	})
}

// Close logs out of the IMAP session.
func (g *Gateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.clt == nil {
		return nil
	}
	err := g.clt.Logout()
	g.clt = nil
	return err
}

func (g *Gateway) withClient(ctx context.Context, fn func(c *client.Client) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.clt == nil {
		if err := g.connect(); err != nil {
			return err
		}
	}

	if err := fn(g.clt); err != nil {
		if !isLocal(err) {
			g.log.WithError(err).Debug("dropping imap session")
			_ = g.clt.Logout()
			g.clt = nil
		}
		return err
	}

	return nil
}

func (g *Gateway) connect() error {
	var (
		c   *client.Client
		err error
	)
	if g.insecure {
		c, err = client.Dial(g.cfg.Addr)
	} else {
		c, err = client.DialTLS(g.cfg.Addr, &tls.Config{ServerName: hostOf(g.cfg.Addr)})
	}
	if err != nil {
		return fmt.Errorf("IMAP dial %s failed: %w", g.cfg.Addr, err)
	}
	c.Timeout = commandTimeout

	if err := c.Login(g.cfg.Username, g.cfg.Password); err != nil {
		_ = c.Logout()
		return fmt.Errorf("IMAP login failed: %w", err)
	}

	status, err := c.Select(inbox, false)
	if err != nil {
		_ = c.Logout()
		return fmt.Errorf("select %s failed: %w", inbox, err)
	}

	g.clt = c
	g.validity = status.UidValidity
	g.log.WithField("uid_validity", status.UidValidity).Debug("imap session opened")

	return nil
}

// localError marks failures that leave the session usable.
type localError struct{ error }

func (e localError) Unwrap() error { return e.error }

func isLocal(err error) bool {
	var le localError
	return errors.As(err, &le)
}

func (g *Gateway) providerID(uid uint32) string {
	return fmt.Sprintf("%d.%d", g.validity, uid)
}

func (g *Gateway) parseID(id string) (uint32, error) {
	validity, uid, ok := strings.Cut(id, ".")
	if !ok {
		return 0, localError{fmt.Errorf("invalid message id %q", id)}
	}
	if validity != strconv.FormatUint(uint64(g.validity), 10) {
		return 0, localError{fmt.Errorf("message id %q is from uid validity %s, mailbox has %d", id, validity, g.validity)}
	}
	n, err := strconv.ParseUint(uid, 10, 32)
	if err != nil {
		return 0, localError{fmt.Errorf("invalid message uid in %q: %w", id, err)}
	}
	return uint32(n), nil
}

func ensureMailbox(c *client.Client, name string) error {
	mailboxes := make(chan *imap.MailboxInfo, 8)
	done := make(chan error, 1)
	go func() {
		done <- c.List("", name, mailboxes)
	}()

	found := false
	for m := range mailboxes {
		if m.Name == name {
			found = true
		}
	}
	if err := <-done; err != nil {
		return fmt.Errorf("list %s failed: %w", name, err)
	}
	if found {
		return nil
	}

	if err := c.Create(name); err != nil {
		return fmt.Errorf("create %s failed: %w", name, err)
	}
	return nil
}

// uidMove falls back to copy, flag and expunge when MOVE is refused.
func uidMove(c *client.Client, seqSet *imap.SeqSet, destination string) error {
	if err := c.UidMove(seqSet, destination); err == nil {
		return nil
	}
	if err := c.UidCopy(seqSet, destination); err != nil {
		return err
	}
	storeItem := imap.FormatFlagsOp(imap.AddFlags, true)
	if err := c.UidStore(seqSet, storeItem, []any{imap.DeletedFlag}, nil); err != nil {
		return err
	}
	return c.Expunge(nil)
}

// Send submits a composed message over SMTP to the recipients of its To and
// Cc headers.
func (g *Gateway) Send(ctx context.Context, raw []byte) error {
	rcpts, err := recipients(raw)
	if err != nil {
		return err
	}

	if err := g.submit(ctx, g.cfg.Username, rcpts, raw); err != nil {
		return fmt.Errorf("SMTP submit failed: %w", err)
	}

	return nil
}

func (g *Gateway) submitSMTP(ctx context.Context, from string, rcpts []string, raw []byte) error {
	c, err := g.dialSMTP(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	if err := c.Auth(sasl.NewPlainClient("", g.cfg.Username, g.cfg.Password)); err != nil {
		return fmt.Errorf("SMTP auth failed: %w", err)
	}
	if err := c.Mail(from, nil); err != nil {
		return fmt.Errorf("MAIL FROM failed: %w", err)
	}
	for _, rcpt := range rcpts {
		if err := c.Rcpt(rcpt, nil); err != nil {
			return fmt.Errorf("RCPT TO %q failed: %w", rcpt, err)
		}
	}

	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("DATA failed: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		return fmt.Errorf("writing message failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalizing message failed: %w", err)
	}

	return c.Quit()
}

func (g *Gateway) dialSMTP(ctx context.Context) (*smtp.Client, error) {
	host, port, err := net.SplitHostPort(g.cfg.SMTPAddr)
	if err != nil {
		return nil, fmt.Errorf("invalid SMTP address %q: %w", g.cfg.SMTPAddr, err)
	}
	tlsCfg := &tls.Config{ServerName: host}

	var conn net.Conn
	if port == implicitTLS && !g.insecure {
		conn, err = (&tls.Dialer{Config: tlsCfg}).DialContext(ctx, "tcp", g.cfg.SMTPAddr)
	} else {
		conn, err = (&net.Dialer{}).DialContext(ctx, "tcp", g.cfg.SMTPAddr)
	}
	if err != nil {
		return nil, fmt.Errorf("SMTP dial %s failed: %w", g.cfg.SMTPAddr, err)
	}

	c := smtp.NewClient(conn)
	if port != implicitTLS && !g.insecure {
		if err := c.StartTLS(tlsCfg); err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("SMTP STARTTLS failed: %w", err)
		}
	}

	return c, nil
}

func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
