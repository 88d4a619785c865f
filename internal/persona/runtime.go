// Package persona generates penpal replies with a rolling conversation summary.
package persona

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hal9000y/penpal/internal/completion"
	"github.com/hal9000y/penpal/internal/events"
	"github.com/hal9000y/penpal/internal/store"
)

// ReplyID is the id of the reply generated for the record with id mailID.
func ReplyID(mailID string) string {
	return "reply_" + mailID
}

// Store is the subset of the document store the runtime works with.
type Store interface {
	FindMail(ctx context.Context, id string) (*store.Mail, error)
	FindByState(ctx context.Context, personaID string, state store.State) ([]store.Mail, error)
	FindByCustomer(ctx context.Context, personaID, customerID string) ([]store.Mail, error)
	IsFirstEmail(ctx context.Context, personaID, customerID string) (bool, error)
	UpdateMail(ctx context.Context, id string, upd store.MailUpdate) error
	SaveMail(ctx context.Context, m store.Mail) error
	GetSummary(ctx context.Context, customerID, personaID string) (*store.Summary, error)
	UpdateSummary(ctx context.Context, customerID, personaID, text string) (*store.Summary, error)
}

type Publisher interface {
	Publish(ctx context.Context, ev events.Event) error
}

// HTMLConverter turns stored HTML bodies into text for the model.
type HTMLConverter interface {
	HTML2MD(raw []byte) (string, error)
}

type rawHTML struct{}

func (rawHTML) HTML2MD(raw []byte) (string, error) { return string(raw), nil }

// Config identifies the persona.
type Config struct {
	ID        string
	Name      string
	Locations []string
}

// Runtime turns new inbound records into pending replies.
type Runtime struct {
	cfg    Config
	store  Store
	writer *Writer
	html   HTMLConverter
	events Publisher
	now    func() time.Time
	log    *logrus.Entry
}

type Option func(*Runtime)

// WithHTMLConverter converts HTML bodies before they are trimmed.
func WithHTMLConverter(c HTMLConverter) Option {
	return func(r *Runtime) { r.html = c }
}

func WithPublisher(p Publisher) Option {
	return func(r *Runtime) { r.events = p }
}

func WithClock(now func() time.Time) Option {
	return func(r *Runtime) { r.now = now }
}

func NewRuntime(cfg Config, st Store, w *Writer, log *logrus.Entry, opts ...Option) *Runtime {
	if len(cfg.Locations) == 0 {
		cfg.Locations = DefaultLocations
	}

	r := &Runtime{
		cfg:    cfg,
		store:  st,
		writer: w,
		html:   rawHTML{},
		events: events.Nop{},
		now:    time.Now,
		log:    log,
	}
	for _, opt := range opts {
		opt(r)
	}

	return r
}

// ProcessNew answers every record in state new, oldest first. A record that
// fails stays new and resumes from its stage on the next call. Connectivity
// failures abort the pass; other failures are logged, the record is skipped
// and the failures are returned together once every record was tried. It
// returns the number of answered records.
func (r *Runtime) ProcessNew(ctx context.Context) (int, error) {
	mails, err := r.store.FindByState(ctx, r.cfg.ID, store.StateNew)
	if err != nil {
		return 0, fmt.Errorf("store.FindByState failed: %w", err)
	}

	var (
		done   int
		failed []error
	)
	for _, m := range mails {
		if err := ctx.Err(); err != nil {
			return done, err
		}
		if err := r.process(ctx, m); err != nil {
			err = fmt.Errorf("process %s failed: %w", m.ID, err)
			if ctx.Err() != nil || completion.IsConnectivity(err) {
				return done, errors.Join(append(failed, err)...)
			}
			r.log.WithError(err).WithField("mail_id", m.ID).Error("mail skipped until next pass")
			failed = append(failed, err)
			continue
		}
		done++
	}

	return done, errors.Join(failed...)
}

func (r *Runtime) process(ctx context.Context, m store.Mail) error {
	log := r.log.WithFields(logrus.Fields{"mail_id": m.ID, "customer_id": m.CustomerID})

	body := m.Body
	if m.BodyType == store.BodyHTML {
		var err error
		if body, err = r.html.HTML2MD([]byte(m.Body)); err != nil {
			return fmt.Errorf("html.HTML2MD failed: %w", err)
		}
	}
	text := TrimQuotes(body)

	bullets := m.Bullets
	if !m.Stage.Reached(store.StageDigested) {
		var err error
		if bullets, err = r.writer.Digest(ctx, text); err != nil {
			return err
		}
		stage := store.StageDigested
		if err := r.store.UpdateMail(ctx, m.ID, store.MailUpdate{Bullets: &bullets, Stage: &stage}); err != nil {
			return fmt.Errorf("store.UpdateMail failed: %w", err)
		}
		log.Debug("inbound mail digested")
	}

	if !m.Stage.Reached(store.StageSummarized) {
		previous, err := r.loadSummary(ctx, m)
		if err != nil {
			return err
		}
		if err := r.foldInto(ctx, m.CustomerID, previous, bullets); err != nil {
			return err
		}
		stage := store.StageSummarized
		if err := r.store.UpdateMail(ctx, m.ID, store.MailUpdate{Stage: &stage}); err != nil {
			return fmt.Errorf("store.UpdateMail failed: %w", err)
		}
		log.Debug("inbound digest folded into summary")
	}

	reply, err := r.storedReply(ctx, m.ID)
	if err != nil {
		return err
	}
	if reply == nil {
		if reply, err = r.generateReply(ctx, m, text); err != nil {
			return err
		}
		r.publish(ctx, log, reply.ID, m.CustomerID, store.StatePending)
		log.WithField("reply_id", reply.ID).Info("reply generated")
	} else {
		log.WithField("reply_id", reply.ID).Debug("reply already stored")
	}

	if !m.Stage.Reached(store.StageResummarized) {
		summary, err := r.currentSummary(ctx, m.CustomerID)
		if err != nil {
			return err
		}
		if err := r.foldInto(ctx, m.CustomerID, summary, reply.Bullets); err != nil {
			return err
		}
		stage := store.StageResummarized
		if err := r.store.UpdateMail(ctx, m.ID, store.MailUpdate{Stage: &stage}); err != nil {
			return fmt.Errorf("store.UpdateMail failed: %w", err)
		}
		log.Debug("reply digest folded into summary")
	}

	replied := store.StateReplied
	if err := r.store.UpdateMail(ctx, m.ID, store.MailUpdate{State: &replied}); err != nil {
		return fmt.Errorf("store.UpdateMail failed: %w", err)
	}
	r.publish(ctx, log, m.ID, m.CustomerID, store.StateReplied)

	return nil
}

// storedReply returns the reply of mailID saved by an earlier pass, or nil.
func (r *Runtime) storedReply(ctx context.Context, mailID string) (*store.Mail, error) {
	reply, err := r.store.FindMail(ctx, ReplyID(mailID))
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store.FindMail failed: %w", err)
	}
	return reply, nil
}

// generateReply writes and digests the reply to m and saves it as pending.
func (r *Runtime) generateReply(ctx context.Context, m store.Mail, text string) (*store.Mail, error) {
	summary, err := r.currentSummary(ctx, m.CustomerID)
	if err != nil {
		return nil, err
	}

	resp, err := r.writer.Reply(ctx, summary, text)
	if err != nil {
		return nil, err
	}
	replyBullets, err := r.writer.Digest(ctx, resp.Text)
	if err != nil {
		return nil, err
	}

	subject := m.Subject
	if subject == "" {
		subject = DefaultSubject
	}
	reply := store.Mail{
		ID:             ReplyID(m.ID),
		PersonaID:      r.cfg.ID,
		CustomerID:     m.CustomerID,
		Subject:        subject,
		From:           m.From,
		To:             m.From,
		Body:           resp.Text,
		BodyType:       store.BodyText,
		Bullets:        replyBullets,
		State:          store.StatePending,
		TimeAdded:      r.now().Unix(),
		OriginalMailID: m.ID,
		RawResponse:    string(resp.Raw),
	}
	if err := r.store.SaveMail(ctx, reply); err != nil {
		return nil, fmt.Errorf("store.SaveMail failed: %w", err)
	}

	return &reply, nil
}

// loadSummary returns the stored summary. A customer's first conversation
// is seeded with the persona's location.
func (r *Runtime) loadSummary(ctx context.Context, m store.Mail) (string, error) {
	sum, err := r.store.GetSummary(ctx, m.CustomerID, r.cfg.ID)
	if err == nil {
		return sum.Text, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("store.GetSummary failed: %w", err)
	}

	first, err := r.store.IsFirstEmail(ctx, r.cfg.ID, m.CustomerID)
	if err != nil {
		return "", fmt.Errorf("store.IsFirstEmail failed: %w", err)
	}
	if !first {
		return "", nil
	}

	mails, err := r.store.FindByCustomer(ctx, r.cfg.ID, m.CustomerID)
	if err != nil {
		return "", fmt.Errorf("store.FindByCustomer failed: %w", err)
	}
	firstAdded := m.TimeAdded
	if len(mails) > 0 {
		firstAdded = mails[0].TimeAdded
	}

	seed := SeedSummary(r.cfg.Name, PickLocation(r.cfg.Locations, firstAdded))
	if _, err := r.store.UpdateSummary(ctx, m.CustomerID, r.cfg.ID, seed); err != nil {
		return "", fmt.Errorf("store.UpdateSummary failed: %w", err)
	}

	return seed, nil
}

func (r *Runtime) currentSummary(ctx context.Context, customerID string) (string, error) {
	sum, err := r.store.GetSummary(ctx, customerID, r.cfg.ID)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("store.GetSummary failed: %w", err)
	}
	return sum.Text, nil
}

func (r *Runtime) foldInto(ctx context.Context, customerID, summary, digest string) error {
	folded, err := r.writer.Fold(ctx, summary, digest)
	if err != nil {
		return err
	}
	if _, err := r.store.UpdateSummary(ctx, customerID, r.cfg.ID, folded); err != nil {
		return fmt.Errorf("store.UpdateSummary failed: %w", err)
	}
	return nil
}

func (r *Runtime) publish(ctx context.Context, log *logrus.Entry, mailID, customerID string, state store.State) {
	err := r.events.Publish(ctx, events.Event{
		MailID:     mailID,
		PersonaID:  r.cfg.ID,
		CustomerID: customerID,
		State:      string(state),
		Time:       r.now().Unix(),
	})
	if err != nil {
		log.WithError(err).Warn("publish event failed")
	}
}
