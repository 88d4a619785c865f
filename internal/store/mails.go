package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// State is the lifecycle state of an email record.
type State string

const (
	StateNew     State = "new"
	StateError   State = "error"
	StatePending State = "pending"
	StateReplied State = "replied"
	StateSent    State = "sent"
)

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateNew, StateError, StatePending, StateReplied, StateSent:
		return true
	}
	return false
}

// Stage records how far reply processing of an inbound record got.
// StageResummarized means the reply digest was folded into the summary.
type Stage string

const (
	StageNone         Stage = ""
	StageDigested     Stage = "digested"
	StageSummarized   Stage = "summarized"
	StageResummarized Stage = "resummarized"
)

// Reached reports whether s is at or past other.
func (s Stage) Reached(other Stage) bool {
	return stageRank(s) >= stageRank(other)
}

func stageRank(s Stage) int {
	switch s {
	case StageDigested:
		return 1
	case StageSummarized:
		return 2
	case StageResummarized:
		return 3
	}
	return 0
}

// BodyType is the MIME type of the stored body.
type BodyType string

const (
	BodyText BodyType = "text/plain"
	BodyHTML BodyType = "text/html"
)

// Mail is an inbound email or a generated reply.
type Mail struct {
	ID             string
	PersonaID      string
	CustomerID     string
	Subject        string
	From           string
	To             string
	ReplyTo        string
	Date           string
	Received       string
	Body           string
	BodyType       BodyType
	Bullets        string
	State          State
	Stage          Stage
	TimeAdded      int64
	OriginalMailID string
	RawResponse    string
}

// Validate checks the record invariants.
func (m Mail) Validate() error {
	if m.ID == "" || m.PersonaID == "" {
		return errors.New("mail id and persona id are required")
	}
	if !m.State.Valid() {
		return fmt.Errorf("invalid state %q", m.State)
	}
	if m.CustomerID == "" && m.State != StateError {
		return fmt.Errorf("mail %s without customer id must be in state %q", m.ID, StateError)
	}
	return nil
}

// MailUpdate lists the fields to change; nil fields are left untouched.
type MailUpdate struct {
	State   *State
	Stage   *Stage
	Bullets *string
}

const mailColumns = `id, persona_id, customer_id, subject, from_addr, to_addr, reply_to, date, received,
	body, body_type, bullets, state, stage, time_added, original_mail_id, raw_response`

// InsertMails stores a batch of fetched messages. Records whose id already
// exists are skipped. It returns the number of inserted records.
func (s *Store) InsertMails(ctx context.Context, mails []Mail) (int, error) {
	for _, m := range mails {
		if err := m.Validate(); err != nil {
			return 0, err
		}
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("DB.BeginTx failed: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	inserted := 0
	for _, m := range mails {
		res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO mails (`+mailColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, mailArgs(m)...)
		if err != nil {
			return 0, fmt.Errorf("insert mail %s failed: %w", m.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("RowsAffected failed: %w", err)
		}
		inserted += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("tx.Commit failed: %w", err)
	}

	return inserted, nil
}

// SaveMail inserts m or replaces the record with the same id. A record that
// was already sent keeps its state.
func (s *Store) SaveMail(ctx context.Context, m Mail) error {
	if err := m.Validate(); err != nil {
		return err
	}

	_, err := s.DB.ExecContext(ctx, `INSERT INTO mails (`+mailColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			customer_id = excluded.customer_id,
			subject = excluded.subject,
			from_addr = excluded.from_addr,
			to_addr = excluded.to_addr,
			reply_to = excluded.reply_to,
			date = excluded.date,
			received = excluded.received,
			body = excluded.body,
			body_type = excluded.body_type,
			bullets = excluded.bullets,
			state = CASE WHEN mails.state = 'sent' THEN mails.state ELSE excluded.state END,
			stage = excluded.stage,
			original_mail_id = excluded.original_mail_id,
			raw_response = excluded.raw_response`, mailArgs(m)...)
	if err != nil {
		return fmt.Errorf("save mail %s failed: %w", m.ID, err)
	}

	return nil
}

// FindMail returns the record with the given id.
func (s *Store) FindMail(ctx context.Context, id string) (*Mail, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+mailColumns+` FROM mails WHERE id = ?`, id)

	m, err := scanMail(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find mail %s failed: %w", id, err)
	}

	return m, nil
}

// FindByState returns the persona's records in the given state, oldest first.
func (s *Store) FindByState(ctx context.Context, personaID string, state State) ([]Mail, error) {
	return s.queryMails(ctx, `SELECT `+mailColumns+` FROM mails
		WHERE persona_id = ? AND state = ?
		ORDER BY time_added, id`, personaID, string(state))
}

// FindByCustomer returns every record of a customer, oldest first.
func (s *Store) FindByCustomer(ctx context.Context, personaID, customerID string) ([]Mail, error) {
	return s.queryMails(ctx, `SELECT `+mailColumns+` FROM mails
		WHERE persona_id = ? AND customer_id = ?
		ORDER BY time_added, id`, personaID, customerID)
}

// IsFirstEmail reports whether at most one record is stored for the customer.
func (s *Store) IsFirstEmail(ctx context.Context, personaID, customerID string) (bool, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM mails WHERE persona_id = ? AND customer_id = ?`,
		personaID, customerID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("count mails failed: %w", err)
	}

	return n < 2, nil
}

// UpdateMail applies a partial update to the record with the given id.
func (s *Store) UpdateMail(ctx context.Context, id string, upd MailUpdate) error {
	var (
		sets []string
		args []any
	)
	if upd.State != nil {
		if !upd.State.Valid() {
			return fmt.Errorf("invalid state %q", *upd.State)
		}
		sets = append(sets, "state = ?")
		args = append(args, string(*upd.State))
	}
	if upd.Stage != nil {
		sets = append(sets, "stage = ?")
		args = append(args, string(*upd.Stage))
	}
	if upd.Bullets != nil {
		sets = append(sets, "bullets = ?")
		args = append(args, *upd.Bullets)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	res, err := s.DB.ExecContext(ctx, `UPDATE mails SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("update mail %s failed: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("RowsAffected failed: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}

	return nil
}

func (s *Store) queryMails(ctx context.Context, query string, args ...any) ([]Mail, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query mails failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var mails []Mail
	for rows.Next() {
		m, err := scanMail(rows)
		if err != nil {
			return nil, fmt.Errorf("scan mail failed: %w", err)
		}
		mails = append(mails, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows.Err: %w", err)
	}

	return mails, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMail(sc scanner) (*Mail, error) {
	var (
		m        Mail
		customer sql.NullString
		bodyType string
		state    string
		stage    string
	)
	err := sc.Scan(&m.ID, &m.PersonaID, &customer, &m.Subject, &m.From, &m.To, &m.ReplyTo, &m.Date,
		&m.Received, &m.Body, &bodyType, &m.Bullets, &state, &stage, &m.TimeAdded, &m.OriginalMailID, &m.RawResponse)
	if err != nil {
		return nil, err
	}
	m.CustomerID = customer.String
	m.State = State(state)
	m.Stage = Stage(stage)
	m.BodyType = BodyType(bodyType)

	return &m, nil
}

func mailArgs(m Mail) []any {
	var customer sql.NullString
	if m.CustomerID != "" {
		customer = sql.NullString{String: m.CustomerID, Valid: true}
	}

	return []any{
		m.ID, m.PersonaID, customer, m.Subject, m.From, m.To, m.ReplyTo, m.Date, m.Received,
		m.Body, string(m.BodyType), m.Bullets, string(m.State), string(m.Stage), m.TimeAdded, m.OriginalMailID, m.RawResponse,
	}
}
