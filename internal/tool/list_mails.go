package tool

import (
	"context"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hal9000y/penpal/internal/store"
)

type ListMailsRequest struct {
	State       string `json:"state,omitempty" jsonschema:"one of new, error, pending, replied, sent"`
	CustomerID  string `json:"customer_id,omitempty" jsonschema:"list every record of this customer instead"`
	MaxResults  int    `json:"max_results,omitempty" jsonschema:"max records returned, newest last"`
	IncludeBody bool   `json:"include_body,omitempty" jsonschema:"return full bodies and digests"`
}

type ListMailsResponse struct {
	Mails        []MailRecord `json:"mails" jsonschema:"array of records"`
	TotalResults int          `json:"total_results" jsonschema:"number of matching records"`
}

type listMailsStore interface {
	FindByState(ctx context.Context, personaID string, state store.State) ([]store.Mail, error)
	FindByCustomer(ctx context.Context, personaID, customerID string) ([]store.Mail, error)
}

func NewListMails(st listMailsStore, personaID string) *ListMails {
	return &ListMails{
		st:        st,
		personaID: personaID,
	}
}

type ListMails struct {
	st        listMailsStore
	personaID string
}

func (t *ListMails) ListMails(
	ctx context.Context,
	_ *mcp.CallToolRequest,
	input ListMailsRequest,
) (*mcp.CallToolResult, ListMailsResponse, error) {
	var (
		mails []store.Mail
		err   error
	)
	switch {
	case input.State != "" && input.CustomerID != "":
		return nil, ListMailsResponse{}, errors.New("state and customer_id are mutually exclusive")
	case input.CustomerID != "":
		mails, err = t.st.FindByCustomer(ctx, t.personaID, input.CustomerID)
	case input.State != "":
		state := store.State(input.State)
		if !state.Valid() {
			return nil, ListMailsResponse{}, fmt.Errorf("unknown state %q", input.State)
		}
		mails, err = t.st.FindByState(ctx, t.personaID, state)
	default:
		return nil, ListMailsResponse{}, errors.New("state or customer_id is required")
	}
	if err != nil {
		return nil, ListMailsResponse{}, fmt.Errorf("store lookup failed: %w", err)
	}

	total := len(mails)
	if limit := normalizeMaxResults(input.MaxResults); len(mails) > limit {
		mails = mails[len(mails)-limit:]
	}

	records := make([]MailRecord, 0, len(mails))
	for _, m := range mails {
		records = append(records, toRecord(m, input.IncludeBody))
	}

	return nil, ListMailsResponse{
		Mails:        records,
		TotalResults: total,
	}, nil
}

func toRecord(m store.Mail, withBody bool) MailRecord {
	rec := MailRecord{
		ID:             m.ID,
		CustomerID:     m.CustomerID,
		State:          string(m.State),
		Stage:          string(m.Stage),
		Added:          formatUnix(m.TimeAdded),
		From:           parseEmailAddress(m.From),
		To:             parseEmailAddressList(m.To),
		Subject:        m.Subject,
		Snippet:        snippet(m.Body),
		OriginalMailID: m.OriginalMailID,
	}
	if withBody {
		rec.Body = m.Body
		rec.Bullets = m.Bullets
	}
	return rec
}

func normalizeMaxResults(maxResults int) int {
	if maxResults <= 0 {
		return 10
	}
	if maxResults > 50 {
		return 50
	}
	return maxResults
}
