package tool

import (
	"context"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hal9000y/penpal/internal/store"
)

type GetSummaryRequest struct {
	CustomerID string `json:"customer_id" jsonschema:"the customer ID"`
}

type GetSummaryResponse struct {
	CustomerID string `json:"customer_id" jsonschema:"the customer ID"`
	Found      bool   `json:"found" jsonschema:"false when no summary exists yet"`
	Summary    string `json:"summary,omitempty" jsonschema:"the summary bullets"`
	Iteration  int    `json:"iteration,omitempty" jsonschema:"number of times the summary was written"`
	Created    string `json:"created,omitempty" jsonschema:"time the summary was created"`
	Modified   string `json:"modified,omitempty" jsonschema:"time the summary was last written"`
}

type summaryStore interface {
	GetSummary(ctx context.Context, customerID, personaID string) (*store.Summary, error)
}

func NewGetSummary(st summaryStore, personaID string) *GetSummary {
	return &GetSummary{
		st:        st,
		personaID: personaID,
	}
}

type GetSummary struct {
	st        summaryStore
	personaID string
}

func (t *GetSummary) GetSummary(
	ctx context.Context,
	_ *mcp.CallToolRequest,
	input GetSummaryRequest,
) (*mcp.CallToolResult, GetSummaryResponse, error) {
	if input.CustomerID == "" {
		return nil, GetSummaryResponse{}, errors.New("customer_id is required")
	}

	sum, err := t.st.GetSummary(ctx, input.CustomerID, t.personaID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, GetSummaryResponse{CustomerID: input.CustomerID}, nil
	}
	if err != nil {
		return nil, GetSummaryResponse{}, fmt.Errorf("store.GetSummary failed: %w", err)
	}

	return nil, GetSummaryResponse{
		CustomerID: sum.CustomerID,
		Found:      true,
		Summary:    sum.Text,
		Iteration:  sum.Iteration,
		Created:    formatUnix(sum.TimeAdded),
		Modified:   formatUnix(sum.TimeModified),
	}, nil
}
