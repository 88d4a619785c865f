package tool_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hal9000y/penpal/internal/store"
	"github.com/hal9000y/penpal/internal/tool"
)

func TestGetSummary(t *testing.T) {
	cases := []struct {
		name        string
		req         tool.GetSummaryRequest
		expected    tool.GetSummaryResponse
		expectedErr error
	}{
		{
			name: "existing summary",
			req:  tool.GetSummaryRequest{CustomerID: "cust1"},
			expected: tool.GetSummaryResponse{
				CustomerID: "cust1",
				Found:      true,
				Summary:    "- Alice likes chess.",
				Iteration:  3,
				Created:    "2024-01-01T00:00:00Z",
				Modified:   "2024-01-02T00:00:00Z",
			},
		},
		{
			name:     "no summary yet",
			req:      tool.GetSummaryRequest{CustomerID: "fresh"},
			expected: tool.GetSummaryResponse{CustomerID: "fresh"},
		},
		{
			name:        "missing customer",
			req:         tool.GetSummaryRequest{},
			expectedErr: fmt.Errorf("customer_id is required"),
		},
		{
			name:        "store error",
			req:         tool.GetSummaryRequest{CustomerID: "broken"},
			expectedErr: fmt.Errorf("disk I/O error"),
		},
	}

	st := &storeMock{
		GetSummaryFunc: func(_ context.Context, customerID, personaID string) (*store.Summary, error) {
			assert.Equal(t, "p1", personaID)
			switch customerID {
			case "cust1":
				return &store.Summary{
					CustomerID:   "cust1",
					PersonaID:    "p1",
					Text:         "- Alice likes chess.",
					TimeAdded:    1704067200,
					TimeModified: 1704153600,
					Iteration:    3,
				}, nil
			case "broken":
				return nil, errors.New("disk I/O error")
			}
			return nil, store.ErrNotFound
		},
	}

	session := connect(t, tool.NewServer(st, "p1"))
	ctx := context.Background()

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			result, err := session.CallTool(ctx, &mcp.CallToolParams{
				Name:      "get_summary",
				Arguments: tc.req,
			})
			require.NoError(t, err)
			require.NotNil(t, result)
			require.NotEmpty(t, result.Content)

			if tc.expectedErr != nil {
				require.True(t, result.IsError, "Result should indicate error")
				errorText := result.Content[0].(*mcp.TextContent).Text
				assert.Contains(t, errorText, tc.expectedErr.Error())
				return
			}

			var response tool.GetSummaryResponse
			require.NoError(t,
				json.Unmarshal(
					[]byte(result.Content[0].(*mcp.TextContent).Text),
					&response,
				),
			)
			assert.Equal(t, tc.expected, response)
		})
	}
}
