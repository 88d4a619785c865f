package tool

import (
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

type mailStore interface {
	listMailsStore
	summaryStore
}

// NewServer creates an MCP server with read-only tools over the persona's
// records and summaries.
func NewServer(st mailStore, personaID string) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{Name: "penpal-inspect", Version: "v1.0.0"}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_mails",
		Description: "List stored mails and replies by state or by customer id",
	}, NewListMails(st, personaID).ListMails)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_summary",
		Description: "Get the rolling conversation summary of a customer",
	}, NewGetSummary(st, personaID).GetSummary)

	return server
}
