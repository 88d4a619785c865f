package tool_test

import (
	"context"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"

	"github.com/hal9000y/penpal/internal/store"
)

type storeMock struct {
	FindByStateFunc    func(ctx context.Context, personaID string, state store.State) ([]store.Mail, error)
	FindByCustomerFunc func(ctx context.Context, personaID, customerID string) ([]store.Mail, error)
	GetSummaryFunc     func(ctx context.Context, customerID, personaID string) (*store.Summary, error)
}

func (m *storeMock) FindByState(ctx context.Context, personaID string, state store.State) ([]store.Mail, error) {
	return m.FindByStateFunc(ctx, personaID, state)
}

func (m *storeMock) FindByCustomer(ctx context.Context, personaID, customerID string) ([]store.Mail, error) {
	return m.FindByCustomerFunc(ctx, personaID, customerID)
}

func (m *storeMock) GetSummary(ctx context.Context, customerID, personaID string) (*store.Summary, error) {
	return m.GetSummaryFunc(ctx, customerID, personaID)
}

func connect(t *testing.T, server *mcp.Server) *mcp.ClientSession {
	t.Helper()

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client"}, nil)
	clientTransport, serverTransport := mcp.NewInMemoryTransports()

	ctx := context.Background()

	serverSession, err := server.Connect(ctx, serverTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = serverSession.Close() })

	clientSession, err := client.Connect(ctx, clientTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = clientSession.Close() })

	return clientSession
}
