package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Summary is the rolling memory of one customer/persona conversation.
type Summary struct {
	CustomerID   string
	PersonaID    string
	Text         string
	TimeAdded    int64
	TimeModified int64
	Iteration    int
}

// GetSummary returns the summary of the pair or ErrNotFound.
func (s *Store) GetSummary(ctx context.Context, customerID, personaID string) (*Summary, error) {
	var sum Summary
	err := s.DB.QueryRowContext(ctx, `
		SELECT customer_id, persona_id, summary, time_added, time_modified, iteration
		FROM summaries WHERE customer_id = ? AND persona_id = ?`, customerID, personaID).
		Scan(&sum.CustomerID, &sum.PersonaID, &sum.Text, &sum.TimeAdded, &sum.TimeModified, &sum.Iteration)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get summary failed: %w", err)
	}

	return &sum, nil
}

// UpdateSummary creates the summary of the pair with iteration 1 or replaces
// its text and increments the iteration by one.
func (s *Store) UpdateSummary(ctx context.Context, customerID, personaID, text string) (*Summary, error) {
	if customerID == "" || personaID == "" {
		return nil, errors.New("customer id and persona id are required")
	}

	now := s.unixNow()
	var sum Summary
	err := s.DB.QueryRowContext(ctx, `
		INSERT INTO summaries (customer_id, persona_id, summary, time_added, time_modified, iteration)
		VALUES (?, ?, ?, ?, ?, 1)
		ON CONFLICT(customer_id, persona_id) DO UPDATE SET
			summary = excluded.summary,
			time_modified = excluded.time_modified,
			iteration = summaries.iteration + 1
		RETURNING customer_id, persona_id, summary, time_added, time_modified, iteration`,
		customerID, personaID, text, now, now).
		Scan(&sum.CustomerID, &sum.PersonaID, &sum.Text, &sum.TimeAdded, &sum.TimeModified, &sum.Iteration)
	if err != nil {
		return nil, fmt.Errorf("upsert summary failed: %w", err)
	}

	return &sum, nil
}
