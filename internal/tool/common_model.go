package tool

import (
	"strings"
	"time"
)

// EmailAddress represents an email address with optional display name.
type EmailAddress struct {
	Name  string `json:"name,omitempty" jsonschema:"the display name"`
	Email string `json:"email" jsonschema:"the email address"`
}

// MailRecord is a stored inbound mail or reply.
type MailRecord struct {
	ID             string         `json:"id" jsonschema:"record ID"`
	CustomerID     string         `json:"customer_id,omitempty" jsonschema:"customer ID"`
	State          string         `json:"state" jsonschema:"lifecycle state"`
	Stage          string         `json:"stage,omitempty" jsonschema:"reply processing stage"`
	Added          string         `json:"added" jsonschema:"time the record was stored"`
	From           EmailAddress   `json:"from" jsonschema:"sender information"`
	To             []EmailAddress `json:"to,omitempty" jsonschema:"recipients"`
	Subject        string         `json:"subject" jsonschema:"email subject"`
	Snippet        string         `json:"snippet" jsonschema:"body preview"`
	Body           string         `json:"body,omitempty" jsonschema:"full body"`
	Bullets        string         `json:"bullets,omitempty" jsonschema:"digest of the body"`
	OriginalMailID string         `json:"original_mail_id,omitempty" jsonschema:"inbound mail a reply answers"`
}

const snippetLen = 120

func formatUnix(sec int64) string {
	return time.Unix(sec, 0).UTC().Format(time.RFC3339)
}

func snippet(body string) string {
	s := strings.Join(strings.Fields(body), " ")
	if r := []rune(s); len(r) > snippetLen {
		return string(r[:snippetLen]) + "..."
	}
	return s
}

func parseEmailAddress(from string) EmailAddress {
	addr := EmailAddress{}

	if idx := strings.Index(from, "<"); idx != -1 {
		addr.Name = strings.TrimSpace(from[:idx])
		if endIdx := strings.Index(from[idx:], ">"); endIdx != -1 {
			addr.Email = strings.TrimSpace(from[idx+1 : idx+endIdx])
		}
	} else {
		addr.Email = strings.TrimSpace(from)
	}

	addr.Name = strings.Trim(addr.Name, "\"")

	return addr
}

func parseEmailAddressList(addresses string) []EmailAddress {
	if addresses == "" {
		return nil
	}

	parts := strings.Split(addresses, ",")
	result := make([]EmailAddress, 0, len(parts))

	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, parseEmailAddress(trimmed))
		}
	}

	return result
}
