package imapgw

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/hal9000y/penpal/internal/mailer"
)

var errNoRecipients = errors.New("message has no recipients")

// parseMessage keeps the header subset and the first text/plain and
// text/html inline bodies of an RFC 5322 message.
func parseMessage(r io.Reader) (*mailer.Inbound, error) {
	mr, err := mail.CreateReader(r)
	if err != nil {
		return nil, fmt.Errorf("mail.CreateReader failed: %w", err)
	}
	defer func() { _ = mr.Close() }()

	in := &mailer.Inbound{
		Date:     mr.Header.Get("Date"),
		Received: mr.Header.Get("Received"),
	}
	in.From = headerText(mr.Header, "From")
	in.To = headerText(mr.Header, "To")
	in.ReplyTo = headerText(mr.Header, "Reply-To")
	in.Subject = headerText(mr.Header, "Subject")

	for {
		p, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("NextPart failed: %w", err)
		}

		h, ok := p.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, err := h.ContentType()
		if err != nil {
			contentType = "text/plain"
		}

		switch {
		case contentType == "text/plain" && in.TextBody == "":
			b, err := io.ReadAll(p.Body)
			if err != nil {
				return nil, fmt.Errorf("read text part failed: %w", err)
			}
			in.TextBody = string(b)
		case contentType == "text/html" && in.HTMLBody == "":
			b, err := io.ReadAll(p.Body)
			if err != nil {
				return nil, fmt.Errorf("read html part failed: %w", err)
			}
			in.HTMLBody = string(b)
		}
	}

	return in, nil
}

// headerText decodes RFC 2047 words, falling back to the raw value.
func headerText(h mail.Header, key string) string {
	v, err := h.Text(key)
	if err != nil {
		return h.Get(key)
	}
	return v
}

// recipients lists the envelope recipients of a composed message.
func recipients(raw []byte) ([]string, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("mail.CreateReader failed: %w", err)
	}
	defer func() { _ = mr.Close() }()

	var rcpts []string
	for _, key := range []string{"To", "Cc"} {
		addrs, err := mr.Header.AddressList(key)
		if err != nil {
			return nil, fmt.Errorf("parse %s failed: %w", key, err)
		}
		for _, a := range addrs {
			rcpts = append(rcpts, a.Address)
		}
	}
	if len(rcpts) == 0 {
		return nil, errNoRecipients
	}

	return rcpts, nil
}
