package persona

import (
	"context"
	"fmt"

	"github.com/hal9000y/penpal/internal/completion"
)

var (
	summaryParams = completion.Params{Temperature: 0.05}
	replyParams   = completion.Params{Temperature: 0.8, PresencePenalty: 1}
)

// Completer generates text for a conversation.
type Completer interface {
	Complete(ctx context.Context, turns []completion.Turn, params completion.Params) (*completion.Response, error)
}

// Writer builds the persona prompts and runs them.
type Writer struct {
	llm  Completer
	name string
}

func NewWriter(llm Completer, name string) *Writer {
	return &Writer{llm: llm, name: name}
}

// Digest summarizes the latest message of text as bullet points.
func (w *Writer) Digest(ctx context.Context, text string) (string, error) {
	resp, err := w.llm.Complete(ctx, []completion.Turn{
		{Role: completion.RoleUser, Content: fmt.Sprintf(digestPrompt, text)},
	}, summaryParams)
	if err != nil {
		return "", fmt.Errorf("digest failed: %w", err)
	}
	return resp.Text, nil
}

// Fold merges a digest into the running summary.
func (w *Writer) Fold(ctx context.Context, summary, digest string) (string, error) {
	resp, err := w.llm.Complete(ctx, []completion.Turn{
		{Role: completion.RoleUser, Content: fmt.Sprintf(foldPrompt, summary+"\n"+digest)},
	}, summaryParams)
	if err != nil {
		return "", fmt.Errorf("fold failed: %w", err)
	}
	return resp.Text, nil
}

// Reply writes the persona's answer to text, guided by the summary.
func (w *Writer) Reply(ctx context.Context, summary, text string) (*completion.Response, error) {
	resp, err := w.llm.Complete(ctx, []completion.Turn{
		{Role: completion.RoleUser, Content: fmt.Sprintf(remarksPrompt, summary)},
		{Role: completion.RoleAssistant, Content: acknowledgement},
		{Role: completion.RoleUser, Content: fmt.Sprintf(replyPrompt, w.name, text)},
	}, replyParams)
	if err != nil {
		return nil, fmt.Errorf("reply failed: %w", err)
	}
	return resp, nil
}
