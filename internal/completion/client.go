// Package completion talks to the hosted language model.
package completion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"

	"github.com/hal9000y/penpal/internal/retry"
)

const (
	RoleUser      = openai.ChatMessageRoleUser
	RoleAssistant = openai.ChatMessageRoleAssistant
	RoleSystem    = openai.ChatMessageRoleSystem

	maxAttempts = 5
)

// ErrEmptyResponse is returned when the model answers without any choice.
var ErrEmptyResponse = errors.New("completion returned no choices")

// Turn is one role-tagged message of a conversation.
type Turn struct {
	Role    string
	Content string
}

// Params are the sampling parameters of a request.
type Params struct {
	Temperature     float32
	PresencePenalty float32
}

// Response is the generated text together with the raw model response.
type Response struct {
	Text string
	Raw  []byte
}

type chatAPI interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Config selects the endpoint and credentials.
type Config struct {
	APIKey    string
	OrgID     string
	BaseURL   string
	Model     string
	RetryBase time.Duration
}

// Client sends chat completions under a retry policy.
type Client struct {
	api    chatAPI
	model  string
	policy retry.Policy
	log    *logrus.Entry
}

// Option configures a Client.
type Option func(*Client)

// WithPolicy replaces the default retry policy.
func WithPolicy(p retry.Policy) Option {
	return func(c *Client) { c.policy = p }
}

// New creates a client for the OpenAI chat completions API.
func New(cfg Config, log *logrus.Entry, opts ...Option) *Client {
	oc := openai.DefaultConfig(cfg.APIKey)
	oc.OrgID = cfg.OrgID
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}

	c := &Client{
		api:   openai.NewClientWithConfig(oc),
		model: cfg.Model,
		log:   log,
	}
	c.policy = DefaultPolicy(cfg.RetryBase, log)
	for _, opt := range opts {
		opt(c)
	}

	return c
}

// DefaultPolicy pauses 1-2s before every attempt and retries connectivity
// failures with linearly growing waits.
func DefaultPolicy(base time.Duration, log *logrus.Entry) retry.Policy {
	return retry.Policy{
		Attempts:  maxAttempts,
		Backoff:   retry.Linear(base),
		Retryable: IsConnectivity,
		Pause:     retry.Jitter(time.Second, time.Second),
		OnRetry: func(attempt int, err error, wait time.Duration) {
			log.WithError(err).WithFields(logrus.Fields{
				"attempt": attempt,
				"wait":    wait.String(),
			}).Warn("completion connection error, waiting")
		},
	}
}

// Complete sends the conversation and returns the first choice.
func (c *Client) Complete(ctx context.Context, turns []Turn, params Params) (*Response, error) {
	req := openai.ChatCompletionRequest{
		Model:           c.model,
		Messages:        make([]openai.ChatCompletionMessage, 0, len(turns)),
		Temperature:     params.Temperature,
		PresencePenalty: params.PresencePenalty,
	}
	for _, t := range turns {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{Role: t.Role, Content: t.Content})
	}

	var resp openai.ChatCompletionResponse
	err := c.policy.Do(ctx, func(ctx context.Context) error {
		var err error
		resp, err = c.api.CreateChatCompletion(ctx, req)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("CreateChatCompletion failed: %w", err)
	}

	if len(resp.Choices) == 0 {
		return nil, ErrEmptyResponse
	}

	raw, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("json.Marshal failed: %w", err)
	}

	c.log.WithFields(logrus.Fields{
		"model":             resp.Model,
		"prompt_tokens":     resp.Usage.PromptTokens,
		"completion_tokens": resp.Usage.CompletionTokens,
	}).Debug("completion received")

	return &Response{Text: resp.Choices[0].Message.Content, Raw: raw}, nil
}

// IsConnectivity reports whether err is a transport failure that never
// produced an HTTP response.
func IsConnectivity(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return false
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return false
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	return errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED)
}
