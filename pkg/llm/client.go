// Package llm wraps the OpenAI-compatible chat completion API with the
// retry, logging and tool-calling plumbing the trading agent needs.
package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Tool describes one function the model may call. Parameters is a JSON
// schema object.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ToolCall is one function invocation requested by the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// Completion is one assistant turn: free text, tool calls, or both.
type Completion struct {
	Content   string
	ToolCalls []ToolCall
}

// Dialog accumulates the message history of one reasoning session.
type Dialog struct {
	messages []openai.ChatCompletionMessageParamUnion
}

// NewDialog starts a dialog with a system and a user message.
func NewDialog(system, user string) *Dialog {
	return &Dialog{messages: []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(system),
		openai.UserMessage(user),
	}}
}

// Len returns the number of messages in the dialog.
func (d *Dialog) Len() int { return len(d.messages) }

// AddUser appends a user message.
func (d *Dialog) AddUser(content string) {
	d.messages = append(d.messages, openai.UserMessage(content))
}

// AddAssistant appends the assistant turn, preserving its tool calls so
// the follow-up tool results attach correctly.
func (d *Dialog) AddAssistant(c *Completion) {
	msg := openai.ChatCompletionAssistantMessageParam{}
	if c.Content != "" {
		msg.Content.OfString = openai.String(c.Content)
	}
	for _, tc := range c.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, openai.ChatCompletionMessageToolCallParam{
			ID: tc.ID,
			Function: openai.ChatCompletionMessageToolCallFunctionParam{
				Name:      tc.Name,
				Arguments: tc.Arguments,
			},
		})
	}
	d.messages = append(d.messages, openai.ChatCompletionMessageParamUnion{OfAssistant: &msg})
}

// AddToolResult appends the result payload for one tool call.
func (d *Dialog) AddToolResult(toolCallID, content string) {
	d.messages = append(d.messages, openai.ToolMessage(content, toolCallID))
}

// Client drives chat completions against an OpenAI-compatible endpoint.
type Client struct {
	api    openai.Client
	cfg    *Config
	retry  *RetryHandler
	logger Logger
}

// ClientOption customises the client.
type ClientOption func(*clientOptions)

type clientOptions struct {
	logger     Logger
	requestOpt []option.RequestOption
}

// WithClientLogger injects a custom logger.
func WithClientLogger(logger Logger) ClientOption {
	return func(o *clientOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithRequestOptions appends low-level request options (test fixtures).
func WithRequestOptions(opts ...option.RequestOption) ClientOption {
	return func(o *clientOptions) {
		o.requestOpt = append(o.requestOpt, opts...)
	}
}

// NewClient constructs a client from validated configuration.
func NewClient(cfg *Config, opts ...ClientOption) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("llm: config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	state := &clientOptions{}
	for _, opt := range opts {
		opt(state)
	}
	if state.logger == nil {
		state.logger = NewLogger(cfg.LogLevel)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithBaseURL(cfg.BaseURL),
		option.WithRequestTimeout(cfg.Timeout),
		// Retries are handled by RetryHandler so backoff stays observable.
		option.WithMaxRetries(0),
	}
	reqOpts = append(reqOpts, state.requestOpt...)

	return &Client{
		api:    openai.NewClient(reqOpts...),
		cfg:    cfg,
		retry:  NewRetryHandler(RetryConfig{MaxRetries: cfg.MaxRetries}),
		logger: state.logger,
	}, nil
}

// Chat sends the dialog and returns the next assistant turn.
func (c *Client) Chat(ctx context.Context, dialog *Dialog, tools []Tool) (*Completion, error) {
	if dialog == nil || dialog.Len() == 0 {
		return nil, errors.New("llm: dialog requires at least one message")
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(c.cfg.Model),
		Messages: dialog.messages,
	}
	for _, tool := range tools {
		params.Tools = append(params.Tools, openai.ChatCompletionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:        tool.Name,
				Description: openai.String(tool.Description),
				Parameters:  openai.FunctionParameters(tool.Parameters),
			},
		})
	}

	var resp *openai.ChatCompletion
	err := c.retry.Do(ctx, func() error {
		r, callErr := c.api.Chat.Completions.New(ctx, params)
		if callErr != nil {
			c.logger.Warn(ctx, "chat completion attempt failed", Fields{
				"model": c.cfg.Model,
				"error": callErr.Error(),
			})
			return callErr
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("llm: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("llm: chat completion returned no choices")
	}

	message := resp.Choices[0].Message
	completion := &Completion{Content: message.Content}
	for _, tc := range message.ToolCalls {
		completion.ToolCalls = append(completion.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}

	c.logger.Debug(ctx, "chat completion", Fields{
		"model":     c.cfg.Model,
		"toolCalls": len(completion.ToolCalls),
		"tokens":    resp.Usage.TotalTokens,
	})
	return completion, nil
}
