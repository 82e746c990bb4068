// Package anthropic implements modeladapter.Client on top of the Anthropic
// Claude Messages API, trimmed from the teacher's
// features/model/anthropic/client.go down to a single non-streaming turn
// (jobdefs never need tool loops, thinking blocks, or SSE streaming).
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/jmillpps/codex-manager/modeladapter"
)

// MessagesClient captures the subset of the Anthropic SDK client the adapter
// uses, so tests can substitute a fake in place of *sdk.MessageService.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Options configures the adapter's defaults.
type Options struct {
	DefaultModel string
	MaxTokens    int
	Temperature  float64
}

// Client implements modeladapter.Client via the Anthropic Messages API.
type Client struct {
	msg       MessagesClient
	model     string
	maxTokens int
	temp      float64
}

// New builds an Anthropic-backed adapter.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic: client is required")
	}
	if strings.TrimSpace(opts.DefaultModel) == "" {
		return nil, errors.New("anthropic: default model is required")
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &Client{msg: msg, model: opts.DefaultModel, maxTokens: maxTokens, temp: opts.Temperature}, nil
}

// NewFromAPIKey constructs an adapter using the default Anthropic HTTP
// client authenticated with apiKey, which must be non-empty.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, Options{DefaultModel: defaultModel})
}

// Complete issues a non-streaming Messages.New call and concatenates the text
// blocks of the reply into a modeladapter.Response.
func (c *Client) Complete(ctx context.Context, req modeladapter.Request) (modeladapter.Response, error) {
	if len(req.Messages) == 0 {
		return modeladapter.Response{}, errors.New("anthropic: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.model
	}
	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = int64(c.maxTokens)
	}

	var system []sdk.TextBlockParam
	conversation := make([]sdk.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == "system" {
			system = append(system, sdk.TextBlockParam{Text: m.Content})
			continue
		}
		if m.Role == "assistant" {
			conversation = append(conversation, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Content)))
			continue
		}
		conversation = append(conversation, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(modelID),
		MaxTokens: maxTokens,
		Messages:  conversation,
		System:    system,
	}
	if req.Temperature != 0 {
		params.Temperature = sdk.Float(float64(req.Temperature))
	} else if c.temp != 0 {
		params.Temperature = sdk.Float(c.temp)
	}

	msg, err := c.msg.New(ctx, params)
	if err != nil {
		return modeladapter.Response{}, fmt.Errorf("anthropic: messages.new: %w", err)
	}
	return translateResponse(msg), nil
}

func translateResponse(msg *sdk.Message) modeladapter.Response {
	var text strings.Builder
	for _, block := range msg.Content {
		if tb := block.AsAny(); tb != nil {
			if t, ok := tb.(sdk.TextBlock); ok {
				text.WriteString(t.Text)
			}
		}
	}
	return modeladapter.Response{
		Text:       text.String(),
		StopReason: string(msg.StopReason),
		Usage: modeladapter.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
		ProviderName: "anthropic",
	}
}

var _ modeladapter.Client = (*Client)(nil)
