// Package openai implements modeladapter.Client on top of the official
// github.com/openai/openai-go Chat Completions API, following the same thin
// New/NewFromAPIKey/Complete shape the sibling anthropic and bedrock
// adapters use.
package openai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/jmillpps/codex-manager/modeladapter"
)

// ChatClient captures the subset of the openai-go client the adapter uses.
type ChatClient interface {
	New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Options configures the adapter's defaults.
type Options struct {
	DefaultModel string
	Temperature  float64
}

// Client implements modeladapter.Client via OpenAI Chat Completions.
type Client struct {
	chat  ChatClient
	model string
	temp  float64
}

// New builds an OpenAI-backed adapter.
func New(chat ChatClient, opts Options) (*Client, error) {
	if chat == nil {
		return nil, errors.New("openai: chat client is required")
	}
	if strings.TrimSpace(opts.DefaultModel) == "" {
		return nil, errors.New("openai: default model is required")
	}
	return &Client{chat: chat, model: opts.DefaultModel, temp: opts.Temperature}, nil
}

// NewFromAPIKey constructs an adapter using the default OpenAI HTTP client
// authenticated with apiKey, which must be non-empty.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("openai: api key is required")
	}
	oc := openai.NewClient(option.WithAPIKey(apiKey))
	return New(oc.Chat.Completions, Options{DefaultModel: defaultModel})
}

// Complete issues a Chat Completions call and flattens the first choice's
// message content into a modeladapter.Response.
func (c *Client) Complete(ctx context.Context, req modeladapter.Request) (modeladapter.Response, error) {
	if len(req.Messages) == 0 {
		return modeladapter.Response{}, errors.New("openai: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.model
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			messages = append(messages, openai.SystemMessage(m.Content))
		case "assistant":
			messages = append(messages, openai.AssistantMessage(m.Content))
		default:
			messages = append(messages, openai.UserMessage(m.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    modelID,
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	temp := req.Temperature
	if temp == 0 {
		temp = float32(c.temp)
	}
	if temp != 0 {
		params.Temperature = openai.Float(float64(temp))
	}

	resp, err := c.chat.New(ctx, params)
	if err != nil {
		return modeladapter.Response{}, fmt.Errorf("openai: chat completions: %w", err)
	}
	if len(resp.Choices) == 0 {
		return modeladapter.Response{}, errors.New("openai: empty response")
	}
	choice := resp.Choices[0]
	return modeladapter.Response{
		Text:       choice.Message.Content,
		StopReason: string(choice.FinishReason),
		Usage: modeladapter.Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		},
		ProviderName: "openai",
	}, nil
}

var _ modeladapter.Client = (*Client)(nil)
