// Package bedrock implements modeladapter.Client on top of the AWS Bedrock
// Converse API, trimmed from the teacher's features/model/bedrock/client.go
// down to single-turn text completion (no tool_use blocks, reasoning
// content, or ConverseStream).
package bedrock

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/jmillpps/codex-manager/modeladapter"
)

// RuntimeClient mirrors the subset of the AWS Bedrock runtime client used by
// the adapter; it matches *bedrockruntime.Client so tests can substitute a
// fake.
type RuntimeClient interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// Options configures the adapter's defaults.
type Options struct {
	DefaultModel string
	MaxTokens    int
	Temperature  float32
}

// Client implements modeladapter.Client via AWS Bedrock Converse.
type Client struct {
	runtime   RuntimeClient
	model     string
	maxTokens int
	temp      float32
}

// New builds a Bedrock-backed adapter.
func New(runtime RuntimeClient, opts Options) (*Client, error) {
	if runtime == nil {
		return nil, errors.New("bedrock: runtime client is required")
	}
	if strings.TrimSpace(opts.DefaultModel) == "" {
		return nil, errors.New("bedrock: default model is required")
	}
	return &Client{runtime: runtime, model: opts.DefaultModel, maxTokens: opts.MaxTokens, temp: opts.Temperature}, nil
}

// Complete issues a Converse call and concatenates the text blocks of the
// output message into a modeladapter.Response.
func (c *Client) Complete(ctx context.Context, req modeladapter.Request) (modeladapter.Response, error) {
	if len(req.Messages) == 0 {
		return modeladapter.Response{}, errors.New("bedrock: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.model
	}

	var system []brtypes.SystemContentBlock
	conversation := make([]brtypes.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == "system" {
			system = append(system, &brtypes.SystemContentBlockMemberText{Value: m.Content})
			continue
		}
		role := brtypes.ConversationRoleUser
		if m.Role == "assistant" {
			role = brtypes.ConversationRoleAssistant
		}
		conversation = append(conversation, brtypes.Message{
			Role:    role,
			Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: m.Content}},
		})
	}

	cfg := &brtypes.InferenceConfiguration{}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	if maxTokens > 0 {
		v := int32(maxTokens)
		cfg.MaxTokens = &v
	}
	temp := req.Temperature
	if temp == 0 {
		temp = c.temp
	}
	if temp != 0 {
		cfg.Temperature = aws.Float32(temp)
	}

	input := &bedrockruntime.ConverseInput{
		ModelId:         &modelID,
		Messages:        conversation,
		System:          system,
		InferenceConfig: cfg,
	}
	out, err := c.runtime.Converse(ctx, input)
	if err != nil {
		return modeladapter.Response{}, fmt.Errorf("bedrock: converse: %w", err)
	}
	return translateOutput(out), nil
}

func translateOutput(out *bedrockruntime.ConverseOutput) modeladapter.Response {
	var text strings.Builder
	var stopReason string
	if out.StopReason != "" {
		stopReason = string(out.StopReason)
	}
	if member, ok := out.Output.(*brtypes.ConverseOutputMemberMessage); ok {
		for _, block := range member.Value.Content {
			if tb, ok := block.(*brtypes.ContentBlockMemberText); ok {
				text.WriteString(tb.Value)
			}
		}
	}
	resp := modeladapter.Response{
		Text:         text.String(),
		StopReason:   stopReason,
		ProviderName: "bedrock",
	}
	if out.Usage != nil {
		resp.Usage.InputTokens = int(out.Usage.InputTokens)
		resp.Usage.OutputTokens = int(out.Usage.OutputTokens)
	}
	return resp
}

var _ modeladapter.Client = (*Client)(nil)
