// Package openai provides a model.Capability implementation backed by the
// OpenAI Chat Completions API. It translates engine requests into
// ChatCompletion calls using github.com/sashabaranov/go-openai and maps
// responses back to the generic capability structures.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/tradegraph/tradegraph/model"
)

// ChatClient captures the subset of the go-openai client used by the adapter.
// It is satisfied by *openai.Client so callers can pass either a real client
// or a mock in tests.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Options configures the OpenAI adapter.
type Options struct {
	Client       ChatClient
	DefaultModel string
	// BaseURL is not read by New, which uses Client as given; NewFromAPIKey
	// takes its endpoint override as a separate baseURL argument.
	BaseURL string
	// Temperature is applied to every request; zero uses the provider default.
	Temperature float32
	// MaxTokens caps completions; zero uses the provider default.
	MaxTokens int
}

// Client implements model.Capability via the OpenAI Chat Completions API.
type Client struct {
	chat        ChatClient
	model       string
	temperature float32
	maxTokens   int
}

// New builds an OpenAI-backed capability from the provided options.
func New(opts Options) (*Client, error) {
	if opts.Client == nil {
		return nil, errors.New("openai client is required")
	}
	modelID := strings.TrimSpace(opts.DefaultModel)
	if modelID == "" {
		return nil, errors.New("default model is required")
	}
	return &Client{
		chat:        opts.Client,
		model:       modelID,
		temperature: opts.Temperature,
		maxTokens:   opts.MaxTokens,
	}, nil
}

// NewFromAPIKey constructs a client using the default go-openai HTTP client.
func NewFromAPIKey(apiKey, defaultModel, baseURL string) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("api key is required")
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return New(Options{Client: openai.NewClientWithConfig(cfg), DefaultModel: defaultModel})
}

// Invoke renders a chat completion using the configured OpenAI client.
func (c *Client) Invoke(ctx context.Context, messages []model.Message, tools []model.ToolDefinition) (*model.Response, error) {
	if len(messages) == 0 {
		return nil, errors.New("openai: messages are required")
	}
	encoded, err := encodeMessages(messages)
	if err != nil {
		return nil, err
	}
	toolDefs, err := encodeTools(tools)
	if err != nil {
		return nil, err
	}
	request := openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    encoded,
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
		Tools:       toolDefs,
	}
	response, err := c.chat.CreateChatCompletion(ctx, request)
	if err != nil {
		if isRateLimited(err) {
			return nil, fmt.Errorf("%w: %w", model.ErrRateLimited, err)
		}
		return nil, fmt.Errorf("openai chat completion: %w", err)
	}
	return translateResponse(response), nil
}

func encodeMessages(msgs []model.Message) ([]openai.ChatCompletionMessage, error) {
	encoded := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		out := openai.ChatCompletionMessage{
			Role:    string(m.Role),
			Content: m.Content,
		}
		switch m.Role {
		case model.RoleAssistant:
			for _, call := range m.ToolCalls {
				args, err := json.Marshal(call.Arguments)
				if err != nil {
					return nil, fmt.Errorf("marshal tool call %s args: %w", call.Name, err)
				}
				out.ToolCalls = append(out.ToolCalls, openai.ToolCall{
					ID:   call.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      call.Name,
						Arguments: string(args),
					},
				})
			}
		case model.RoleTool:
			if m.ToolCallID == "" {
				return nil, errors.New("openai: tool message missing tool call id")
			}
			out.ToolCallID = m.ToolCallID
			out.Name = m.Name
		}
		encoded = append(encoded, out)
	}
	return encoded, nil
}

func encodeTools(defs []model.ToolDefinition) ([]openai.Tool, error) {
	if len(defs) == 0 {
		return nil, nil
	}
	tools := make([]openai.Tool, 0, len(defs))
	for _, def := range defs {
		params, err := json.Marshal(def.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("marshal tool %s schema: %w", def.Name, err)
		}
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  json.RawMessage(params),
			},
		})
	}
	return tools, nil
}

func translateResponse(resp openai.ChatCompletionResponse) *model.Response {
	out := &model.Response{
		Usage: model.TokenUsage{
			Prompt:     resp.Usage.PromptTokens,
			Completion: resp.Usage.CompletionTokens,
		},
	}
	if len(resp.Choices) == 0 {
		return out
	}
	msg := resp.Choices[0].Message
	out.Text = msg.Content
	for _, call := range msg.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, model.ToolCall{
			ID:        call.ID,
			Name:      call.Function.Name,
			Arguments: parseToolArguments(call.Function.Arguments),
		})
	}
	if len(out.ToolCalls) > 0 {
		out.Text = ""
	}
	return out
}

// parseToolArguments decodes the JSON argument string emitted by the model.
// Malformed payloads degrade to an empty object; argument validation happens
// downstream in the tool invoker.
func parseToolArguments(raw string) map[string]any {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return map[string]any{}
	}
	return args
}

func isRateLimited(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == 429
	}
	return false
}
