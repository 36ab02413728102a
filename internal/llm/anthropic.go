package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/sidekick-bot/sidekick/internal/config"
)

const anthropicMaxRetries = 3

// AnthropicProvider speaks the Anthropic Messages API.
type AnthropicProvider struct {
	client anthropic.Client
	cfg    config.LLM
	log    *slog.Logger
	tokens *tokenCounter
}

// NewAnthropicProvider builds the provider from config.
func NewAnthropicProvider(cfg config.LLM, log *slog.Logger) *AnthropicProvider {
	return &AnthropicProvider{
		client: anthropic.NewClient(option.WithAPIKey(cfg.APIKey)),
		cfg:    cfg,
		log:    log,
		tokens: newTokenCounter(),
	}
}

// Complete runs one non-streaming completion, retrying rate limits and
// server errors with exponential backoff plus jitter.
func (p *AnthropicProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	var msg *anthropic.Message
	for attempt := 0; ; attempt++ {
		msg, err = p.client.Messages.New(ctx, params)
		if err == nil {
			break
		}
		classified := classifyAnthropicErr(err)
		if attempt >= anthropicMaxRetries || !Retryable(classified) {
			return nil, classified
		}
		wait := backoff(attempt)
		p.log.Warn("provider retry", "attempt", attempt, "wait", wait.String(), "err", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}

	return decodeAnthropicMessage(msg)
}

// Stream delivers text deltas via fn.
func (p *AnthropicProvider) Stream(ctx context.Context, req Request, fn func(string)) error {
	params, err := p.buildParams(req)
	if err != nil {
		return err
	}

	stream := p.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()
	for stream.Next() {
		switch ev := stream.Current().AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			if delta, ok := ev.Delta.AsAny().(anthropic.TextDelta); ok && delta.Text != "" {
				fn(delta.Text)
			}
		}
	}
	if err := stream.Err(); err != nil {
		return classifyAnthropicErr(err)
	}
	return nil
}

// CountTokens estimates the token count of text.
func (p *AnthropicProvider) CountTokens(text string) int {
	return p.tokens.count(text)
}

// Close is a no-op; the SDK client holds no long-lived resources.
func (p *AnthropicProvider) Close() error { return nil }

func (p *AnthropicProvider) buildParams(req Request) (anthropic.MessageNewParams, error) {
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = p.cfg.MaxTokens
	}
	temperature := p.cfg.Temperature
	if req.Temperature != nil {
		temperature = *req.Temperature
	}

	messages, err := encodeAnthropicMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(p.cfg.Model),
		MaxTokens:   int64(maxTokens),
		Temperature: anthropic.Float(temperature),
		Messages:    messages,
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	for _, tool := range req.Tools {
		u := anthropic.ToolUnionParamOfTool(
			anthropic.ToolInputSchemaParam{ExtraFields: anyMap(tool.InputSchema)},
			tool.Name,
		)
		if u.OfTool != nil {
			u.OfTool.Description = anthropic.String(tool.Description)
		}
		params.Tools = append(params.Tools, u)
	}
	return params, nil
}

func anyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func encodeAnthropicMessages(msgs []Message) ([]anthropic.MessageParam, error) {
	out := make([]anthropic.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		blocks := make([]anthropic.ContentBlockParamUnion, 0, len(m.Blocks))
		for _, b := range m.Blocks {
			switch b.Type {
			case BlockText:
				if b.Text != "" {
					blocks = append(blocks, anthropic.NewTextBlock(b.Text))
				}
			case BlockToolUse:
				blocks = append(blocks, anthropic.NewToolUseBlock(b.ID, b.Input, b.Name))
			case BlockToolResult:
				blocks = append(blocks, anthropic.NewToolResultBlock(b.ToolUseID, b.Content, b.IsError))
			default:
				return nil, fmt.Errorf("unsupported block type %q", b.Type)
			}
		}
		if len(blocks) == 0 {
			continue
		}
		switch m.Role {
		case RoleUser:
			out = append(out, anthropic.NewUserMessage(blocks...))
		case RoleAssistant:
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		default:
			return nil, fmt.Errorf("unsupported message role %q", m.Role)
		}
	}
	return out, nil
}

func decodeAnthropicMessage(msg *anthropic.Message) (*Response, error) {
	if msg == nil {
		return nil, ErrInvalidResponse
	}
	resp := &Response{
		StopReason:   string(msg.StopReason),
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
	}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			resp.Content += block.Text
		case "tool_use":
			args := map[string]any{}
			if len(block.Input) > 0 {
				if err := json.Unmarshal(block.Input, &args); err != nil {
					return nil, fmt.Errorf("%w: tool input: %v", ErrInvalidResponse, err)
				}
			}
			resp.ToolCalls = append(resp.ToolCalls, ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: args,
			})
		}
	}
	return resp, nil
}

func classifyAnthropicErr(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == 429 {
			return fmt.Errorf("%w: %v", ErrRateLimited, err)
		}
		return &HTTPError{Status: apiErr.StatusCode, Body: apiErr.Error()}
	}
	return err
}

// backoff returns 2^attempt seconds plus up to one second of jitter.
func backoff(attempt int) time.Duration {
	base := time.Duration(1<<uint(attempt)) * time.Second
	return base + time.Duration(rand.Float64()*float64(time.Second))
}
