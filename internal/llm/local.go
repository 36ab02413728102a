package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sidekick-bot/sidekick/internal/config"
)

const localMaxRetries = 2

var reactActionRe = regexp.MustCompile(`(?s)Action:\s*(\w+)\s*\nAction Input:\s*(\{.*?\})`)

// LocalProvider speaks an OpenAI-compatible chat-completions endpoint
// (ollama, llama.cpp, vllm). When the endpoint has no native tool calling it
// falls back to a ReAct-style textual protocol.
type LocalProvider struct {
	endpoint string
	client   *http.Client
	cfg      config.LLM
	log      *slog.Logger
	tokens   *tokenCounter
}

// NewLocalProvider builds the provider from config.
func NewLocalProvider(cfg config.LLM, log *slog.Logger) *LocalProvider {
	return &LocalProvider{
		endpoint: strings.TrimRight(cfg.LocalEndpoint, "/"),
		client:   &http.Client{Timeout: 120 * time.Second},
		cfg:      cfg,
		log:      log,
		tokens:   newTokenCounter(),
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
	Stream      bool          `json:"stream,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		FinishReason string `json:"finish_reason"`
		Message      struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				ID       string `json:"id"`
				Function struct {
					Name      string          `json:"name"`
					Arguments json.RawMessage `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Complete runs one completion. Tool calls arrive either natively or parsed
// out of the text via the ReAct protocol.
func (p *LocalProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	body := chatRequest{
		Model:       p.cfg.Model,
		Messages:    p.buildMessages(req),
		MaxTokens:   p.maxTokens(req),
		Temperature: p.temperature(req),
	}

	raw, err := p.postWithRetry(ctx, "/chat/completions", body)
	if err != nil {
		return nil, err
	}

	var cr chatResponse
	if err := json.Unmarshal(raw, &cr); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if len(cr.Choices) == 0 {
		return nil, fmt.Errorf("%w: no choices", ErrInvalidResponse)
	}

	choice := cr.Choices[0]
	content := choice.Message.Content
	var calls []ToolCall

	if len(choice.Message.ToolCalls) > 0 {
		for _, tc := range choice.Message.ToolCalls {
			args := map[string]any{}
			if len(tc.Function.Arguments) > 0 {
				var s string
				// Arguments may be a JSON object or a JSON-encoded string.
				if json.Unmarshal(tc.Function.Arguments, &s) == nil {
					_ = json.Unmarshal([]byte(s), &args)
				} else {
					_ = json.Unmarshal(tc.Function.Arguments, &args)
				}
			}
			id := tc.ID
			if id == "" {
				id = uuid.NewString()[:12]
			}
			calls = append(calls, ToolCall{ID: id, Name: tc.Function.Name, Arguments: args})
		}
	} else if len(req.Tools) > 0 {
		content, calls = parseReact(content)
	}

	return &Response{
		Content:      content,
		ToolCalls:    calls,
		StopReason:   choice.FinishReason,
		InputTokens:  cr.Usage.PromptTokens,
		OutputTokens: cr.Usage.CompletionTokens,
	}, nil
}

// Stream reads server-sent events and delivers content deltas via fn.
func (p *LocalProvider) Stream(ctx context.Context, req Request, fn func(string)) error {
	body := chatRequest{
		Model:       p.cfg.Model,
		Messages:    p.buildMessages(req),
		MaxTokens:   p.maxTokens(req),
		Temperature: p.temperature(req),
		Stream:      true,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &HTTPError{Status: resp.StatusCode, Body: string(b)}
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimSpace(line[len("data: "):])
		if payload == "[DONE]" {
			break
		}
		var chunk struct {
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
			} `json:"choices"`
		}
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			continue
		}
		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
			fn(chunk.Choices[0].Delta.Content)
		}
	}
	return scanner.Err()
}

// CountTokens estimates the token count of text.
func (p *LocalProvider) CountTokens(text string) int {
	return p.tokens.count(text)
}

// Close releases idle connections.
func (p *LocalProvider) Close() error {
	p.client.CloseIdleConnections()
	return nil
}

func (p *LocalProvider) maxTokens(req Request) int {
	if req.MaxTokens > 0 {
		return req.MaxTokens
	}
	return p.cfg.MaxTokens
}

func (p *LocalProvider) temperature(req Request) float64 {
	if req.Temperature != nil {
		return *req.Temperature
	}
	return p.cfg.Temperature
}

// buildMessages flattens structured content to text and, when tools are
// present, injects the ReAct protocol into the system prompt.
func (p *LocalProvider) buildMessages(req Request) []chatMessage {
	var out []chatMessage

	system := req.System
	if len(req.Tools) > 0 {
		system = buildReactSystem(req.System, req.Tools)
	}
	if system != "" {
		out = append(out, chatMessage{Role: RoleSystem, Content: system})
	}

	for _, m := range req.Messages {
		out = append(out, chatMessage{Role: m.Role, Content: flattenForLocal(m)})
	}
	return out
}

func flattenForLocal(m Message) string {
	var parts []string
	for _, b := range m.Blocks {
		switch b.Type {
		case BlockText:
			parts = append(parts, b.Text)
		case BlockToolResult:
			parts = append(parts, fmt.Sprintf("[Tool Result]: %s", b.Content))
		case BlockToolUse:
			args, _ := json.Marshal(b.Input)
			parts = append(parts, fmt.Sprintf("Action: %s\nAction Input: %s", b.Name, args))
		}
	}
	return strings.Join(parts, "\n")
}

func buildReactSystem(system string, tools []ToolDef) string {
	var b strings.Builder
	if system != "" {
		b.WriteString(system)
	}
	b.WriteString("\n\n## Tools\nYou have the following tools. To use one, respond with:\n\n")
	b.WriteString("Thought: <your reasoning>\nAction: <tool_name>\nAction Input: <json arguments>\n\n")
	b.WriteString("When you have a final answer, respond normally without Action/Action Input.\n")
	for _, tool := range tools {
		schema, _ := json.MarshalIndent(tool.InputSchema, "", "  ")
		fmt.Fprintf(&b, "\n### %s\n%s\nParameters: %s\n", tool.Name, tool.Description, schema)
	}
	return b.String()
}

// parseReact extracts at most one Action/Action Input pair from text. The
// content returned is everything before the Action line.
func parseReact(text string) (string, []ToolCall) {
	m := reactActionRe.FindStringSubmatchIndex(text)
	if m == nil {
		return text, nil
	}
	name := text[m[2]:m[3]]
	args := map[string]any{}
	if err := json.Unmarshal([]byte(text[m[4]:m[5]]), &args); err != nil {
		args = map[string]any{}
	}
	call := ToolCall{ID: uuid.NewString()[:12], Name: name, Arguments: args}
	return strings.TrimSpace(text[:m[0]]), []ToolCall{call}
}

func (p *LocalProvider) postWithRetry(ctx context.Context, path string, body any) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	for attempt := 0; ; attempt++ {
		raw, err := p.post(ctx, path, payload)
		if err == nil {
			return raw, nil
		}
		var he *HTTPError
		isConnErr := !errors.As(err, &he)
		if attempt >= localMaxRetries || (!isConnErr && !Retryable(err)) {
			return nil, err
		}
		wait := backoff(attempt)
		p.log.Warn("local provider retry", "attempt", attempt, "wait", wait.String(), "err", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (p *LocalProvider) post(ctx context.Context, path string, payload []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == 429 {
			return nil, fmt.Errorf("%w: %s", ErrRateLimited, string(raw))
		}
		return nil, &HTTPError{Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	return raw, nil
}
