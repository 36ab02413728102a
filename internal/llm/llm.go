// Package llm defines the model-provider interface and its two
// implementations: the Anthropic Messages API and an OpenAI-compatible
// endpoint for local models.
package llm

import (
	"context"
	"errors"
	"fmt"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Block content types.
const (
	BlockText       = "text"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// Block is one content block within a message.
type Block struct {
	Type string

	// text
	Text string

	// tool_use
	ID    string
	Name  string
	Input map[string]any

	// tool_result
	ToolUseID string
	Content   string
	IsError   bool
}

// Message is one conversation turn.
type Message struct {
	Role   string
	Blocks []Block
}

// Text builds a plain-text message.
func Text(role, text string) Message {
	return Message{Role: role, Blocks: []Block{{Type: BlockText, Text: text}}}
}

// PlainText flattens a message to text. Tool blocks are rendered in a
// readable textual form.
func (m Message) PlainText() string {
	out := ""
	for _, b := range m.Blocks {
		switch b.Type {
		case BlockText:
			out += b.Text
		case BlockToolResult:
			out += fmt.Sprintf("[Tool Result]: %s", b.Content)
		case BlockToolUse:
			out += fmt.Sprintf("[Tool Call]: %s", b.Name)
		}
		out += "\n"
	}
	if len(out) > 0 {
		out = out[:len(out)-1]
	}
	return out
}

// ToolCall is a model request to invoke a tool.
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]any
}

// ToolDef advertises a tool to the model.
type ToolDef struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// Response is a completed model turn.
type Response struct {
	Content      string
	ToolCalls    []ToolCall
	StopReason   string
	InputTokens  int
	OutputTokens int
}

// Request carries everything a completion needs. Zero MaxTokens and nil
// Temperature fall back to the provider's configured defaults.
type Request struct {
	Messages    []Message
	System      string
	Tools       []ToolDef
	Temperature *float64
	MaxTokens   int
}

// Provider is the model interface consumed by the context store, tool
// executor, and plan engine.
type Provider interface {
	Complete(ctx context.Context, req Request) (*Response, error)
	// Stream delivers incremental text via fn. Tool calls are not streamed.
	Stream(ctx context.Context, req Request, fn func(text string)) error
	CountTokens(text string) int
	Close() error
}

// ErrRateLimited marks a 429 from the provider; retried with backoff.
var ErrRateLimited = errors.New("provider rate limited")

// ErrInvalidResponse marks a response the client could not interpret.
var ErrInvalidResponse = errors.New("invalid provider response")

// HTTPError carries the status of a failed provider request so the retry
// loop can classify it.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("provider returned status %d: %s", e.Status, e.Body)
}

// Retryable reports whether err warrants another attempt: rate limits and
// server-side failures do, everything else does not.
func Retryable(err error) bool {
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	var he *HTTPError
	if errors.As(err, &he) {
		return he.Status == 429 || he.Status >= 500
	}
	return false
}

// Float is a convenience for Request.Temperature.
func Float(v float64) *float64 { return &v }
