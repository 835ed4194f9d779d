package types

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Message represents a message in a conversation
type Message struct {
	Role       string     `json:"role"`                   // system, user, assistant, tool
	Content    Content    `json:"content"`                // text or typed blocks
	ToolCallID string     `json:"tool_call_id,omitempty"` // set on role=tool messages
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`   // set on assistant messages
}

// Content is either a plain string or an ordered list of typed parts.
// The wire form mirrors the OpenAI chat-completions content union.
type Content struct {
	Text  string
	Parts []ContentPart
}

// ContentPart is one typed block inside a multi-part message.
type ContentPart struct {
	Type     string    `json:"type"` // "text" or "image_url"
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL carries an image reference, either https or a data: URI.
type ImageURL struct {
	URL string `json:"url"`
}

// TextContent builds a plain-string content value.
func TextContent(s string) Content { return Content{Text: s} }

// IsMultipart reports whether the content carries typed blocks.
func (c Content) IsMultipart() bool { return len(c.Parts) > 0 }

// PlainText flattens the content to a single string, joining text parts.
func (c Content) PlainText() string {
	if !c.IsMultipart() {
		return c.Text
	}
	var buf bytes.Buffer
	for _, p := range c.Parts {
		if p.Type == "text" {
			buf.WriteString(p.Text)
		}
	}
	return buf.String()
}

// MarshalJSON emits a string when the content is plain, an array otherwise.
func (c Content) MarshalJSON() ([]byte, error) {
	if c.IsMultipart() {
		return json.Marshal(c.Parts)
	}
	return json.Marshal(c.Text)
}

// UnmarshalJSON accepts a string, an array of parts, or null.
func (c *Content) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*c = Content{}
		return nil
	}
	if trimmed[0] == '"' {
		return json.Unmarshal(trimmed, &c.Text)
	}
	if trimmed[0] == '[' {
		return json.Unmarshal(trimmed, &c.Parts)
	}
	return fmt.Errorf("content must be a string or an array")
}

// Tool represents a tool/function definition offered to the model
type Tool struct {
	Name        string         `json:"name"`        // tool name
	Description string         `json:"description"` // what the tool does
	Parameters  map[string]any `json:"parameters"`  // JSON schema for parameters
}

// ToolCall represents a tool call made by the model. Arguments is kept as a
// raw JSON string; the executor decodes it and reports decode failures as
// tool results rather than request errors.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// UnmarshalJSON accepts both the flat internal form and the OpenAI wire form
// `{"id", "type":"function", "function":{"name","arguments"}}`, so client
// conversation history pastes straight through the public API.
func (tc *ToolCall) UnmarshalJSON(data []byte) error {
	var wire struct {
		ID        string `json:"id"`
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
		Function  *struct {
			Name      string `json:"name"`
			Arguments string `json:"arguments"`
		} `json:"function"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	tc.ID = wire.ID
	tc.Name = wire.Name
	tc.Arguments = wire.Arguments
	if wire.Function != nil {
		tc.Name = wire.Function.Name
		tc.Arguments = wire.Function.Arguments
	}
	return nil
}

// ChatRequest is the internal chat-completion shape every provider adapter
// consumes. Handlers translate the OpenAI wire request into this and back.
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Tools       []Tool    `json:"tools,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	ToolChoice  string    `json:"tool_choice,omitempty"`
}

// ChatResponse is the internal completion response shape.
type ChatResponse struct {
	ID           string     `json:"id"`
	Model        string     `json:"model"`
	Content      string     `json:"content"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	FinishReason string     `json:"finish_reason"`
	Usage        TokenUsage `json:"usage"`
}

// TokenUsage tracks token usage for a single provider call
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add accumulates usage across tool-loop rounds.
func (u *TokenUsage) Add(other TokenUsage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}

// StreamChunk is one canonical streaming delta. Provider adapters convert
// every upstream framing into this shape; the dispatcher emits it as an SSE
// `data:` line in the OpenAI chunk format. The synthesized final chunk is
// the only one carrying completed ToolCalls.
type StreamChunk struct {
	Role      string      `json:"role,omitempty"`
	Content   string      `json:"content,omitempty"`
	ToolCalls []ToolCall  `json:"tool_calls,omitempty"`
	Final     bool        `json:"-"`
	Usage     *TokenUsage `json:"-"`
}
