// Package anthropic implements the Anthropic messages dialect.
//
// The conversion is the least mechanical of the providers:
//   - the system message moves to a top-level system field
//   - assistant tool calls become tool_use content blocks with decoded input
//   - tool results attach to a synthetic user message as tool_result blocks
//   - data: URI images are re-emitted as base64 sources, URL images as url
//     sources
package anthropic

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/torbobase/torbo/internal/llm/provider"
	"github.com/torbobase/torbo/internal/llm/types"
)

const (
	DefaultBaseURL   = "https://api.anthropic.com"
	DefaultMaxTokens = 4096
	apiVersion       = "2023-06-01"
)

// Client calls the Anthropic messages API.
type Client struct {
	baseURL    string
	model      string
	keyFn      func() string
	httpClient *http.Client
}

// NewClient builds the Anthropic client. keyFn is read per call.
func NewClient(keyFn func() string, model string) *Client {
	return &Client{
		baseURL:    DefaultBaseURL,
		model:      model,
		keyFn:      keyFn,
		httpClient: &http.Client{Timeout: provider.CallTimeout},
	}
}

// SetBaseURL overrides the API base URL. Used in tests.
func (c *Client) SetBaseURL(url string) { c.baseURL = strings.TrimRight(url, "/") }

func (c *Client) Name() string { return "anthropic" }

func (c *Client) Available() bool { return c.keyFn != nil && c.keyFn() != "" }

// ─── Wire shapes ─────────────────────────────────────────────────────────────

type wireBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`

	// image
	Source *wireImageSource `json:"source,omitempty"`
}

type wireImageSource struct {
	Type      string `json:"type"` // "base64" or "url"
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

type wireMessage struct {
	Role    string      `json:"role"`
	Content []wireBlock `json:"content"`
}

type wireTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type wireRequest struct {
	Model       string        `json:"model"`
	System      string        `json:"system,omitempty"`
	Messages    []wireMessage `json:"messages"`
	Tools       []wireTool    `json:"tools,omitempty"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature *float64      `json:"temperature,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type wireResponse struct {
	ID         string      `json:"id"`
	Model      string      `json:"model"`
	Content    []wireBlock `json:"content"`
	StopReason string      `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// ToWire converts the internal request to the Anthropic dialect.
func ToWire(req *types.ChatRequest, model string) *wireRequest {
	wr := &wireRequest{
		Model:       model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      req.Stream,
	}
	if wr.MaxTokens == 0 {
		wr.MaxTokens = DefaultMaxTokens
	}

	var system []string
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			system = append(system, m.Content.PlainText())
		case "tool":
			// Consecutive tool results merge into one user message so the
			// alternation constraint holds.
			block := wireBlock{
				Type:      "tool_result",
				ToolUseID: m.ToolCallID,
				Content:   m.Content.PlainText(),
			}
			if n := len(wr.Messages); n > 0 && wr.Messages[n-1].Role == "user" && isToolResultMessage(wr.Messages[n-1]) {
				wr.Messages[n-1].Content = append(wr.Messages[n-1].Content, block)
			} else {
				wr.Messages = append(wr.Messages, wireMessage{Role: "user", Content: []wireBlock{block}})
			}
		case "assistant":
			wm := wireMessage{Role: "assistant"}
			if text := m.Content.PlainText(); text != "" {
				wm.Content = append(wm.Content, wireBlock{Type: "text", Text: text})
			}
			for _, tc := range m.ToolCalls {
				wm.Content = append(wm.Content, wireBlock{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Name,
					Input: argumentsToInput(tc.Arguments),
				})
			}
			wr.Messages = append(wr.Messages, wm)
		default: // user
			wr.Messages = append(wr.Messages, wireMessage{
				Role:    "user",
				Content: contentToBlocks(m.Content),
			})
		}
	}
	wr.System = strings.Join(system, "\n\n")

	for _, t := range req.Tools {
		wr.Tools = append(wr.Tools, wireTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.Parameters,
		})
	}
	return wr
}

func isToolResultMessage(m wireMessage) bool {
	return len(m.Content) > 0 && m.Content[0].Type == "tool_result"
}

// argumentsToInput re-encodes the tool arguments string as a JSON object.
// Malformed arguments become an empty object; the executor reports the decode
// failure on its side.
func argumentsToInput(args string) json.RawMessage {
	if json.Valid([]byte(args)) && strings.HasPrefix(strings.TrimSpace(args), "{") {
		return json.RawMessage(args)
	}
	return json.RawMessage("{}")
}

// contentToBlocks converts internal content parts to Anthropic blocks,
// re-encoding images.
func contentToBlocks(c types.Content) []wireBlock {
	if !c.IsMultipart() {
		return []wireBlock{{Type: "text", Text: c.Text}}
	}
	var blocks []wireBlock
	for _, p := range c.Parts {
		switch p.Type {
		case "text":
			blocks = append(blocks, wireBlock{Type: "text", Text: p.Text})
		case "image_url":
			if p.ImageURL == nil {
				continue
			}
			blocks = append(blocks, imageBlock(p.ImageURL.URL))
		}
	}
	return blocks
}

// imageBlock converts a data: URI into a base64 source and anything else
// into a url source.
func imageBlock(url string) wireBlock {
	if rest, ok := strings.CutPrefix(url, "data:"); ok {
		mediaType := "image/png"
		data := rest
		if semi := strings.Index(rest, ";base64,"); semi >= 0 {
			mediaType = rest[:semi]
			data = rest[semi+len(";base64,"):]
		}
		return wireBlock{Type: "image", Source: &wireImageSource{
			Type:      "base64",
			MediaType: mediaType,
			Data:      data,
		}}
	}
	return wireBlock{Type: "image", Source: &wireImageSource{Type: "url", URL: url}}
}

// FromWire converts an Anthropic response body into the internal shape.
func FromWire(body []byte) (*types.ChatResponse, error) {
	var wr wireResponse
	if err := json.Unmarshal(body, &wr); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}

	resp := &types.ChatResponse{
		ID:           wr.ID,
		Model:        wr.Model,
		FinishReason: mapStopReason(wr.StopReason),
		Usage: types.TokenUsage{
			PromptTokens:     wr.Usage.InputTokens,
			CompletionTokens: wr.Usage.OutputTokens,
			TotalTokens:      wr.Usage.InputTokens + wr.Usage.OutputTokens,
		},
	}

	var text strings.Builder
	for _, block := range wr.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			args := string(block.Input)
			if args == "" {
				args = "{}"
			}
			resp.ToolCalls = append(resp.ToolCalls, types.ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: args,
			})
		}
	}
	resp.Content = text.String()
	return resp, nil
}

func mapStopReason(reason string) string {
	switch reason {
	case "tool_use":
		return "tool_calls"
	case "max_tokens":
		return "length"
	case "end_turn", "stop_sequence":
		return "stop"
	}
	return reason
}

// ─── Calls ───────────────────────────────────────────────────────────────────

func (c *Client) Chat(ctx context.Context, req *types.ChatRequest) (*types.ChatResponse, error) {
	wr := ToWire(req, c.resolveModel(req.Model))
	wr.Stream = false

	body, err := c.post(ctx, wr, false)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, &provider.CallError{Provider: "anthropic", Message: err.Error()}
	}
	resp, err := FromWire(data)
	if err != nil {
		return nil, &provider.CallError{Provider: "anthropic", Message: err.Error()}
	}
	return resp, nil
}

// Streaming events carry typed payloads; the parser keeps a small state
// machine of open content blocks keyed by index.
type streamEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`

	ContentBlock *struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block,omitempty"`

	Delta *struct {
		Type        string `json:"type"`
		Text        string `json:"text,omitempty"`
		PartialJSON string `json:"partial_json,omitempty"`
		StopReason  string `json:"stop_reason,omitempty"`
	} `json:"delta,omitempty"`

	Message *struct {
		Usage struct {
			InputTokens int `json:"input_tokens"`
		} `json:"usage"`
	} `json:"message,omitempty"`

	Usage *struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage,omitempty"`
}

func (c *Client) ChatStream(ctx context.Context, req *types.ChatRequest) (<-chan types.StreamChunk, <-chan error) {
	chunks := make(chan types.StreamChunk, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		wr := ToWire(req, c.resolveModel(req.Model))
		wr.Stream = true

		body, err := c.post(ctx, wr, true)
		if err != nil {
			errs <- err
			return
		}
		defer body.Close()

		if err := c.scanStream(ctx, body, chunks); err != nil {
			errs <- err
		}
	}()

	return chunks, errs
}

func (c *Client) scanStream(ctx context.Context, body io.Reader, chunks chan<- types.StreamChunk) error {
	type tcAccumulator struct {
		id   string
		name string
		args strings.Builder
	}
	blocks := map[int]*tcAccumulator{}
	var order []int
	usage := &types.TokenUsage{}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		var ev streamEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			continue
		}

		switch ev.Type {
		case "message_start":
			if ev.Message != nil {
				usage.PromptTokens = ev.Message.Usage.InputTokens
			}
			select {
			case chunks <- types.StreamChunk{Role: "assistant"}:
			case <-ctx.Done():
				return ctx.Err()
			}
		case "content_block_start":
			if ev.ContentBlock != nil && ev.ContentBlock.Type == "tool_use" {
				blocks[ev.Index] = &tcAccumulator{id: ev.ContentBlock.ID, name: ev.ContentBlock.Name}
				order = append(order, ev.Index)
			}
		case "content_block_delta":
			if ev.Delta == nil {
				continue
			}
			switch ev.Delta.Type {
			case "text_delta":
				select {
				case chunks <- types.StreamChunk{Content: ev.Delta.Text}:
				case <-ctx.Done():
					return ctx.Err()
				}
			case "input_json_delta":
				if a, ok := blocks[ev.Index]; ok {
					a.args.WriteString(ev.Delta.PartialJSON)
				}
			}
		case "message_delta":
			if ev.Usage != nil {
				usage.CompletionTokens = ev.Usage.OutputTokens
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return &provider.CallError{Provider: "anthropic", Message: err.Error()}
	}

	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	final := types.StreamChunk{Final: true, Usage: usage}
	for _, i := range order {
		a := blocks[i]
		args := a.args.String()
		if args == "" {
			args = "{}"
		}
		final.ToolCalls = append(final.ToolCalls, types.ToolCall{
			ID:        a.id,
			Name:      a.name,
			Arguments: args,
		})
	}

	select {
	case chunks <- final:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (c *Client) post(ctx context.Context, payload any, stream bool) (io.ReadCloser, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &provider.CallError{Provider: "anthropic", Message: err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, &provider.CallError{Provider: "anthropic", Message: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.keyFn())
	req.Header.Set("anthropic-version", apiVersion)
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &provider.CallError{Provider: "anthropic", Message: err.Error()}
	}
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &provider.CallError{
			Provider: "anthropic",
			Status:   resp.StatusCode,
			Message:  strings.TrimSpace(string(data)),
		}
	}
	return resp.Body, nil
}

func (c *Client) resolveModel(requested string) string {
	if requested == "" || requested == "auto" {
		return c.model
	}
	return requested
}
