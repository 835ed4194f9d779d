// Package openai implements the OpenAI chat-completions dialect.
//
// Responsibilities:
//   - Translate the internal chat-completion shape to the OpenAI wire format
//   - Parse buffered and SSE streaming responses back into canonical form
//   - Accumulate streamed tool-call fragments into completed calls
//
// The dialect is near-isomorphic to the internal shape, so the conversion is
// mostly field renaming. This package is also reused by the local provider,
// whose daemon speaks an OpenAI-compatible API.
package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/torbobase/torbo/internal/llm/provider"
	"github.com/torbobase/torbo/internal/llm/types"
)

const (
	DefaultBaseURL   = "https://api.openai.com/v1"
	DefaultMaxTokens = 4096
)

// Client calls one OpenAI-compatible endpoint.
type Client struct {
	name       string
	baseURL    string
	model      string
	keyFn      func() string
	httpClient *http.Client
}

// NewClient builds the OpenAI cloud client. keyFn is read per call so key
// updates through the dashboard apply without a restart.
func NewClient(keyFn func() string, model string) *Client {
	return &Client{
		name:       "openai",
		baseURL:    DefaultBaseURL,
		model:      model,
		keyFn:      keyFn,
		httpClient: &http.Client{Timeout: provider.CallTimeout},
	}
}

// NewCompatible builds a client for any OpenAI-compatible endpoint, such as
// the local inference daemon. No API key is sent.
func NewCompatible(name, baseURL, model string) *Client {
	return &Client{
		name:       name,
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: &http.Client{Timeout: provider.CallTimeout},
	}
}

// SetBaseURL overrides the API base URL. Used in tests.
func (c *Client) SetBaseURL(url string) { c.baseURL = strings.TrimRight(url, "/") }

func (c *Client) Name() string { return c.name }

// Available reports whether a key is configured. Compatible endpoints have
// no key requirement.
func (c *Client) Available() bool {
	return c.keyFn == nil || c.keyFn() != ""
}

// ─── Wire shapes ─────────────────────────────────────────────────────────────

type wireMessage struct {
	Role       string         `json:"role"`
	Content    types.Content  `json:"content"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
}

type wireToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type wireTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string         `json:"name"`
		Description string         `json:"description"`
		Parameters  map[string]any `json:"parameters"`
	} `json:"function"`
}

type wireRequest struct {
	Model       string         `json:"model"`
	Messages    []wireMessage  `json:"messages"`
	Tools       []wireTool     `json:"tools,omitempty"`
	MaxTokens   int            `json:"max_tokens,omitempty"`
	Temperature *float64       `json:"temperature,omitempty"`
	Stream      bool           `json:"stream,omitempty"`
	ToolChoice  map[string]any `json:"tool_choice,omitempty"`
}

type wireResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Role      string         `json:"role"`
			Content   types.Content  `json:"content"`
			ToolCalls []wireToolCall `json:"tool_calls,omitempty"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

type wireStreamChunk struct {
	Choices []struct {
		Delta struct {
			Role      string        `json:"role,omitempty"`
			Content   string        `json:"content,omitempty"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id,omitempty"`
				Function struct {
					Name      string `json:"name,omitempty"`
					Arguments string `json:"arguments,omitempty"`
				} `json:"function"`
			} `json:"tool_calls,omitempty"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage,omitempty"`
}

// ToWire converts the internal request to the OpenAI dialect.
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
	if req.ToolChoice != "" && req.ToolChoice != "auto" {
		wr.ToolChoice = map[string]any{
			"type":     "function",
			"function": map[string]any{"name": req.ToolChoice},
		}
	}

	wr.Messages = make([]wireMessage, len(req.Messages))
	for i, m := range req.Messages {
		wm := wireMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			wtc := wireToolCall{ID: tc.ID, Type: "function"}
			wtc.Function.Name = tc.Name
			wtc.Function.Arguments = tc.Arguments
			wm.ToolCalls = append(wm.ToolCalls, wtc)
		}
		wr.Messages[i] = wm
	}

	for _, t := range req.Tools {
		wt := wireTool{Type: "function"}
		wt.Function.Name = t.Name
		wt.Function.Description = t.Description
		wt.Function.Parameters = t.Parameters
		wr.Tools = append(wr.Tools, wt)
	}
	return wr
}

// FromWire converts an OpenAI response body into the internal shape.
func FromWire(body []byte) (*types.ChatResponse, error) {
	var wr wireResponse
	if err := json.Unmarshal(body, &wr); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if len(wr.Choices) == 0 {
		return nil, fmt.Errorf("no choices in response")
	}
	choice := wr.Choices[0]

	resp := &types.ChatResponse{
		ID:           wr.ID,
		Model:        wr.Model,
		Content:      choice.Message.Content.PlainText(),
		FinishReason: choice.FinishReason,
		Usage: types.TokenUsage{
			PromptTokens:     wr.Usage.PromptTokens,
			CompletionTokens: wr.Usage.CompletionTokens,
			TotalTokens:      wr.Usage.TotalTokens,
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		resp.ToolCalls = append(resp.ToolCalls, types.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return resp, nil
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
		return nil, &provider.CallError{Provider: c.name, Message: err.Error()}
	}
	resp, err := FromWire(data)
	if err != nil {
		return nil, &provider.CallError{Provider: c.name, Message: err.Error()}
	}
	return resp, nil
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

// scanStream reads SSE lines and emits canonical chunks, accumulating
// tool-call fragments by index until the stream ends.
func (c *Client) scanStream(ctx context.Context, body io.Reader, chunks chan<- types.StreamChunk) error {
	type tcAccumulator struct {
		id   string
		name string
		args strings.Builder
	}
	acc := map[int]*tcAccumulator{}
	var usage *types.TokenUsage

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
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			break
		}

		var chunk wireStreamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			continue
		}
		if chunk.Usage != nil {
			usage = &types.TokenUsage{
				PromptTokens:     chunk.Usage.PromptTokens,
				CompletionTokens: chunk.Usage.CompletionTokens,
				TotalTokens:      chunk.Usage.TotalTokens,
			}
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta

		if delta.Content != "" || delta.Role != "" {
			select {
			case chunks <- types.StreamChunk{Role: delta.Role, Content: delta.Content}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		for _, tc := range delta.ToolCalls {
			a, ok := acc[tc.Index]
			if !ok {
				a = &tcAccumulator{}
				acc[tc.Index] = a
			}
			if tc.ID != "" {
				a.id = tc.ID
			}
			if tc.Function.Name != "" {
				a.name = tc.Function.Name
			}
			a.args.WriteString(tc.Function.Arguments)
		}
	}
	if err := scanner.Err(); err != nil {
		return &provider.CallError{Provider: c.name, Message: err.Error()}
	}

	final := types.StreamChunk{Final: true, Usage: usage}
	indexes := make([]int, 0, len(acc))
	for i := range acc {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)
	for _, i := range indexes {
		a := acc[i]
		final.ToolCalls = append(final.ToolCalls, types.ToolCall{
			ID:        a.id,
			Name:      a.name,
			Arguments: a.args.String(),
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
		return nil, &provider.CallError{Provider: c.name, Message: err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, &provider.CallError{Provider: c.name, Message: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.keyFn != nil {
		req.Header.Set("Authorization", "Bearer "+c.keyFn())
	}
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &provider.CallError{Provider: c.name, Message: err.Error()}
	}
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &provider.CallError{
			Provider: c.name,
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
