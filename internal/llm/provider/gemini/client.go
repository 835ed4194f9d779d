// Package gemini implements the Google Gemini generateContent dialect.
//
// Conversions:
//   - the system message becomes systemInstruction
//   - the assistant role becomes "model"
//   - tool results become functionResponse parts inside a user content
//   - tool calls become functionCall parts; call ids are synthesized because
//     the dialect matches calls to responses by function name
//   - data: URI images become inlineData parts
package gemini

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
	DefaultBaseURL = "https://generativelanguage.googleapis.com"
)

// Client calls the Gemini API.
type Client struct {
	baseURL    string
	model      string
	keyFn      func() string
	httpClient *http.Client
}

// NewClient builds the Gemini client. keyFn is read per call.
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

func (c *Client) Name() string { return "gemini" }

func (c *Client) Available() bool { return c.keyFn != nil && c.keyFn() != "" }

// ─── Wire shapes ─────────────────────────────────────────────────────────────

type wirePart struct {
	Text             string            `json:"text,omitempty"`
	FunctionCall     *wireFunctionCall `json:"functionCall,omitempty"`
	FunctionResponse *wireFunctionResp `json:"functionResponse,omitempty"`
	InlineData       *wireInlineData   `json:"inlineData,omitempty"`
}

type wireFunctionCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

type wireFunctionResp struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type wireInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type wireContent struct {
	Role  string     `json:"role,omitempty"`
	Parts []wirePart `json:"parts"`
}

type wireRequest struct {
	SystemInstruction *wireContent     `json:"systemInstruction,omitempty"`
	Contents          []wireContent    `json:"contents"`
	Tools             []wireTools      `json:"tools,omitempty"`
	GenerationConfig  *wireGenerateCfg `json:"generationConfig,omitempty"`
}

type wireTools struct {
	FunctionDeclarations []wireFunctionDecl `json:"functionDeclarations"`
}

type wireFunctionDecl struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type wireGenerateCfg struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
}

type wireResponse struct {
	Candidates []struct {
		Content      wireContent `json:"content"`
		FinishReason string      `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata,omitempty"`
}

// ToWire converts the internal request to the Gemini dialect.
func ToWire(req *types.ChatRequest) *wireRequest {
	wr := &wireRequest{}
	if req.Temperature != nil || req.MaxTokens > 0 {
		wr.GenerationConfig = &wireGenerateCfg{
			Temperature:     req.Temperature,
			MaxOutputTokens: req.MaxTokens,
		}
	}

	// Tool results are matched back to their function names through the
	// assistant tool calls that issued them.
	callNames := map[string]string{}
	for _, m := range req.Messages {
		for _, tc := range m.ToolCalls {
			callNames[tc.ID] = tc.Name
		}
	}

	var system []string
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			system = append(system, m.Content.PlainText())
		case "assistant":
			content := wireContent{Role: "model"}
			if text := m.Content.PlainText(); text != "" {
				content.Parts = append(content.Parts, wirePart{Text: text})
			}
			for _, tc := range m.ToolCalls {
				args := json.RawMessage(tc.Arguments)
				if !json.Valid(args) {
					args = json.RawMessage("{}")
				}
				content.Parts = append(content.Parts, wirePart{
					FunctionCall: &wireFunctionCall{Name: tc.Name, Args: args},
				})
			}
			wr.Contents = append(wr.Contents, content)
		case "tool":
			part := wirePart{FunctionResponse: &wireFunctionResp{
				Name:     callNames[m.ToolCallID],
				Response: map[string]any{"content": m.Content.PlainText()},
			}}
			if n := len(wr.Contents); n > 0 && wr.Contents[n-1].Role == "user" && isFunctionResponse(wr.Contents[n-1]) {
				wr.Contents[n-1].Parts = append(wr.Contents[n-1].Parts, part)
			} else {
				wr.Contents = append(wr.Contents, wireContent{Role: "user", Parts: []wirePart{part}})
			}
		default: // user
			wr.Contents = append(wr.Contents, wireContent{
				Role:  "user",
				Parts: contentToParts(m.Content),
			})
		}
	}
	if len(system) > 0 {
		wr.SystemInstruction = &wireContent{
			Parts: []wirePart{{Text: strings.Join(system, "\n\n")}},
		}
	}

	if len(req.Tools) > 0 {
		decls := make([]wireFunctionDecl, len(req.Tools))
		for i, t := range req.Tools {
			decls[i] = wireFunctionDecl{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			}
		}
		wr.Tools = []wireTools{{FunctionDeclarations: decls}}
	}
	return wr
}

func isFunctionResponse(c wireContent) bool {
	return len(c.Parts) > 0 && c.Parts[0].FunctionResponse != nil
}

func contentToParts(c types.Content) []wirePart {
	if !c.IsMultipart() {
		return []wirePart{{Text: c.Text}}
	}
	var parts []wirePart
	for _, p := range c.Parts {
		switch p.Type {
		case "text":
			parts = append(parts, wirePart{Text: p.Text})
		case "image_url":
			if p.ImageURL == nil {
				continue
			}
			if rest, ok := strings.CutPrefix(p.ImageURL.URL, "data:"); ok {
				mimeType := "image/png"
				data := rest
				if semi := strings.Index(rest, ";base64,"); semi >= 0 {
					mimeType = rest[:semi]
					data = rest[semi+len(";base64,"):]
				}
				parts = append(parts, wirePart{InlineData: &wireInlineData{
					MimeType: mimeType,
					Data:     data,
				}})
			} else {
				// The dialect has no URL source; pass the reference as text.
				parts = append(parts, wirePart{Text: p.ImageURL.URL})
			}
		}
	}
	return parts
}

// FromWire converts a Gemini response body into the internal shape.
func FromWire(body []byte, model string) (*types.ChatResponse, error) {
	var wr wireResponse
	if err := json.Unmarshal(body, &wr); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if len(wr.Candidates) == 0 {
		return nil, fmt.Errorf("no candidates in response")
	}
	cand := wr.Candidates[0]

	resp := &types.ChatResponse{Model: model}
	var text strings.Builder
	for i, part := range cand.Content.Parts {
		if part.Text != "" {
			text.WriteString(part.Text)
		}
		if part.FunctionCall != nil {
			args := string(part.FunctionCall.Args)
			if args == "" {
				args = "{}"
			}
			resp.ToolCalls = append(resp.ToolCalls, types.ToolCall{
				ID:        fmt.Sprintf("call_%d", i),
				Name:      part.FunctionCall.Name,
				Arguments: args,
			})
		}
	}
	resp.Content = text.String()

	switch {
	case len(resp.ToolCalls) > 0:
		resp.FinishReason = "tool_calls"
	case cand.FinishReason == "MAX_TOKENS":
		resp.FinishReason = "length"
	default:
		resp.FinishReason = "stop"
	}

	if wr.UsageMetadata != nil {
		resp.Usage = types.TokenUsage{
			PromptTokens:     wr.UsageMetadata.PromptTokenCount,
			CompletionTokens: wr.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      wr.UsageMetadata.TotalTokenCount,
		}
	}
	return resp, nil
}

// ─── Calls ───────────────────────────────────────────────────────────────────

func (c *Client) Chat(ctx context.Context, req *types.ChatRequest) (*types.ChatResponse, error) {
	model := c.resolveModel(req.Model)
	body, err := c.post(ctx, ToWire(req), model, false)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, &provider.CallError{Provider: "gemini", Message: err.Error()}
	}
	resp, err := FromWire(data, model)
	if err != nil {
		return nil, &provider.CallError{Provider: "gemini", Message: err.Error()}
	}
	return resp, nil
}

func (c *Client) ChatStream(ctx context.Context, req *types.ChatRequest) (<-chan types.StreamChunk, <-chan error) {
	chunks := make(chan types.StreamChunk, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		model := c.resolveModel(req.Model)
		body, err := c.post(ctx, ToWire(req), model, true)
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

// scanStream reads the alt=sse framing: each data: line is a full response
// fragment with partial candidate content.
func (c *Client) scanStream(ctx context.Context, body io.Reader, chunks chan<- types.StreamChunk) error {
	var toolCalls []types.ToolCall
	var usage *types.TokenUsage
	started := false

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

		var wr wireResponse
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &wr); err != nil {
			continue
		}
		if wr.UsageMetadata != nil {
			usage = &types.TokenUsage{
				PromptTokens:     wr.UsageMetadata.PromptTokenCount,
				CompletionTokens: wr.UsageMetadata.CandidatesTokenCount,
				TotalTokens:      wr.UsageMetadata.TotalTokenCount,
			}
		}
		if len(wr.Candidates) == 0 {
			continue
		}

		for _, part := range wr.Candidates[0].Content.Parts {
			if part.Text != "" {
				chunk := types.StreamChunk{Content: part.Text}
				if !started {
					chunk.Role = "assistant"
					started = true
				}
				select {
				case chunks <- chunk:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			if part.FunctionCall != nil {
				args := string(part.FunctionCall.Args)
				if args == "" {
					args = "{}"
				}
				toolCalls = append(toolCalls, types.ToolCall{
					ID:        fmt.Sprintf("call_%d", len(toolCalls)),
					Name:      part.FunctionCall.Name,
					Arguments: args,
				})
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return &provider.CallError{Provider: "gemini", Message: err.Error()}
	}

	select {
	case chunks <- types.StreamChunk{Final: true, ToolCalls: toolCalls, Usage: usage}:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (c *Client) post(ctx context.Context, payload any, model string, stream bool) (io.ReadCloser, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &provider.CallError{Provider: "gemini", Message: err.Error()}
	}

	verb := "generateContent"
	if stream {
		verb = "streamGenerateContent?alt=sse"
	}
	url := fmt.Sprintf("%s/v1beta/models/%s:%s", c.baseURL, model, verb)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &provider.CallError{Provider: "gemini", Message: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", c.keyFn())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &provider.CallError{Provider: "gemini", Message: err.Error()}
	}
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &provider.CallError{
			Provider: "gemini",
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
