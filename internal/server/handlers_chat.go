package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/torbobase/torbo/internal/access"
	"github.com/torbobase/torbo/internal/llm/mux"
	"github.com/torbobase/torbo/internal/llm/provider"
	"github.com/torbobase/torbo/internal/llm/types"
	"github.com/torbobase/torbo/internal/metrics"
	"github.com/torbobase/torbo/internal/tools"
)

// chatCompletionsRequest is the public OpenAI-compatible request shape.
type chatCompletionsRequest struct {
	Model       string          `json:"model"`
	Messages    []types.Message `json:"messages"`
	Tools       []wireToolDef   `json:"tools,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	ToolChoice  json.RawMessage `json:"tool_choice,omitempty"`
}

type wireToolDef struct {
	Type     string     `json:"type"`
	Function types.Tool `json:"function"`
}

// wireToolCall is the OpenAI tool-call shape for responses.
type wireToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type completionEnvelope struct {
	ID       string             `json:"id"`
	Object   string             `json:"object"`
	Created  int64              `json:"created"`
	Model    string             `json:"model"`
	Provider string             `json:"provider,omitempty"`
	Choices  []completionChoice `json:"choices"`
	Usage    types.TokenUsage   `json:"usage"`

	ToolLoopTruncated bool `json:"toolLoopTruncated,omitempty"`
}

type completionChoice struct {
	Index        int               `json:"index"`
	Message      completionMessage `json:"message"`
	FinishReason string            `json:"finish_reason"`
}

type completionMessage struct {
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	ToolCalls []wireToolCall `json:"tool_calls,omitempty"`
}

type chunkEnvelope struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []chunkChoice `json:"choices"`
}

type chunkChoice struct {
	Index        int        `json:"index"`
	Delta        chunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

type chunkDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var wire chatCompletionsRequest
	if err := json.NewDecoder(r.Body).Decode(&wire); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}
	if len(wire.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "messages cannot be empty")
		return
	}

	agent := s.resolveAgent(r)
	settings := s.settings.Current()
	effective := access.Effective(settings.AccessLevel, agent.AccessLevel)

	req := &types.ChatRequest{
		Model:       wire.Model,
		Messages:    wire.Messages,
		Stream:      wire.Stream,
		Temperature: wire.Temperature,
		MaxTokens:   wire.MaxTokens,
		ToolChoice:  decodeToolChoice(wire.ToolChoice),
	}
	if req.Model == "" {
		req.Model = "auto"
	}
	for _, t := range wire.Tools {
		req.Tools = append(req.Tools, t.Function)
	}
	// Advertise the built-in catalogue the agent's level allows, after any
	// client-supplied tools.
	req.Tools = append(req.Tools, tools.Visible(effective, agent, settings.DisabledCategories)...)

	if req.Stream {
		s.streamCompletion(w, r, req, agent, effective)
		return
	}

	result, err := s.runner.Run(r.Context(), req, agent, effective)
	if err != nil {
		s.writeUpstreamError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, buildEnvelope(result.Response, result.Provider, result.Truncated))
}

func buildEnvelope(resp *types.ChatResponse, providerName string, truncated bool) completionEnvelope {
	id := resp.ID
	if id == "" {
		id = "chatcmpl-" + uuid.NewString()
	}
	msg := completionMessage{Role: "assistant", Content: resp.Content}
	for _, tc := range resp.ToolCalls {
		wtc := wireToolCall{ID: tc.ID, Type: "function"}
		wtc.Function.Name = tc.Name
		wtc.Function.Arguments = tc.Arguments
		msg.ToolCalls = append(msg.ToolCalls, wtc)
	}
	finish := resp.FinishReason
	if finish == "" {
		finish = "stop"
	}
	return completionEnvelope{
		ID:                id,
		Object:            "chat.completion",
		Created:           time.Now().Unix(),
		Model:             resp.Model,
		Provider:          providerName,
		Choices:           []completionChoice{{Message: msg, FinishReason: finish}},
		Usage:             resp.Usage,
		ToolLoopTruncated: truncated,
	}
}

// streamCompletion runs the streaming loop and frames every delta as an SSE
// chat.completion.chunk. The whole loop, tool rounds included, rides one
// connection; the client sees a single logical stream.
func (s *Server) streamCompletion(w http.ResponseWriter, r *http.Request, req *types.ChatRequest, agent *access.Agent, effective access.Level) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	metrics.ActiveStreams.Inc()
	defer metrics.ActiveStreams.Dec()

	id := "chatcmpl-" + uuid.NewString()
	created := time.Now().Unix()
	headersSent := false

	sendChunk := func(delta chunkDelta, finish *string) error {
		if !headersSent {
			w.Header().Set("Content-Type", "text/event-stream")
			w.Header().Set("Cache-Control", "no-cache")
			w.Header().Set("Connection", "keep-alive")
			w.WriteHeader(http.StatusOK)
			headersSent = true
		}
		env := chunkEnvelope{
			ID:      id,
			Object:  "chat.completion.chunk",
			Created: created,
			Model:   req.Model,
			Choices: []chunkChoice{{Delta: delta, FinishReason: finish}},
		}
		payload, err := json.Marshal(env)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
			return err
		}
		flusher.Flush()
		return r.Context().Err()
	}

	if err := sendChunk(chunkDelta{Role: "assistant"}, nil); err != nil {
		return
	}

	result, err := s.runner.RunStream(r.Context(), req, agent, effective,
		func(c types.StreamChunk) error {
			return sendChunk(chunkDelta{Content: c.Content}, nil)
		})
	if err != nil {
		if headersSent {
			// Too late for a status code; end the stream with the error.
			s.log.Warn("stream failed mid-flight", zap.Error(err))
			fmt.Fprintf(w, "data: %s\n\n", streamErrorPayload(err))
			flusher.Flush()
			return
		}
		s.writeUpstreamError(w, err)
		return
	}

	finish := "stop"
	if err := sendChunk(chunkDelta{}, &finish); err != nil {
		return
	}
	if result.Truncated {
		fmt.Fprint(w, "data: {\"toolLoopTruncated\":true}\n\n")
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func streamErrorPayload(err error) []byte {
	payload, _ := json.Marshal(map[string]string{"error": err.Error()})
	return payload
}

// writeUpstreamError maps loop and provider failures to HTTP statuses.
func (s *Server) writeUpstreamError(w http.ResponseWriter, err error) {
	if errors.Is(err, context.Canceled) {
		return // client went away
	}
	if errors.Is(err, mux.ErrBusy) {
		writeError(w, http.StatusServiceUnavailable, "server busy, try again")
		return
	}
	var ce *provider.CallError
	if errors.As(err, &ce) {
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error":     ce.Message,
			"provider":  ce.Provider,
			"retryable": ce.Retryable(),
		})
		return
	}
	if errors.Is(err, mux.ErrNoProvider) {
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error":     "no provider available",
			"retryable": true,
		})
		return
	}
	s.log.Error("chat completion failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal error")
}

// decodeToolChoice accepts "auto"/"none"/"required" or the OpenAI forced
// form `{"type":"function","function":{"name":...}}`.
func decodeToolChoice(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var forced struct {
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := json.Unmarshal(raw, &forced); err == nil && forced.Function.Name != "" {
		return forced.Function.Name
	}
	return ""
}

// handleModels lists local daemon models plus the configured cloud models
// whose providers hold keys.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	type model struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		OwnedBy string `json:"owned_by"`
	}
	out := []model{}

	if s.supervisor != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		names, err := s.supervisor.ModelNames(ctx)
		cancel()
		if err == nil {
			for _, name := range names {
				out = append(out, model{ID: name, Object: "model", OwnedBy: "local"})
			}
		}
	}

	cloud := map[string]string{
		"openai":    s.cfg.Providers.OpenAIModel,
		"anthropic": s.cfg.Providers.AnthropicModel,
		"gemini":    s.cfg.Providers.GeminiModel,
	}
	for _, p := range s.providers {
		name, ok := cloud[p.Name()]
		if !ok || name == "" || !p.Available() {
			continue
		}
		out = append(out, model{ID: name, Object: "model", OwnedBy: p.Name()})
	}

	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": out})
}
