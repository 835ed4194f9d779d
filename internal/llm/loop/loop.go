// Package loop orchestrates the bounded provider-call / tool-execute cycle
// behind chat completions.
//
// Each round sends the conversation upstream; if the reply carries tool
// calls they are executed and their results appended, then the provider is
// called again. The cycle is bounded; on hitting the bound the last
// assistant text is returned with a truncation marker.
package loop

import (
	"context"

	"go.uber.org/zap"

	"github.com/torbobase/torbo/internal/access"
	"github.com/torbobase/torbo/internal/llm/types"
	"github.com/torbobase/torbo/internal/metrics"
)

// MaxRounds bounds the provider rounds per completion.
const MaxRounds = 8

// Chatter is the multiplexer surface the loop drives.
type Chatter interface {
	Chat(ctx context.Context, req *types.ChatRequest) (*types.ChatResponse, string, error)
	ChatStream(ctx context.Context, req *types.ChatRequest) (<-chan types.StreamChunk, <-chan error, string, error)
}

// ToolExecutor runs one tool call and returns its tool-result message.
type ToolExecutor interface {
	Execute(ctx context.Context, call types.ToolCall, agent *access.Agent, effective access.Level) types.Message
}

// Result is the outcome of a completed loop.
type Result struct {
	Response *types.ChatResponse
	Provider string
	Rounds   int

	// Truncated is set when the round bound was hit with tool calls still
	// pending; the response carries the last assistant text.
	Truncated bool
}

// Runner drives the loop for one request at a time.
type Runner struct {
	chatter  Chatter
	executor ToolExecutor
	log      *zap.Logger
}

// NewRunner builds a loop runner.
func NewRunner(chatter Chatter, executor ToolExecutor, log *zap.Logger) *Runner {
	return &Runner{chatter: chatter, executor: executor, log: log}
}

// Run executes the buffered loop.
func (r *Runner) Run(ctx context.Context, req *types.ChatRequest, agent *access.Agent, effective access.Level) (*Result, error) {
	messages := append([]types.Message(nil), req.Messages...)
	var usage types.TokenUsage
	var lastProvider string

	for round := 1; round <= MaxRounds; round++ {
		roundReq := *req
		roundReq.Messages = messages
		roundReq.Stream = false

		resp, providerName, err := r.chatter.Chat(ctx, &roundReq)
		if err != nil {
			return nil, err
		}
		lastProvider = providerName
		usage.Add(resp.Usage)

		if len(resp.ToolCalls) == 0 {
			metrics.ToolLoopRounds.Observe(float64(round))
			resp.Usage = usage
			return &Result{Response: resp, Provider: providerName, Rounds: round}, nil
		}

		if round == MaxRounds {
			metrics.ToolLoopRounds.Observe(float64(round))
			resp.Usage = usage
			resp.ToolCalls = nil
			return &Result{Response: resp, Provider: providerName, Rounds: round, Truncated: true}, nil
		}

		messages = r.executeRound(ctx, messages, resp.Content, resp.ToolCalls, agent, effective)
	}

	// Unreachable: the round bound returns inside the loop.
	return &Result{Provider: lastProvider, Rounds: MaxRounds, Truncated: true,
		Response: &types.ChatResponse{Usage: usage}}, nil
}

// RunStream executes the streaming loop. Non-final chunks are forwarded to
// emit as they arrive; between rounds the stream keeps flowing on the same
// connection. emit returning an error aborts the loop (client went away).
func (r *Runner) RunStream(ctx context.Context, req *types.ChatRequest, agent *access.Agent, effective access.Level, emit func(types.StreamChunk) error) (*Result, error) {
	messages := append([]types.Message(nil), req.Messages...)
	var usage types.TokenUsage

	for round := 1; round <= MaxRounds; round++ {
		roundReq := *req
		roundReq.Messages = messages
		roundReq.Stream = true

		chunks, errs, providerName, err := r.chatter.ChatStream(ctx, &roundReq)
		if err != nil {
			return nil, err
		}

		var text string
		var final *types.StreamChunk
		for chunk := range chunks {
			if chunk.Final {
				f := chunk
				final = &f
				continue
			}
			text += chunk.Content
			if err := emit(chunk); err != nil {
				return nil, err
			}
		}
		if err := <-errs; err != nil {
			return nil, err
		}

		if final != nil && final.Usage != nil {
			usage.Add(*final.Usage)
		}

		if final == nil || len(final.ToolCalls) == 0 {
			metrics.ToolLoopRounds.Observe(float64(round))
			return &Result{
				Response: &types.ChatResponse{Content: text, FinishReason: "stop", Usage: usage},
				Provider: providerName,
				Rounds:   round,
			}, nil
		}

		if round == MaxRounds {
			metrics.ToolLoopRounds.Observe(float64(round))
			return &Result{
				Response:  &types.ChatResponse{Content: text, FinishReason: "stop", Usage: usage},
				Provider:  providerName,
				Rounds:    round,
				Truncated: true,
			}, nil
		}

		messages = r.executeRound(ctx, messages, text, final.ToolCalls, agent, effective)
	}

	return nil, ctx.Err()
}

// executeRound appends the assistant turn and the tool results for its calls.
func (r *Runner) executeRound(ctx context.Context, messages []types.Message, assistantText string, calls []types.ToolCall, agent *access.Agent, effective access.Level) []types.Message {
	messages = append(messages, types.Message{
		Role:      "assistant",
		Content:   types.TextContent(assistantText),
		ToolCalls: calls,
	})
	for _, call := range calls {
		r.log.Debug("executing tool call",
			zap.String("tool", call.Name),
			zap.String("call_id", call.ID),
			zap.String("agent", agent.ID))
		messages = append(messages, r.executor.Execute(ctx, call, agent, effective))
	}
	return messages
}
