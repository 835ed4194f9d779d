package loop

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/torbobase/torbo/internal/access"
	"github.com/torbobase/torbo/internal/llm/types"
)

// scriptedChatter returns one canned turn per round and records the request
// each round saw.
type scriptedChatter struct {
	turns []turn
	seen  [][]types.Message
}

type turn struct {
	resp *types.ChatResponse
	err  error
}

func (s *scriptedChatter) next() (turn, error) {
	if len(s.seen) > len(s.turns) {
		return turn{}, errors.New("script exhausted")
	}
	return s.turns[len(s.seen)-1], nil
}

func (s *scriptedChatter) Chat(ctx context.Context, req *types.ChatRequest) (*types.ChatResponse, string, error) {
	s.seen = append(s.seen, req.Messages)
	t, err := s.next()
	if err != nil {
		return nil, "", err
	}
	return t.resp, "local", t.err
}

func (s *scriptedChatter) ChatStream(ctx context.Context, req *types.ChatRequest) (<-chan types.StreamChunk, <-chan error, string, error) {
	s.seen = append(s.seen, req.Messages)
	t, err := s.next()
	if err != nil {
		return nil, nil, "", err
	}

	chunks := make(chan types.StreamChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		if t.err != nil {
			errs <- t.err
			return
		}
		if t.resp.Content != "" {
			chunks <- types.StreamChunk{Content: t.resp.Content}
		}
		usage := t.resp.Usage
		chunks <- types.StreamChunk{Final: true, ToolCalls: t.resp.ToolCalls, Usage: &usage}
	}()
	return chunks, errs, "local", nil
}

// recordingExecutor returns a canned result per tool call and records them.
type recordingExecutor struct {
	calls []types.ToolCall
}

func (e *recordingExecutor) Execute(ctx context.Context, call types.ToolCall, agent *access.Agent, effective access.Level) types.Message {
	e.calls = append(e.calls, call)
	return types.Message{
		Role:       "tool",
		ToolCallID: call.ID,
		Content:    types.TextContent("result for " + call.Name),
	}
}

func testAgent() *access.Agent {
	agents := access.DefaultAgents()
	return &agents[0]
}

func userReq(text string) *types.ChatRequest {
	return &types.ChatRequest{
		Model:    "auto",
		Messages: []types.Message{{Role: "user", Content: types.TextContent(text)}},
	}
}

func TestRunPlainAnswer(t *testing.T) {
	chatter := &scriptedChatter{turns: []turn{
		{resp: &types.ChatResponse{Content: "hi there", FinishReason: "stop",
			Usage: types.TokenUsage{PromptTokens: 5, CompletionTokens: 2, TotalTokens: 7}}},
	}}
	exec := &recordingExecutor{}
	r := NewRunner(chatter, exec, zap.NewNop())

	res, err := r.Run(context.Background(), userReq("hello"), testAgent(), access.LevelChat)
	require.NoError(t, err)

	assert.Equal(t, "hi there", res.Response.Content)
	assert.Equal(t, "local", res.Provider)
	assert.Equal(t, 1, res.Rounds)
	assert.False(t, res.Truncated)
	assert.Empty(t, exec.calls)
}

func TestRunExecutesToolsAndFeedsResultsBack(t *testing.T) {
	chatter := &scriptedChatter{turns: []turn{
		{resp: &types.ChatResponse{
			Content:      "let me check",
			FinishReason: "tool_calls",
			ToolCalls: []types.ToolCall{
				{ID: "c1", Name: "read_file", Arguments: `{"path":"notes.txt"}`},
				{ID: "c2", Name: "web_search", Arguments: `{"query":"go"}`},
			},
			Usage: types.TokenUsage{PromptTokens: 10, CompletionTokens: 4, TotalTokens: 14},
		}},
		{resp: &types.ChatResponse{Content: "done", FinishReason: "stop",
			Usage: types.TokenUsage{PromptTokens: 20, CompletionTokens: 3, TotalTokens: 23}}},
	}}
	exec := &recordingExecutor{}
	r := NewRunner(chatter, exec, zap.NewNop())

	res, err := r.Run(context.Background(), userReq("check things"), testAgent(), access.LevelChat)
	require.NoError(t, err)

	assert.Equal(t, "done", res.Response.Content)
	assert.Equal(t, 2, res.Rounds)
	require.Len(t, exec.calls, 2)
	assert.Equal(t, "read_file", exec.calls[0].Name)
	assert.Equal(t, "web_search", exec.calls[1].Name)

	// Round two sees the original turn, the assistant turn, and both results.
	require.Len(t, chatter.seen, 2)
	round2 := chatter.seen[1]
	require.Len(t, round2, 4)
	assert.Equal(t, "assistant", round2[1].Role)
	require.Len(t, round2[1].ToolCalls, 2)
	assert.Equal(t, "tool", round2[2].Role)
	assert.Equal(t, "c1", round2[2].ToolCallID)
	assert.Equal(t, "result for read_file", round2[2].Content.PlainText())
	assert.Equal(t, "c2", round2[3].ToolCallID)

	assert.Equal(t, 37, res.Response.Usage.TotalTokens, "usage accumulates across rounds")
}

func TestRunTruncatesAtRoundBound(t *testing.T) {
	var turns []turn
	for i := 0; i < MaxRounds; i++ {
		turns = append(turns, turn{resp: &types.ChatResponse{
			Content:      fmt.Sprintf("round %d", i+1),
			FinishReason: "tool_calls",
			ToolCalls:    []types.ToolCall{{ID: fmt.Sprintf("c%d", i), Name: "web_search", Arguments: "{}"}},
			Usage:        types.TokenUsage{TotalTokens: 1},
		}})
	}
	chatter := &scriptedChatter{turns: turns}
	exec := &recordingExecutor{}
	r := NewRunner(chatter, exec, zap.NewNop())

	res, err := r.Run(context.Background(), userReq("loop forever"), testAgent(), access.LevelChat)
	require.NoError(t, err)

	assert.True(t, res.Truncated)
	assert.Equal(t, MaxRounds, res.Rounds)
	assert.Equal(t, fmt.Sprintf("round %d", MaxRounds), res.Response.Content,
		"last assistant text survives the cutoff")
	assert.Empty(t, res.Response.ToolCalls, "pending calls are dropped")
	assert.Len(t, exec.calls, MaxRounds-1, "the final round's calls never execute")
	assert.Equal(t, MaxRounds, res.Response.Usage.TotalTokens)
}

func TestRunPropagatesProviderError(t *testing.T) {
	chatter := &scriptedChatter{turns: []turn{{err: errors.New("all providers failed")}}}
	r := NewRunner(chatter, &recordingExecutor{}, zap.NewNop())

	_, err := r.Run(context.Background(), userReq("hi"), testAgent(), access.LevelChat)
	assert.ErrorContains(t, err, "all providers failed")
}

func TestRunStreamForwardsChunksAcrossRounds(t *testing.T) {
	chatter := &scriptedChatter{turns: []turn{
		{resp: &types.ChatResponse{
			Content:   "checking",
			ToolCalls: []types.ToolCall{{ID: "c1", Name: "web_search", Arguments: `{"query":"go"}`}},
			Usage:     types.TokenUsage{TotalTokens: 5},
		}},
		{resp: &types.ChatResponse{Content: "all done", Usage: types.TokenUsage{TotalTokens: 9}}},
	}}
	exec := &recordingExecutor{}
	r := NewRunner(chatter, exec, zap.NewNop())

	var emitted string
	res, err := r.RunStream(context.Background(), userReq("search"), testAgent(), access.LevelChat,
		func(c types.StreamChunk) error {
			emitted += c.Content
			return nil
		})
	require.NoError(t, err)

	assert.Equal(t, "checkingall done", emitted, "both rounds stream on one connection")
	assert.Equal(t, "all done", res.Response.Content)
	assert.Equal(t, 2, res.Rounds)
	assert.False(t, res.Truncated)
	require.Len(t, exec.calls, 1)
	assert.Equal(t, 14, res.Response.Usage.TotalTokens)
}

func TestRunStreamTruncatesAtRoundBound(t *testing.T) {
	var turns []turn
	for i := 0; i < MaxRounds; i++ {
		turns = append(turns, turn{resp: &types.ChatResponse{
			Content:   "still going",
			ToolCalls: []types.ToolCall{{ID: fmt.Sprintf("c%d", i), Name: "web_search", Arguments: "{}"}},
		}})
	}
	chatter := &scriptedChatter{turns: turns}
	exec := &recordingExecutor{}
	r := NewRunner(chatter, exec, zap.NewNop())

	res, err := r.RunStream(context.Background(), userReq("loop"), testAgent(), access.LevelChat,
		func(types.StreamChunk) error { return nil })
	require.NoError(t, err)

	assert.True(t, res.Truncated)
	assert.Equal(t, MaxRounds, res.Rounds)
	assert.Len(t, exec.calls, MaxRounds-1)
}

func TestRunAlwaysTerminatesWithinBound(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)
	properties.Property("rounds never exceed the bound", prop.ForAll(
		func(toolTurns int) bool {
			var turns []turn
			for i := 0; i < toolTurns; i++ {
				turns = append(turns, turn{resp: &types.ChatResponse{
					FinishReason: "tool_calls",
					ToolCalls:    []types.ToolCall{{ID: fmt.Sprintf("c%d", i), Name: "web_search", Arguments: "{}"}},
				}})
			}
			turns = append(turns, turn{resp: &types.ChatResponse{Content: "done", FinishReason: "stop"}})

			r := NewRunner(&scriptedChatter{turns: turns}, &recordingExecutor{}, zap.NewNop())
			res, err := r.Run(context.Background(), userReq("go"), testAgent(), access.LevelChat)
			if err != nil {
				return false
			}
			if res.Rounds > MaxRounds {
				return false
			}
			// Truncation happens exactly when the script would run longer.
			return res.Truncated == (toolTurns >= MaxRounds)
		},
		gen.IntRange(0, 20),
	))
	properties.TestingRun(t)
}

func TestRunStreamStopsWhenClientGoesAway(t *testing.T) {
	chatter := &scriptedChatter{turns: []turn{
		{resp: &types.ChatResponse{Content: "long answer"}},
	}}
	r := NewRunner(chatter, &recordingExecutor{}, zap.NewNop())

	clientGone := errors.New("client disconnected")
	_, err := r.RunStream(context.Background(), userReq("hi"), testAgent(), access.LevelChat,
		func(types.StreamChunk) error { return clientGone })
	assert.ErrorIs(t, err, clientGone)
}
