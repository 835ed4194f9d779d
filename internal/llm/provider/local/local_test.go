package local

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/torbobase/torbo/internal/llm/provider/openai"
	"github.com/torbobase/torbo/internal/llm/types"
)

func TestSupervisorHealthAndModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/tags" {
			fmt.Fprint(w, `{"models":[{"name":"llama3.1:8b"},{"name":"qwen2.5-coder:7b"}]}`)
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	s := NewSupervisor(srv.URL, "", zap.NewNop())
	assert.True(t, s.Healthy(context.Background()))

	names, err := s.ModelNames(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"llama3.1:8b", "qwen2.5-coder:7b"}, names)
}

func TestSupervisorUnhealthyWhenDown(t *testing.T) {
	s := NewSupervisor("http://127.0.0.1:1", "", zap.NewNop())
	assert.False(t, s.Healthy(context.Background()))

	err := s.EnsureRunning(context.Background())
	require.Error(t, err, "no daemon and no binary to launch")
}

func TestSupervisorBinaryProbe(t *testing.T) {
	s := NewSupervisor("http://127.0.0.1:1", "/nonexistent/ollama", zap.NewNop())
	assert.Empty(t, s.BinaryPath(), "configured binary must exist")
}

func TestClientDelegatesToCompatEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			fmt.Fprint(w, `{"models":[]}`)
		case "/v1/chat/completions":
			assert.Empty(t, r.Header.Get("Authorization"), "local daemon needs no key")
			fmt.Fprint(w, `{"id":"x","model":"llama3.1:8b","choices":[{"message":{"role":"assistant","content":"local says hi"},"finish_reason":"stop"}]}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	sup := NewSupervisor(srv.URL, "", zap.NewNop())
	c := NewClient(openai.NewCompatible("local", srv.URL+"/v1", "llama3.1:8b"), sup)

	assert.Equal(t, "local", c.Name())
	assert.True(t, c.Available())

	resp, err := c.Chat(context.Background(), &types.ChatRequest{
		Messages: []types.Message{{Role: "user", Content: types.TextContent("hi")}},
	})
	require.NoError(t, err)
	assert.Equal(t, "local says hi", resp.Content)
}
