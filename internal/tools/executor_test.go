package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/torbobase/torbo/internal/access"
	"github.com/torbobase/torbo/internal/collab"
	"github.com/torbobase/torbo/internal/config"
	"github.com/torbobase/torbo/internal/llm/types"
)

func newTestExecutor(t *testing.T, collabs *collab.Registry) *Executor {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Tools.WorkingDir = t.TempDir()
	rt := config.NewRuntime(cfg.Settings)
	return NewExecutor(cfg, rt, collabs, nil, zap.NewNop())
}

func mustArgs(t *testing.T, v any) string {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return string(data)
}

func exec1(e *Executor, name, args string, agent *access.Agent, effective access.Level) types.Message {
	return e.Execute(context.Background(), types.ToolCall{ID: "call_1", Name: name, Arguments: args}, agent, effective)
}

func TestExecuteLevelRecheck(t *testing.T) {
	e := newTestExecutor(t, nil)
	agent := &access.Agent{ID: "a", AccessLevel: access.LevelChat}

	msg := exec1(e, "read_file", `{"path":"/tmp/x"}`, agent, access.LevelChat)
	assert.Equal(t, "tool", msg.Role)
	assert.Equal(t, "call_1", msg.ToolCallID)
	assert.Equal(t, "BLOCKED: requires read access level", msg.Content.PlainText())
}

func TestExecuteInvalidArguments(t *testing.T) {
	e := newTestExecutor(t, nil)
	agent := &access.Agent{ID: "a"}

	msg := exec1(e, "read_file", `{not json`, agent, access.LevelRead)
	assert.Equal(t, "Error: invalid arguments", msg.Content.PlainText())
}

func TestExecuteUnknownTool(t *testing.T) {
	e := newTestExecutor(t, nil)
	agent := &access.Agent{ID: "a"}

	msg := exec1(e, "teleport", `{}`, agent, access.LevelFull)
	assert.Contains(t, msg.Content.PlainText(), "unknown tool")
}

func TestExecuteCategoryDisabled(t *testing.T) {
	e := newTestExecutor(t, nil)
	e.settings.Update(func(s *config.Settings) {
		s.DisabledCategories = map[string]bool{CategoryFiles: true}
	})
	agent := &access.Agent{ID: "a"}

	msg := exec1(e, "read_file", `{"path":"/tmp/x"}`, agent, access.LevelRead)
	assert.Equal(t, "BLOCKED: files tools are disabled", msg.Content.PlainText())
}

func TestReadAndListWithinScope(t *testing.T) {
	e := newTestExecutor(t, nil)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hello"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))

	agent := &access.Agent{ID: "a", DirectoryScopes: []string{dir}}

	msg := exec1(e, "read_file", mustArgs(t, map[string]string{"path": filepath.Join(dir, "a.txt")}), agent, access.LevelRead)
	assert.Equal(t, "hello", msg.Content.PlainText())

	msg = exec1(e, "list_directory", mustArgs(t, map[string]string{"path": dir}), agent, access.LevelRead)
	listing := msg.Content.PlainText()
	assert.Contains(t, listing, "a.txt")
	assert.Contains(t, listing, "sub/")

	// Traversal out of scope is rejected.
	escape := filepath.Join(dir, "..", "secret.txt")
	msg = exec1(e, "read_file", mustArgs(t, map[string]string{"path": escape}), agent, access.LevelRead)
	assert.Equal(t, "BLOCKED: outside allowed directories", msg.Content.PlainText())
}

func TestWriteFileBacksUpPrevious(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	e := newTestExecutor(t, nil)
	dir := filepath.Join(home, "project")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	target := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(target, []byte("old"), 0o644))

	agent := &access.Agent{ID: "a", DirectoryScopes: []string{dir}}

	msg := exec1(e, "write_file", mustArgs(t, map[string]string{"path": target, "content": "new"}), agent, access.LevelWrite)
	assert.Contains(t, msg.Content.PlainText(), "Wrote 3 bytes")

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))

	backups, err := os.ReadDir(filepath.Join(home, ".torbo-backup"))
	require.NoError(t, err)
	require.Len(t, backups, 1)
	assert.True(t, strings.HasSuffix(backups[0].Name(), "_notes.txt"))

	backed, err := os.ReadFile(filepath.Join(home, ".torbo-backup", backups[0].Name()))
	require.NoError(t, err)
	assert.Equal(t, "old", string(backed))
}

func TestWriteFileCoreLock(t *testing.T) {
	e := newTestExecutor(t, nil)
	dir := t.TempDir()
	agent := &access.Agent{ID: "a", DirectoryScopes: []string{dir}}

	msg := exec1(e, "write_file", mustArgs(t, map[string]string{
		"path":    filepath.Join(dir, "go.mod"),
		"content": "module x",
	}), agent, access.LevelWrite)
	assert.Equal(t, "BLOCKED: core file is write-locked", msg.Content.PlainText())
}

func TestRunCommand(t *testing.T) {
	e := newTestExecutor(t, nil)
	agent := &access.Agent{ID: "a"}

	msg := exec1(e, "run_command", `{"command":"echo hello"}`, agent, access.LevelExec)
	assert.Equal(t, "hello\n", msg.Content.PlainText())

	// Destructive below FULL is refused.
	msg = exec1(e, "run_command", `{"command":"rm -r build"}`, agent, access.LevelExec)
	assert.Equal(t, "BLOCKED: destructive command requires full access level", msg.Content.PlainText())

	// Catastrophic patterns stay blocked even at FULL.
	msg = exec1(e, "run_command", `{"command":"sudo rm -rf /"}`, agent, access.LevelFull)
	assert.Equal(t, "BLOCKED: catastrophic command pattern", msg.Content.PlainText())
}

func TestRunCommandWorkingDirScoped(t *testing.T) {
	e := newTestExecutor(t, nil)
	dir := t.TempDir()
	agent := &access.Agent{ID: "a", DirectoryScopes: []string{dir}}

	msg := exec1(e, "run_command", mustArgs(t, map[string]string{
		"command": "pwd", "working_dir": dir,
	}), agent, access.LevelExec)
	assert.False(t, strings.HasPrefix(msg.Content.PlainText(), "BLOCKED"))
	assert.Contains(t, msg.Content.PlainText(), filepath.Base(dir))

	// A working_dir outside the scopes is refused before anything runs.
	msg = exec1(e, "run_command", mustArgs(t, map[string]string{
		"command": "pwd", "working_dir": filepath.Join(dir, ".."),
	}), agent, access.LevelExec)
	assert.Equal(t, "BLOCKED: outside allowed directories", msg.Content.PlainText())
}

func TestWebFetchRejectsPrivateTargets(t *testing.T) {
	e := newTestExecutor(t, nil)
	agent := &access.Agent{ID: "a"}

	for _, url := range []string{
		"file:///etc/passwd",
		"http://localhost:8420/health",
		"http://169.254.169.254/latest/meta-data/",
		"http://metadata.google.internal/",
	} {
		msg := exec1(e, "web_fetch", mustArgs(t, map[string]string{"url": url}), agent, access.LevelChat)
		assert.True(t, strings.HasPrefix(msg.Content.PlainText(), "BLOCKED:"), url)
	}
}

type fakeSearch struct{ hits []collab.SearchResult }

func (f fakeSearch) Search(context.Context, string, int) ([]collab.SearchResult, error) {
	return f.hits, nil
}

func TestWebSearchFormatsResults(t *testing.T) {
	e := newTestExecutor(t, &collab.Registry{Search: fakeSearch{hits: []collab.SearchResult{
		{Title: "Go", URL: "https://go.dev", Snippet: "The Go programming language"},
	}}})
	agent := &access.Agent{ID: "a"}

	msg := exec1(e, "web_search", `{"query":"golang"}`, agent, access.LevelChat)
	out := msg.Content.PlainText()
	assert.Contains(t, out, "1. Go")
	assert.Contains(t, out, "https://go.dev")
}

func TestCollaboratorErrorsSurfaceAsToolResults(t *testing.T) {
	e := newTestExecutor(t, nil) // all engines unconfigured
	agent := &access.Agent{ID: "a"}

	msg := exec1(e, "memory_search", `{"query":"x"}`, agent, access.LevelChat)
	assert.Equal(t, "Error: memory engine is not configured", msg.Content.PlainText())

	msg = exec1(e, "execute_code", `{"code":"print(1)","language":"python"}`, agent, access.LevelExec)
	assert.Equal(t, "Error: sandbox engine is not configured", msg.Content.PlainText())
}

func TestTruncateBoundsOutput(t *testing.T) {
	long := strings.Repeat("x", maxToolOutput+100)
	got := truncate(long)
	assert.Len(t, got, maxToolOutput+len("\n... [output truncated]"))
	assert.True(t, strings.HasSuffix(got, "[output truncated]"))
}

func TestSystemInfo(t *testing.T) {
	e := newTestExecutor(t, nil)
	agent := &access.Agent{ID: "a"}

	msg := exec1(e, "system_info", `{}`, agent, access.LevelRead)
	out := msg.Content.PlainText()
	assert.Contains(t, out, fmt.Sprintf("os: %s", runtime.GOOS))
	assert.Contains(t, out, "goroutines:")
}
