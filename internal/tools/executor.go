package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/torbobase/torbo/internal/access"
	"github.com/torbobase/torbo/internal/collab"
	"github.com/torbobase/torbo/internal/config"
	"github.com/torbobase/torbo/internal/llm/types"
	"github.com/torbobase/torbo/internal/metrics"
)

// maxToolOutput bounds the text returned to the model from any single tool.
const maxToolOutput = 50_000

// maxFetchBytes bounds the body read by web_fetch.
const maxFetchBytes = 1 << 20

var errInvalidArgs = errors.New("invalid arguments")

// Executor runs built-in tool calls under access enforcement and wraps the
// outcome as a tool message. Failures never abort the conversation: they come
// back as tool-result text the model can react to.
type Executor struct {
	shell      string
	timeout    time.Duration
	workingDir string
	collabs    *collab.Registry
	settings   *config.Runtime
	mcp        *MCPClient
	httpClient *http.Client
	log        *zap.Logger
}

// NewExecutor wires the executor from startup config. mcp may be nil when no
// external tool process is configured.
func NewExecutor(cfg *config.Config, settings *config.Runtime, collabs *collab.Registry, mcp *MCPClient, log *zap.Logger) *Executor {
	if collabs == nil {
		collabs = &collab.Registry{}
	}
	collabs.Resolve()

	workingDir := cfg.Tools.WorkingDir
	if workingDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			workingDir = home
		}
	}

	return &Executor{
		shell:      cfg.Tools.Shell,
		timeout:    time.Duration(cfg.Tools.CommandTimeoutSec) * time.Second,
		workingDir: workingDir,
		collabs:    collabs,
		settings:   settings,
		mcp:        mcp,
		httpClient: newGuardedClient(),
		log:        log,
	}
}

// newGuardedClient builds an HTTP client whose dialer re-checks resolved
// addresses, so DNS cannot be used to smuggle a fetch into private ranges.
func newGuardedClient() *http.Client {
	dialer := &net.Dialer{
		Timeout: 10 * time.Second,
		Control: func(network, address string, _ syscall.RawConn) error {
			host, _, err := net.SplitHostPort(address)
			if err != nil {
				return err
			}
			if ip := net.ParseIP(host); ip != nil && access.AddrBlocked(ip) {
				return fmt.Errorf("address %s not allowed", ip)
			}
			return nil
		},
	}
	return &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			DialContext:       dialer.DialContext,
			ForceAttemptHTTP2: true,
		},
	}
}

// Execute runs one tool call for the agent at the effective level and returns
// the tool-result message. Denials keep their BLOCKED text verbatim; other
// failures are prefixed with "Error:".
func (e *Executor) Execute(ctx context.Context, call types.ToolCall, agent *access.Agent, effective access.Level) types.Message {
	start := time.Now()
	content, err := e.dispatch(ctx, call, agent, effective)

	status := "ok"
	switch {
	case err == nil:
	case strings.HasPrefix(err.Error(), "BLOCKED"):
		content = err.Error()
		status = "denied"
	default:
		content = "Error: " + err.Error()
		status = "error"
	}

	metrics.ToolCallsTotal.WithLabelValues(call.Name, status).Inc()
	metrics.ToolCallDuration.WithLabelValues(call.Name).Observe(time.Since(start).Seconds())

	if status != "ok" {
		e.log.Warn("tool call failed",
			zap.String("tool", call.Name),
			zap.String("status", status),
			zap.String("agent", agent.ID))
	}

	return types.Message{
		Role:       "tool",
		ToolCallID: call.ID,
		Content:    types.TextContent(truncate(content)),
	}
}

func (e *Executor) dispatch(ctx context.Context, call types.ToolCall, agent *access.Agent, effective access.Level) (string, error) {
	if strings.HasPrefix(call.Name, "mcp_") {
		if e.mcp == nil {
			return "", fmt.Errorf("no external tool process configured")
		}
		return e.mcp.Call(ctx, strings.TrimPrefix(call.Name, "mcp_"), call.Arguments)
	}

	c := Lookup(call.Name)
	if c == nil {
		return fmt.Sprintf("unknown tool %q", call.Name), nil
	}

	// Defense in depth: visibility filtering already applied these, but a
	// client can force a tool_choice past it.
	if effective < c.MinLevel {
		return "", fmt.Errorf("BLOCKED: requires %s access level", c.MinLevel)
	}
	if e.settings != nil && e.settings.Current().DisabledCategories[c.Category] {
		return "", fmt.Errorf("BLOCKED: %s tools are disabled", c.Category)
	}
	if !agent.CategoryEnabled(c.Category) {
		return "", fmt.Errorf("BLOCKED: %s tools are disabled for this agent", c.Category)
	}

	switch call.Name {
	case "web_search":
		return e.webSearch(ctx, call.Arguments)
	case "web_fetch":
		return e.webFetch(ctx, call.Arguments)
	case "read_file":
		return e.readFile(call.Arguments, agent, effective)
	case "list_directory":
		return e.listDirectory(call.Arguments, agent, effective)
	case "write_file":
		return e.writeFile(call.Arguments, agent, effective)
	case "run_command":
		return e.runCommand(ctx, call.Arguments, agent, effective)
	case "execute_code":
		return e.executeCode(ctx, call.Arguments)
	case "memory_add":
		return e.memoryAdd(ctx, call.Arguments)
	case "memory_search":
		return e.memorySearch(ctx, call.Arguments)
	case "memory_remove":
		return e.memoryRemove(ctx, call.Arguments)
	case "document_search":
		return e.documentSearch(ctx, call.Arguments)
	case "calendar_list_events":
		return e.calendarListEvents(ctx, call.Arguments)
	case "calendar_create_event":
		return e.calendarCreateEvent(ctx, call.Arguments)
	case "generate_image":
		return e.generateImage(ctx, call.Arguments)
	case "browser_action":
		return e.browserAction(ctx, call.Arguments)
	case "system_info":
		return e.systemInfo(), nil
	}
	return fmt.Sprintf("unknown tool %q", call.Name), nil
}

// ─── Web ─────────────────────────────────────────────────────────────────────

func (e *Executor) webSearch(ctx context.Context, rawArgs string) (string, error) {
	var args struct {
		Query      string `json:"query"`
		MaxResults int    `json:"max_results"`
	}
	if err := json.Unmarshal([]byte(rawArgs), &args); err != nil || args.Query == "" {
		return "", errInvalidArgs
	}
	if args.MaxResults <= 0 {
		args.MaxResults = 5
	}

	hits, err := e.collabs.Search.Search(ctx, args.Query, args.MaxResults)
	if err != nil {
		return "", err
	}
	if len(hits) == 0 {
		return "No results found.", nil
	}
	var b strings.Builder
	for i, h := range hits {
		fmt.Fprintf(&b, "%d. %s\n   %s\n   %s\n", i+1, h.Title, h.URL, h.Snippet)
	}
	return b.String(), nil
}

func (e *Executor) webFetch(ctx context.Context, rawArgs string) (string, error) {
	var args struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal([]byte(rawArgs), &args); err != nil || args.URL == "" {
		return "", errInvalidArgs
	}

	u, err := access.CheckURL(args.URL)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", "torbo/1.0")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch failed: %w", err)
	}
	defer resp.Body.Close()

	body := make([]byte, 0, 64<<10)
	buf := make([]byte, 32<<10)
	for len(body) < maxFetchBytes {
		n, rerr := resp.Body.Read(buf)
		body = append(body, buf[:n]...)
		if rerr != nil {
			break
		}
	}
	return fmt.Sprintf("HTTP %d\n\n%s", resp.StatusCode, body), nil
}

// ─── Files ───────────────────────────────────────────────────────────────────

func (e *Executor) readFile(rawArgs string, agent *access.Agent, effective access.Level) (string, error) {
	var args struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal([]byte(rawArgs), &args); err != nil || args.Path == "" {
		return "", errInvalidArgs
	}

	canonical, err := access.CheckRead(args.Path, agent, effective)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(canonical)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", canonical, err)
	}
	return string(data), nil
}

func (e *Executor) listDirectory(rawArgs string, agent *access.Agent, effective access.Level) (string, error) {
	var args struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal([]byte(rawArgs), &args); err != nil || args.Path == "" {
		return "", errInvalidArgs
	}

	canonical, err := access.CheckRead(args.Path, agent, effective)
	if err != nil {
		return "", err
	}
	entries, err := os.ReadDir(canonical)
	if err != nil {
		return "", fmt.Errorf("list %s: %w", canonical, err)
	}
	var b strings.Builder
	for _, ent := range entries {
		name := ent.Name()
		if ent.IsDir() {
			name += "/"
		}
		b.WriteString(name)
		b.WriteByte('\n')
	}
	if b.Len() == 0 {
		return "(empty directory)", nil
	}
	return b.String(), nil
}

func (e *Executor) writeFile(rawArgs string, agent *access.Agent, effective access.Level) (string, error) {
	var args struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal([]byte(rawArgs), &args); err != nil || args.Path == "" {
		return "", errInvalidArgs
	}

	canonical, err := access.CheckWrite(args.Path, agent, effective)
	if err != nil {
		return "", err
	}
	if err := backupExisting(canonical); err != nil {
		return "", fmt.Errorf("backup failed: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(canonical), 0o755); err != nil {
		return "", fmt.Errorf("create parent directory: %w", err)
	}
	if err := os.WriteFile(canonical, []byte(args.Content), 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", canonical, err)
	}
	return fmt.Sprintf("Wrote %d bytes to %s", len(args.Content), canonical), nil
}

// backupExisting copies the pre-existing file, if any, into ~/.torbo-backup
// before it is overwritten.
func backupExisting(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return err
	}
	backupDir := filepath.Join(home, ".torbo-backup")
	if err := os.MkdirAll(backupDir, 0o755); err != nil {
		return err
	}
	name := time.Now().UTC().Format(time.RFC3339) + "_" + filepath.Base(path)
	return os.WriteFile(filepath.Join(backupDir, name), data, 0o644)
}

// ─── Shell ───────────────────────────────────────────────────────────────────

func (e *Executor) runCommand(ctx context.Context, rawArgs string, agent *access.Agent, effective access.Level) (string, error) {
	var args struct {
		Command    string `json:"command"`
		WorkingDir string `json:"working_dir"`
	}
	if err := json.Unmarshal([]byte(rawArgs), &args); err != nil || args.Command == "" {
		return "", errInvalidArgs
	}

	class := access.ClassifyCommand(args.Command)
	allowed, reason := access.CommandAllowed(class, effective)
	if !allowed {
		return "", errors.New(reason)
	}
	if class == access.CommandModerate {
		e.log.Info("moderate command", zap.String("command", args.Command))
	}

	// working_dir is agent input and gets the same scope check as file
	// reads, so relative paths in the command cannot escape the scopes.
	workingDir := e.workingDir
	if args.WorkingDir != "" {
		canonical, err := access.CheckRead(args.WorkingDir, agent, effective)
		if err != nil {
			return "", err
		}
		workingDir = canonical
	}

	cctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, e.shell, "-c", args.Command)
	cmd.Dir = workingDir
	// SIGTERM first, SIGKILL after the grace period.
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = 2 * time.Second

	out, err := cmd.CombinedOutput()
	if cctx.Err() == context.DeadlineExceeded {
		return "", errors.New("timeout")
	}
	if err != nil {
		return fmt.Sprintf("%s\n(exit error: %v)", out, err), nil
	}
	if len(out) == 0 {
		return "(no output)", nil
	}
	return string(out), nil
}

// ─── Collaborator-backed tools ───────────────────────────────────────────────

func (e *Executor) executeCode(ctx context.Context, rawArgs string) (string, error) {
	var args struct {
		Code     string `json:"code"`
		Language string `json:"language"`
	}
	if err := json.Unmarshal([]byte(rawArgs), &args); err != nil || args.Code == "" {
		return "", errInvalidArgs
	}

	res, err := e.collabs.Sandbox.Execute(ctx, args.Code, args.Language)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "exit code: %d\n", res.ExitCode)
	if res.Stdout != "" {
		fmt.Fprintf(&b, "stdout:\n%s\n", res.Stdout)
	}
	if res.Stderr != "" {
		fmt.Fprintf(&b, "stderr:\n%s\n", res.Stderr)
	}
	for _, a := range res.Artifacts {
		fmt.Fprintf(&b, "artifact: %s\n", a)
	}
	return b.String(), nil
}

func (e *Executor) memoryAdd(ctx context.Context, rawArgs string) (string, error) {
	var args struct {
		Text string   `json:"text"`
		Tags []string `json:"tags"`
	}
	if err := json.Unmarshal([]byte(rawArgs), &args); err != nil || args.Text == "" {
		return "", errInvalidArgs
	}
	id, err := e.collabs.Memory.Add(ctx, args.Text, args.Tags)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Stored memory %s", id), nil
}

func (e *Executor) memorySearch(ctx context.Context, rawArgs string) (string, error) {
	var args struct {
		Query string `json:"query"`
		TopK  int    `json:"top_k"`
	}
	if err := json.Unmarshal([]byte(rawArgs), &args); err != nil || args.Query == "" {
		return "", errInvalidArgs
	}
	if args.TopK <= 0 {
		args.TopK = 5
	}
	hits, err := e.collabs.Memory.Search(ctx, args.Query, args.TopK)
	if err != nil {
		return "", err
	}
	if len(hits) == 0 {
		return "No memories found.", nil
	}
	var b strings.Builder
	for _, h := range hits {
		fmt.Fprintf(&b, "[%s] (%.2f) %s\n", h.ID, h.Score, h.Text)
	}
	return b.String(), nil
}

func (e *Executor) memoryRemove(ctx context.Context, rawArgs string) (string, error) {
	var args struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal([]byte(rawArgs), &args); err != nil || args.ID == "" {
		return "", errInvalidArgs
	}
	if err := e.collabs.Memory.Remove(ctx, args.ID); err != nil {
		return "", err
	}
	return fmt.Sprintf("Removed memory %s", args.ID), nil
}

func (e *Executor) documentSearch(ctx context.Context, rawArgs string) (string, error) {
	var args struct {
		Query string `json:"query"`
		TopK  int    `json:"top_k"`
	}
	if err := json.Unmarshal([]byte(rawArgs), &args); err != nil || args.Query == "" {
		return "", errInvalidArgs
	}
	if args.TopK <= 0 {
		args.TopK = 5
	}
	chunks, err := e.collabs.Documents.Search(ctx, args.Query, args.TopK)
	if err != nil {
		return "", err
	}
	if len(chunks) == 0 {
		return "No matching documents.", nil
	}
	var b strings.Builder
	for _, c := range chunks {
		fmt.Fprintf(&b, "%s#%d (%.2f)\n%s\n\n", c.Name, c.ChunkIndex, c.Score, c.Text)
	}
	return b.String(), nil
}

func (e *Executor) calendarListEvents(ctx context.Context, rawArgs string) (string, error) {
	var args struct {
		From string `json:"from"`
		To   string `json:"to"`
	}
	if rawArgs != "" {
		if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
			return "", errInvalidArgs
		}
	}
	from, to, err := parseRange(args.From, args.To)
	if err != nil {
		return "", errInvalidArgs
	}

	events, err := e.collabs.Calendar.ListEvents(ctx, from, to)
	if err != nil {
		return "", err
	}
	if len(events) == 0 {
		return "No events in range.", nil
	}
	var b strings.Builder
	for _, ev := range events {
		fmt.Fprintf(&b, "%s  %s - %s  %s\n", ev.ID,
			ev.Start.Format(time.RFC3339), ev.End.Format(time.RFC3339), ev.Title)
	}
	return b.String(), nil
}

func (e *Executor) calendarCreateEvent(ctx context.Context, rawArgs string) (string, error) {
	var args struct {
		Title string `json:"title"`
		Start string `json:"start"`
		End   string `json:"end"`
	}
	if err := json.Unmarshal([]byte(rawArgs), &args); err != nil || args.Title == "" {
		return "", errInvalidArgs
	}
	start, err := time.Parse(time.RFC3339, args.Start)
	if err != nil {
		return "", errInvalidArgs
	}
	end, err := time.Parse(time.RFC3339, args.End)
	if err != nil {
		return "", errInvalidArgs
	}

	id, err := e.collabs.Calendar.CreateEvent(ctx, collab.CalendarEvent{
		Title: args.Title,
		Start: start,
		End:   end,
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Created event %s", id), nil
}

func (e *Executor) generateImage(ctx context.Context, rawArgs string) (string, error) {
	var args struct {
		Prompt string `json:"prompt"`
		Size   string `json:"size"`
	}
	if err := json.Unmarshal([]byte(rawArgs), &args); err != nil || args.Prompt == "" {
		return "", errInvalidArgs
	}
	if args.Size == "" {
		args.Size = "1024x1024"
	}
	return e.collabs.Images.Generate(ctx, args.Prompt, args.Size)
}

func (e *Executor) browserAction(ctx context.Context, rawArgs string) (string, error) {
	var args struct {
		Action string         `json:"action"`
		Params map[string]any `json:"params"`
	}
	if err := json.Unmarshal([]byte(rawArgs), &args); err != nil || args.Action == "" {
		return "", errInvalidArgs
	}
	res, err := e.collabs.Browser.Execute(ctx, args.Action, args.Params)
	if err != nil {
		return "", err
	}
	if !res.OK {
		return "", fmt.Errorf("browser action %q failed", args.Action)
	}
	if res.Content != "" {
		return res.Content, nil
	}
	return fmt.Sprintf("%s completed (%d bytes)", args.Action, len(res.Bytes)), nil
}

func (e *Executor) systemInfo() string {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return fmt.Sprintf("os: %s\narch: %s\ncpus: %d\ngoroutines: %d\nheap: %d KiB",
		runtime.GOOS, runtime.GOARCH, runtime.NumCPU(), runtime.NumGoroutine(),
		mem.HeapAlloc/1024)
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func parseRange(fromRaw, toRaw string) (time.Time, time.Time, error) {
	from := time.Now()
	to := from.Add(7 * 24 * time.Hour)
	var err error
	if fromRaw != "" {
		if from, err = time.Parse(time.RFC3339, fromRaw); err != nil {
			return time.Time{}, time.Time{}, err
		}
	}
	if toRaw != "" {
		if to, err = time.Parse(time.RFC3339, toRaw); err != nil {
			return time.Time{}, time.Time{}, err
		}
	}
	return from, to, nil
}

func truncate(s string) string {
	if len(s) <= maxToolOutput {
		return s
	}
	return s[:maxToolOutput] + "\n... [output truncated]"
}
