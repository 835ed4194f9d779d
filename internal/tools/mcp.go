package tools

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MCPClient dispatches mcp_-prefixed tool calls to an external collaborator
// process over stdio. Requests and responses are single-line JSON documents;
// the process is launched lazily on first use and restarted if it dies.
type MCPClient struct {
	command string
	log     *zap.Logger

	mu     sync.Mutex
	cmd    *exec.Cmd
	alive  bool
	stdin  io.WriteCloser
	stdout *bufio.Reader
}

type mcpRequest struct {
	ID        string          `json:"id"`
	Tool      string          `json:"tool"`
	Arguments json.RawMessage `json:"arguments"`
}

type mcpResponse struct {
	ID      string `json:"id"`
	Content string `json:"content"`
	Error   string `json:"error,omitempty"`
}

// NewMCPClient prepares a client for the configured command line. Returns nil
// when command is empty so callers can pass the result straight through.
func NewMCPClient(command string, log *zap.Logger) *MCPClient {
	if strings.TrimSpace(command) == "" {
		return nil
	}
	return &MCPClient{command: command, log: log}
}

// Call sends one tool invocation and waits for its reply. The process is
// serialized: one in-flight call at a time.
func (c *MCPClient) Call(ctx context.Context, tool, argsJSON string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureStartedLocked(); err != nil {
		return "", err
	}

	args := json.RawMessage(argsJSON)
	if !json.Valid(args) {
		args = json.RawMessage("{}")
	}
	req := mcpRequest{ID: uuid.NewString(), Tool: tool, Arguments: args}
	line, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	if _, err := c.stdin.Write(append(line, '\n')); err != nil {
		c.stopLocked()
		return "", fmt.Errorf("external tool process write: %w", err)
	}

	type readResult struct {
		line string
		err  error
	}
	ch := make(chan readResult, 1)
	go func() {
		l, err := c.stdout.ReadString('\n')
		ch <- readResult{line: l, err: err}
	}()

	select {
	case <-ctx.Done():
		c.stopLocked()
		return "", ctx.Err()
	case r := <-ch:
		if r.err != nil {
			c.stopLocked()
			return "", fmt.Errorf("external tool process read: %w", r.err)
		}
		var resp mcpResponse
		if err := json.Unmarshal([]byte(r.line), &resp); err != nil {
			return "", fmt.Errorf("external tool process reply: %w", err)
		}
		if resp.Error != "" {
			return "", fmt.Errorf("%s", resp.Error)
		}
		return resp.Content, nil
	}
}

// Close terminates the external process if running.
func (c *MCPClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
}

func (c *MCPClient) ensureStartedLocked() error {
	if c.alive {
		return nil
	}

	parts := strings.Fields(c.command)
	cmd := exec.Command(parts[0], parts[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start external tool process: %w", err)
	}

	c.cmd = cmd
	c.alive = true
	c.stdin = stdin
	c.stdout = bufio.NewReader(stdout)
	c.log.Info("external tool process started", zap.String("command", parts[0]))

	// Reap in the background so the process never zombies.
	go func() {
		_ = cmd.Wait()
		c.mu.Lock()
		if c.cmd == cmd {
			c.alive = false
		}
		c.mu.Unlock()
	}()
	return nil
}

func (c *MCPClient) stopLocked() {
	if c.cmd == nil {
		return
	}
	if c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
	}
	c.cmd = nil
	c.alive = false
	c.stdin = nil
	c.stdout = nil
}
