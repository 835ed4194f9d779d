// Package collab declares the interfaces of the external engines the gateway
// calls from the tool executor. Their implementations live outside the core;
// the gateway ships no-op defaults that report the engine as not configured.
//
// Errors from any collaborator surface to the model as a tool-result string
// prefixed with "Error:" so the conversation can continue.
package collab

import (
	"context"
	"fmt"
	"time"
)

// ErrNotConfigured is returned by the default stubs when no engine is wired.
type ErrNotConfigured struct{ Engine string }

func (e ErrNotConfigured) Error() string {
	return fmt.Sprintf("%s engine is not configured", e.Engine)
}

// MemoryHit is one result from the long-term memory index.
type MemoryHit struct {
	ID      string    `json:"id"`
	Text    string    `json:"text"`
	Score   float64   `json:"score"`
	Created time.Time `json:"created"`
}

// MemoryIndex is the long-term memory store.
type MemoryIndex interface {
	Add(ctx context.Context, text string, tags []string) (id string, err error)
	Search(ctx context.Context, query string, topK int) ([]MemoryHit, error)
	TimelineSearch(ctx context.Context, from, to time.Time, topK int) ([]MemoryHit, error)
	Remove(ctx context.Context, id string) error
}

// DocumentChunk is one scored chunk from the document index.
type DocumentChunk struct {
	Name       string  `json:"name"`
	ChunkIndex int     `json:"chunkIndex"`
	Text       string  `json:"text"`
	Score      float64 `json:"score"`
}

// DocumentStore is the document/embedding index.
type DocumentStore interface {
	Search(ctx context.Context, query string, topK int) ([]DocumentChunk, error)
}

// SandboxResult is the outcome of a sandboxed code run.
type SandboxResult struct {
	Stdout    string   `json:"stdout"`
	Stderr    string   `json:"stderr"`
	ExitCode  int      `json:"exitCode"`
	Artifacts []string `json:"artifacts,omitempty"`
}

// CodeSandbox executes untrusted code in isolation.
type CodeSandbox interface {
	Execute(ctx context.Context, code, language string) (*SandboxResult, error)
}

// BrowserResult is the outcome of one browser automation step.
type BrowserResult struct {
	OK      bool   `json:"ok"`
	Content string `json:"content,omitempty"`
	Bytes   []byte `json:"bytes,omitempty"`
}

// BrowserAutomation drives a headless browser.
type BrowserAutomation interface {
	Execute(ctx context.Context, action string, params map[string]any) (*BrowserResult, error)
}

// CalendarEvent is one calendar entry.
type CalendarEvent struct {
	ID    string    `json:"id"`
	Title string    `json:"title"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Calendar integrates with the user's calendar.
type Calendar interface {
	ListEvents(ctx context.Context, from, to time.Time) ([]CalendarEvent, error)
	CreateEvent(ctx context.Context, ev CalendarEvent) (id string, err error)
	FindFreeSlots(ctx context.Context, from, to time.Time, d time.Duration) ([]CalendarEvent, error)
}

// ImageGenerator turns a prompt into an image and returns a textual summary
// that includes a URL to the result.
type ImageGenerator interface {
	Generate(ctx context.Context, prompt, size string) (summary string, err error)
}

// Speech covers the audio endpoints.
type Speech interface {
	Synthesize(ctx context.Context, text, voice string) (audio []byte, err error)
	Transcribe(ctx context.Context, audio []byte) (text string, err error)
}

// SearchProvider answers web searches for the web_search tool.
type SearchProvider interface {
	Search(ctx context.Context, query string, maxResults int) ([]SearchResult, error)
}

// SearchResult is one web search hit.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// Registry bundles the wired collaborator engines. Nil fields fall back to
// the not-configured stubs so callers never nil-check.
type Registry struct {
	Memory    MemoryIndex
	Documents DocumentStore
	Sandbox   CodeSandbox
	Browser   BrowserAutomation
	Calendar  Calendar
	Images    ImageGenerator
	Speech    Speech
	Search    SearchProvider
}

// Resolve fills nil fields with not-configured stubs.
func (r *Registry) Resolve() {
	if r.Memory == nil {
		r.Memory = unconfiguredMemory{}
	}
	if r.Documents == nil {
		r.Documents = unconfiguredDocuments{}
	}
	if r.Sandbox == nil {
		r.Sandbox = unconfiguredSandbox{}
	}
	if r.Browser == nil {
		r.Browser = unconfiguredBrowser{}
	}
	if r.Calendar == nil {
		r.Calendar = unconfiguredCalendar{}
	}
	if r.Images == nil {
		r.Images = unconfiguredImages{}
	}
	if r.Speech == nil {
		r.Speech = unconfiguredSpeech{}
	}
	if r.Search == nil {
		r.Search = unconfiguredSearch{}
	}
}

type unconfiguredMemory struct{}

func (unconfiguredMemory) Add(context.Context, string, []string) (string, error) {
	return "", ErrNotConfigured{Engine: "memory"}
}
func (unconfiguredMemory) Search(context.Context, string, int) ([]MemoryHit, error) {
	return nil, ErrNotConfigured{Engine: "memory"}
}
func (unconfiguredMemory) TimelineSearch(context.Context, time.Time, time.Time, int) ([]MemoryHit, error) {
	return nil, ErrNotConfigured{Engine: "memory"}
}
func (unconfiguredMemory) Remove(context.Context, string) error {
	return ErrNotConfigured{Engine: "memory"}
}

type unconfiguredDocuments struct{}

func (unconfiguredDocuments) Search(context.Context, string, int) ([]DocumentChunk, error) {
	return nil, ErrNotConfigured{Engine: "documents"}
}

type unconfiguredSandbox struct{}

func (unconfiguredSandbox) Execute(context.Context, string, string) (*SandboxResult, error) {
	return nil, ErrNotConfigured{Engine: "sandbox"}
}

type unconfiguredBrowser struct{}

func (unconfiguredBrowser) Execute(context.Context, string, map[string]any) (*BrowserResult, error) {
	return nil, ErrNotConfigured{Engine: "browser"}
}

type unconfiguredCalendar struct{}

func (unconfiguredCalendar) ListEvents(context.Context, time.Time, time.Time) ([]CalendarEvent, error) {
	return nil, ErrNotConfigured{Engine: "calendar"}
}
func (unconfiguredCalendar) CreateEvent(context.Context, CalendarEvent) (string, error) {
	return "", ErrNotConfigured{Engine: "calendar"}
}
func (unconfiguredCalendar) FindFreeSlots(context.Context, time.Time, time.Time, time.Duration) ([]CalendarEvent, error) {
	return nil, ErrNotConfigured{Engine: "calendar"}
}

type unconfiguredImages struct{}

func (unconfiguredImages) Generate(context.Context, string, string) (string, error) {
	return "", ErrNotConfigured{Engine: "image"}
}

type unconfiguredSpeech struct{}

func (unconfiguredSpeech) Synthesize(context.Context, string, string) ([]byte, error) {
	return nil, ErrNotConfigured{Engine: "speech"}
}
func (unconfiguredSpeech) Transcribe(context.Context, []byte) (string, error) {
	return "", ErrNotConfigured{Engine: "speech"}
}

type unconfiguredSearch struct{}

func (unconfiguredSearch) Search(context.Context, string, int) ([]SearchResult, error) {
	return nil, ErrNotConfigured{Engine: "search"}
}
