// Package tools holds the static capability catalogue and the executor that
// runs built-in tools under access-level and path-scope enforcement.
//
// Responsibilities:
//   - Declare every built-in tool with its category, minimum access level and
//     JSON-schema parameter shape
//   - Filter the catalogue down to what a given agent may see
//   - Execute tool calls and wrap results as tool messages
package tools

import (
	"github.com/torbobase/torbo/internal/access"
	"github.com/torbobase/torbo/internal/llm/types"
)

// Tool categories. An agent or the server can disable a whole category.
const (
	CategoryWeb           = "web"
	CategoryFiles         = "files"
	CategoryExecution     = "execution"
	CategoryCalendar      = "calendar"
	CategoryAutomation    = "automation"
	CategoryScreen        = "screen"
	CategoryClipboard     = "clipboard"
	CategorySystem        = "system"
	CategorySearch        = "search"
	CategoryNotifications = "notifications"
	CategoryNetwork       = "network"
	CategoryScripting     = "scripting"
	CategoryMemory        = "memory"
	CategoryImages        = "images"
	CategoryBrowser       = "browser"
)

// Capability is the static metadata for one built-in tool.
type Capability struct {
	Name        string
	Category    string
	MinLevel    access.Level
	Description string
	Parameters  map[string]any
}

func objSchema(required []string, props map[string]any) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func strProp(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

func intProp(desc string) map[string]any {
	return map[string]any{"type": "integer", "description": desc}
}

// catalogue is the fixed registry of built-in tools.
var catalogue = []Capability{
	{
		Name:        "web_search",
		Category:    CategoryWeb,
		MinLevel:    access.LevelChat,
		Description: "Search the web and return the top results with titles, URLs and snippets.",
		Parameters: objSchema([]string{"query"}, map[string]any{
			"query":       strProp("The search query"),
			"max_results": intProp("Maximum number of results to return (default 5)"),
		}),
	},
	{
		Name:        "web_fetch",
		Category:    CategoryWeb,
		MinLevel:    access.LevelChat,
		Description: "Fetch a public http(s) URL and return its body as text.",
		Parameters: objSchema([]string{"url"}, map[string]any{
			"url": strProp("The URL to fetch"),
		}),
	},
	{
		Name:        "read_file",
		Category:    CategoryFiles,
		MinLevel:    access.LevelRead,
		Description: "Read a text file from the local filesystem.",
		Parameters: objSchema([]string{"path"}, map[string]any{
			"path": strProp("Absolute or ~-relative path of the file"),
		}),
	},
	{
		Name:        "list_directory",
		Category:    CategoryFiles,
		MinLevel:    access.LevelRead,
		Description: "List the entries of a directory.",
		Parameters: objSchema([]string{"path"}, map[string]any{
			"path": strProp("Absolute or ~-relative path of the directory"),
		}),
	},
	{
		Name:        "write_file",
		Category:    CategoryFiles,
		MinLevel:    access.LevelWrite,
		Description: "Write a text file. The previous version, if any, is backed up first.",
		Parameters: objSchema([]string{"path", "content"}, map[string]any{
			"path":    strProp("Absolute or ~-relative path of the file"),
			"content": strProp("Full new content of the file"),
		}),
	},
	{
		Name:        "run_command",
		Category:    CategoryExecution,
		MinLevel:    access.LevelExec,
		Description: "Run a shell command and return its combined output.",
		Parameters: objSchema([]string{"command"}, map[string]any{
			"command":     strProp("The shell command to run"),
			"working_dir": strProp("Working directory (defaults to the user's home)"),
		}),
	},
	{
		Name:        "execute_code",
		Category:    CategoryScripting,
		MinLevel:    access.LevelExec,
		Description: "Run a code snippet in an isolated sandbox and return stdout, stderr and exit code.",
		Parameters: objSchema([]string{"code", "language"}, map[string]any{
			"code":     strProp("The source code to run"),
			"language": strProp("Language of the snippet, e.g. python or javascript"),
		}),
	},
	{
		Name:        "memory_add",
		Category:    CategoryMemory,
		MinLevel:    access.LevelChat,
		Description: "Store a fact in long-term memory.",
		Parameters: objSchema([]string{"text"}, map[string]any{
			"text": strProp("The fact to remember"),
			"tags": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string"},
				"description": "Optional tags",
			},
		}),
	},
	{
		Name:        "memory_search",
		Category:    CategoryMemory,
		MinLevel:    access.LevelChat,
		Description: "Search long-term memory.",
		Parameters: objSchema([]string{"query"}, map[string]any{
			"query": strProp("The search query"),
			"top_k": intProp("Maximum number of hits (default 5)"),
		}),
	},
	{
		Name:        "memory_remove",
		Category:    CategoryMemory,
		MinLevel:    access.LevelWrite,
		Description: "Delete an entry from long-term memory by id.",
		Parameters: objSchema([]string{"id"}, map[string]any{
			"id": strProp("The memory id to delete"),
		}),
	},
	{
		Name:        "document_search",
		Category:    CategorySearch,
		MinLevel:    access.LevelChat,
		Description: "Search the indexed document collection.",
		Parameters: objSchema([]string{"query"}, map[string]any{
			"query": strProp("The search query"),
			"top_k": intProp("Maximum number of chunks (default 5)"),
		}),
	},
	{
		Name:        "calendar_list_events",
		Category:    CategoryCalendar,
		MinLevel:    access.LevelChat,
		Description: "List calendar events in a time range.",
		Parameters: objSchema(nil, map[string]any{
			"from": strProp("Range start, RFC3339 (default now)"),
			"to":   strProp("Range end, RFC3339 (default one week ahead)"),
		}),
	},
	{
		Name:        "calendar_create_event",
		Category:    CategoryCalendar,
		MinLevel:    access.LevelWrite,
		Description: "Create a calendar event.",
		Parameters: objSchema([]string{"title", "start", "end"}, map[string]any{
			"title": strProp("Event title"),
			"start": strProp("Start time, RFC3339"),
			"end":   strProp("End time, RFC3339"),
		}),
	},
	{
		Name:        "generate_image",
		Category:    CategoryImages,
		MinLevel:    access.LevelChat,
		Description: "Generate an image from a text prompt.",
		Parameters: objSchema([]string{"prompt"}, map[string]any{
			"prompt": strProp("The image prompt"),
			"size":   strProp("Image size, e.g. 1024x1024"),
		}),
	},
	{
		Name:        "browser_action",
		Category:    CategoryBrowser,
		MinLevel:    access.LevelExec,
		Description: "Drive the headless browser: navigate, click, type, screenshot.",
		Parameters: objSchema([]string{"action"}, map[string]any{
			"action": strProp("One of navigate, click, type, screenshot, extract"),
			"params": map[string]any{
				"type":        "object",
				"description": "Action-specific parameters",
			},
		}),
	},
	{
		Name:        "system_info",
		Category:    CategorySystem,
		MinLevel:    access.LevelRead,
		Description: "Report host OS, architecture and gateway process statistics.",
		Parameters:  objSchema(nil, map[string]any{}),
	},
}

// Lookup returns the capability for a tool name, or nil for unknown names.
func Lookup(name string) *Capability {
	for i := range catalogue {
		if catalogue[i].Name == name {
			return &catalogue[i]
		}
	}
	return nil
}

// Catalogue returns the full built-in capability list.
func Catalogue() []Capability {
	return catalogue
}

// Visible returns the tool declarations an agent may see given its effective
// level, its per-category toggles and the server-wide category toggles.
func Visible(effective access.Level, agent *access.Agent, serverDisabled map[string]bool) []types.Tool {
	var out []types.Tool
	for _, c := range catalogue {
		if effective < c.MinLevel {
			continue
		}
		if serverDisabled[c.Category] {
			continue
		}
		if agent != nil && !agent.CategoryEnabled(c.Category) {
			continue
		}
		out = append(out, types.Tool{
			Name:        c.Name,
			Description: c.Description,
			Parameters:  c.Parameters,
		})
	}
	return out
}
