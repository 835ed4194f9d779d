package access

// Agent is a named persona with its own access level, personality, allowed
// directory roots and per-category tool toggles.
type Agent struct {
	ID          string `json:"id"`
	Role        string `json:"role"`
	Personality string `json:"personality"`
	AccessLevel Level  `json:"accessLevel"`

	// DirectoryScopes lists absolute path roots the agent may touch.
	// Empty means unrestricted within the level's other limits.
	DirectoryScopes []string `json:"directoryScopes,omitempty"`

	// EnabledCapabilities maps tool category to enabled. A category absent
	// from the map is allowed.
	EnabledCapabilities map[string]bool `json:"enabledCapabilities,omitempty"`

	// BuiltIn agents are seeded at first start and cannot be deleted.
	BuiltIn bool `json:"builtIn,omitempty"`
}

// PrimaryAgentID is the agent used when a request carries no agent header.
const PrimaryAgentID = "primary"

// DefaultAgents returns the built-in personas seeded on first start.
func DefaultAgents() []Agent {
	return []Agent{
		{
			ID:          PrimaryAgentID,
			Role:        "assistant",
			Personality: "Helpful, direct, concise.",
			AccessLevel: LevelChat,
			BuiltIn:     true,
		},
	}
}

// CategoryEnabled reports whether the agent allows tools of the category.
// Absent means allowed.
func (a *Agent) CategoryEnabled(category string) bool {
	if a.EnabledCapabilities == nil {
		return true
	}
	enabled, ok := a.EnabledCapabilities[category]
	if !ok {
		return true
	}
	return enabled
}

// Clone returns a deep copy so handlers can mutate a working copy while
// readers keep observing the published snapshot.
func (a *Agent) Clone() Agent {
	out := *a
	if a.DirectoryScopes != nil {
		out.DirectoryScopes = append([]string(nil), a.DirectoryScopes...)
	}
	if a.EnabledCapabilities != nil {
		out.EnabledCapabilities = make(map[string]bool, len(a.EnabledCapabilities))
		for k, v := range a.EnabledCapabilities {
			out.EnabledCapabilities[k] = v
		}
	}
	return out
}
