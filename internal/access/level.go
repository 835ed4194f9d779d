package access

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Level is one of the six ordered access tiers. Every API route and every
// built-in tool declares a minimum Level; the effective level of a request
// is min(server level, agent level).
type Level int

const (
	LevelOff   Level = 0 // blocks all non-pairing traffic
	LevelChat  Level = 1 // conversation and read-only dashboards
	LevelRead  Level = 2 // filesystem reads within scope
	LevelWrite Level = 3 // filesystem writes within scope
	LevelExec  Level = 4 // shell commands, automation
	LevelFull  Level = 5 // VIP bypass of path scope and core-file locks
)

var levelNames = map[Level]string{
	LevelOff:   "off",
	LevelChat:  "chat",
	LevelRead:  "read",
	LevelWrite: "write",
	LevelExec:  "exec",
	LevelFull:  "full",
}

// String returns the lowercase level name.
func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("level(%d)", int(l))
}

// Valid reports whether l is within the defined ladder.
func (l Level) Valid() bool { return l >= LevelOff && l <= LevelFull }

// ParseLevel accepts either a level name or its numeric value.
func ParseLevel(s string) (Level, error) {
	for l, name := range levelNames {
		if strings.EqualFold(s, name) {
			return l, nil
		}
	}
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err == nil {
		l := Level(n)
		if l.Valid() {
			return l, nil
		}
	}
	return LevelOff, fmt.Errorf("unknown access level %q", s)
}

// MarshalJSON emits the numeric value; the ladder is ordered and clients
// compare levels arithmetically.
func (l Level) MarshalJSON() ([]byte, error) { return json.Marshal(int(l)) }

// UnmarshalJSON accepts a number or a name.
func (l *Level) UnmarshalJSON(data []byte) error {
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		parsed := Level(n)
		if !parsed.Valid() {
			return fmt.Errorf("access level %d out of range", n)
		}
		*l = parsed
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("access level must be a number or a name")
	}
	parsed, err := ParseLevel(s)
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// Effective clamps the agent level by the server-wide level.
func Effective(serverLevel, agentLevel Level) Level {
	if agentLevel < serverLevel {
		return agentLevel
	}
	return serverLevel
}
