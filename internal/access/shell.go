package access

import (
	"strings"
)

// shell.go classifies shell commands for run_command.
//
// The classifier is a minimum, not an exhaustive list: patterns can be
// added, never removed. Classification outcomes:
//
//   blocked     refused unconditionally
//   destructive refused unless the agent is at FULL
//   moderate    runs, logged
//   safe        runs

// CommandClass is the classifier verdict for one shell command.
type CommandClass int

const (
	CommandSafe CommandClass = iota
	CommandModerate
	CommandDestructive
	CommandBlocked
)

// String returns the lowercase class name.
func (c CommandClass) String() string {
	switch c {
	case CommandSafe:
		return "safe"
	case CommandModerate:
		return "moderate"
	case CommandDestructive:
		return "destructive"
	case CommandBlocked:
		return "blocked"
	}
	return "unknown"
}

// blockedPatterns are catastrophic commands, refused at every level.
var blockedPatterns = []string{
	"rm -rf /",
	"rm -rf /*",
	"sudo rm -rf /",
	":(){ :|:& };:",
	":(){:|:&};:",
	"mkfs /",
	"dd if=/dev/zero of=/dev/",
}

// destructiveSubstrings are verbs that mutate state or escalate.
var destructiveSubstrings = []string{
	"rm ", "mv ", "chmod", "chown", "sudo", "kill ", "killall", "pkill",
	"shutdown", "reboot",
	"git push --force", "git reset --hard", "git clean -f", "git checkout --",
	"dd ", "mkfs", "diskutil erase", "launchctl",
}

// execShells hand control to an interpreter or fetch remote content.
var execShells = []string{
	"eval", "exec", "source", "python", "python3", "ruby", "perl", "node",
	"php", "bash", "zsh", "sh", "osascript", "curl", "wget", "xargs", "env",
}

// safePrefixes are read-only commands permitted at EXEC without logging.
var safePrefixes = []string{
	"ls", "cat", "head", "tail", "grep", "find", "which", "file", "wc",
	"diff", "uptime", "whoami", "pwd", "echo", "git status", "git log",
	"git diff", "ps", "df", "du",
}

// chainingMarkers indicate command chaining or injection.
var chainingMarkers = []string{"$(", "`", "&&", "||", ";", "\n", "\\x", "\\u"}

// ClassifyCommand returns the verdict for one shell command string.
func ClassifyCommand(cmd string) CommandClass {
	trimmed := strings.TrimSpace(cmd)
	if trimmed == "" {
		return CommandModerate
	}
	normalized := strings.ToLower(strings.Join(strings.Fields(trimmed), " "))

	for _, pat := range blockedPatterns {
		if strings.Contains(normalized, pat) {
			return CommandBlocked
		}
	}

	// Chaining metacharacters force destructive unless every pipeline stage
	// is itself read-only.
	for _, marker := range chainingMarkers {
		if strings.Contains(trimmed, marker) {
			return CommandDestructive
		}
	}
	if strings.Contains(trimmed, "|") && !readOnlyPipeline(normalized) {
		return CommandDestructive
	}

	for _, sub := range destructiveSubstrings {
		if strings.Contains(normalized, sub) {
			return CommandDestructive
		}
	}
	firstWord := normalized
	if idx := strings.IndexByte(normalized, ' '); idx > 0 {
		firstWord = normalized[:idx]
	}
	for _, shell := range execShells {
		if firstWord == shell {
			return CommandDestructive
		}
	}

	for _, prefix := range safePrefixes {
		if normalized == prefix || strings.HasPrefix(normalized, prefix+" ") {
			return CommandSafe
		}
	}
	return CommandModerate
}

// readOnlyPipeline reports whether every stage of a piped command starts
// with a safe prefix.
func readOnlyPipeline(normalized string) bool {
	stages := strings.Split(normalized, "|")
	for _, stage := range stages {
		stage = strings.TrimSpace(stage)
		if stage == "" {
			return false
		}
		ok := false
		for _, prefix := range safePrefixes {
			if stage == prefix || strings.HasPrefix(stage, prefix+" ") {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// CommandAllowed applies the class to the effective level. The returned
// reason is empty when allowed.
func CommandAllowed(class CommandClass, effective Level) (bool, string) {
	switch class {
	case CommandBlocked:
		return false, "BLOCKED: catastrophic command pattern"
	case CommandDestructive:
		if effective >= LevelFull {
			return true, ""
		}
		return false, "BLOCKED: destructive command requires full access level"
	default:
		return true, ""
	}
}
