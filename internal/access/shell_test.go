package access

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyCommand(t *testing.T) {
	tests := []struct {
		cmd  string
		want CommandClass
	}{
		// blocked
		{"rm -rf /", CommandBlocked},
		{"sudo rm -rf /", CommandBlocked},
		{":(){ :|:& };:", CommandBlocked},
		{"dd if=/dev/zero of=/dev/sda", CommandBlocked},

		// destructive verbs
		{"rm file.txt", CommandDestructive},
		{"mv a b", CommandDestructive},
		{"chmod 777 x", CommandDestructive},
		{"sudo apt install", CommandDestructive},
		{"killall Finder", CommandDestructive},
		{"git reset --hard HEAD~1", CommandDestructive},
		{"shutdown -h now", CommandDestructive},

		// chaining and injection
		{"ls && rm x", CommandDestructive},
		{"echo $(whoami)", CommandDestructive},
		{"cat a; rm b", CommandDestructive},
		{"ls `pwd`", CommandDestructive},

		// interpreters and fetchers
		{"python script.py", CommandDestructive},
		{"curl http://example.com", CommandDestructive},
		{"bash -c 'x'", CommandDestructive},
		{"xargs rm", CommandDestructive},

		// read-only pipelines are safe
		{"cat a.txt | grep foo", CommandSafe},
		{"ps aux | grep torbo | wc -l", CommandSafe},

		// piped into a non-safe stage
		{"cat a.txt | tee b.txt", CommandDestructive},

		// safe prefixes
		{"ls -la", CommandSafe},
		{"git status", CommandSafe},
		{"git log --oneline", CommandSafe},
		{"df -h", CommandSafe},
		{"whoami", CommandSafe},

		// everything else
		{"make build", CommandModerate},
		{"go test ./...", CommandModerate},
		{"mkdir newdir", CommandModerate},
	}

	for _, tt := range tests {
		t.Run(tt.cmd, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyCommand(tt.cmd), "command %q", tt.cmd)
		})
	}
}

func TestCommandAllowed(t *testing.T) {
	// blocked is refused even at FULL
	ok, reason := CommandAllowed(CommandBlocked, LevelFull)
	assert.False(t, ok)
	assert.Contains(t, reason, "BLOCKED")

	// destructive needs FULL
	ok, _ = CommandAllowed(CommandDestructive, LevelExec)
	assert.False(t, ok)
	ok, _ = CommandAllowed(CommandDestructive, LevelFull)
	assert.True(t, ok)

	// safe and moderate run at any level (level gating happens upstream)
	ok, _ = CommandAllowed(CommandSafe, LevelExec)
	assert.True(t, ok)
	ok, _ = CommandAllowed(CommandModerate, LevelExec)
	assert.True(t, ok)
}

// Every destructive-set input is rejected below FULL, every safe-set input
// runs, blocked patterns are always rejected.
func TestClassifierInvariant(t *testing.T) {
	destructive := []string{"rm x", "mv a b", "sudo ls", "pkill -f x", "chown me f"}
	for _, cmd := range destructive {
		class := ClassifyCommand(cmd)
		for _, lvl := range []Level{LevelOff, LevelChat, LevelRead, LevelWrite, LevelExec} {
			ok, _ := CommandAllowed(class, lvl)
			assert.False(t, ok, "%q at %s", cmd, lvl)
		}
	}
	safe := []string{"ls", "pwd", "git diff", "wc -l f", "uptime"}
	for _, cmd := range safe {
		ok, _ := CommandAllowed(ClassifyCommand(cmd), LevelExec)
		assert.True(t, ok, "%q", cmd)
	}
	for _, cmd := range blockedPatterns {
		ok, _ := CommandAllowed(ClassifyCommand(cmd), LevelFull)
		assert.False(t, ok, "%q", cmd)
	}
}
