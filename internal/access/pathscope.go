package access

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// pathscope.go holds the filesystem predicates applied at tool execution time.
//
// All checks run on the canonical absolute form of the argument: `~` is
// expanded, `..` collapsed, and symlinks resolved so a link inside a scope
// cannot escape it.

// sensitiveReadPatterns match known secret locations. Reads of matching
// paths are denied regardless of scope or level, VIP included.
var sensitiveReadPatterns = []string{
	".ssh/",
	".aws/credentials",
	".gnupg/",
	".env",
	"keychain.enc",
	"keychain.key",
	"login.keychain",
}

// coreFileBasenames cannot be overwritten below FULL. The set covers the
// gateway's own source and infrastructure files.
var coreFileBasenames = map[string]bool{
	"main.go":         true,
	"go.mod":          true,
	"go.sum":          true,
	"keychain.enc":    true,
	"keychain.key":    true,
	"connectors.json": true,
	"state.db":        true,
	"audit.log":       true,
}

// protectedWriteRoots reject writes at any level below FULL.
var protectedWriteRoots = []string{
	"/System",
	"/Library",
	"/usr",
	"/bin",
	"/sbin",
	"/Applications",
}

// Canonicalize resolves p to its absolute, symlink-free form. `~` expands to
// the user home. For paths that do not exist yet, the deepest existing
// ancestor is resolved and the remainder re-joined, so writes to new files
// still get scope-checked on their real parent.
func Canonicalize(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("empty path")
	}
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home: %w", err)
		}
		p = filepath.Join(home, strings.TrimPrefix(p, "~"))
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path: %w", err)
	}
	abs = filepath.Clean(abs)

	resolved, err := filepath.EvalSymlinks(abs)
	if err == nil {
		return resolved, nil
	}
	if !os.IsNotExist(err) {
		return "", fmt.Errorf("resolve symlinks: %w", err)
	}

	// Path does not exist: resolve the closest existing ancestor.
	dir, base := filepath.Split(abs)
	var tail []string
	for {
		tail = append([]string{base}, tail...)
		dir = filepath.Clean(dir)
		resolved, err = filepath.EvalSymlinks(dir)
		if err == nil {
			return filepath.Join(append([]string{resolved}, tail...)...), nil
		}
		if !os.IsNotExist(err) {
			return "", fmt.Errorf("resolve symlinks: %w", err)
		}
		if dir == "/" || dir == "." {
			return abs, nil
		}
		dir, base = filepath.Split(dir)
	}
}

// InScope reports whether canonical path p equals a scope root or is a
// strict descendant of one. Scope roots are canonicalized before comparison.
// An empty scope list means unrestricted.
func InScope(p string, scopes []string) bool {
	if len(scopes) == 0 {
		return true
	}
	for _, root := range scopes {
		cr, err := Canonicalize(root)
		if err != nil {
			continue
		}
		if p == cr {
			return true
		}
		if strings.HasPrefix(p, cr+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// SensitiveRead reports whether the canonical path matches a known-secret
// pattern. Applied to reads regardless of scope.
func SensitiveRead(p string) bool {
	lower := strings.ToLower(p)
	for _, pat := range sensitiveReadPatterns {
		if strings.Contains(lower, strings.ToLower(pat)) {
			return true
		}
	}
	return false
}

// CoreFileLocked reports whether the basename of the canonical path belongs
// to the fixed write-lock set.
func CoreFileLocked(p string) bool {
	return coreFileBasenames[filepath.Base(p)]
}

// ProtectedRoot reports whether the canonical path lies under a protected
// system root.
func ProtectedRoot(p string) bool {
	for _, root := range protectedWriteRoots {
		if p == root || strings.HasPrefix(p, root+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// CheckRead validates a read of path p for the agent at the effective level.
// Returned errors are sentence fragments suitable for tool results.
func CheckRead(p string, agent *Agent, effective Level) (string, error) {
	canonical, err := Canonicalize(p)
	if err != nil {
		return "", fmt.Errorf("invalid path: %w", err)
	}
	if SensitiveRead(canonical) {
		return "", fmt.Errorf("BLOCKED: sensitive path")
	}
	if effective >= LevelFull {
		return canonical, nil
	}
	if !InScope(canonical, agent.DirectoryScopes) {
		return "", fmt.Errorf("BLOCKED: outside allowed directories")
	}
	return canonical, nil
}

// CheckWrite validates a write of path p for the agent at the effective
// level. FULL waives scope and core-file locks but keeps system roots
// protected.
func CheckWrite(p string, agent *Agent, effective Level) (string, error) {
	canonical, err := Canonicalize(p)
	if err != nil {
		return "", fmt.Errorf("invalid path: %w", err)
	}
	if ProtectedRoot(canonical) {
		return "", fmt.Errorf("BLOCKED: protected system path")
	}
	if effective >= LevelFull {
		return canonical, nil
	}
	if CoreFileLocked(canonical) {
		return "", fmt.Errorf("BLOCKED: core file is write-locked")
	}
	if !InScope(canonical, agent.DirectoryScopes) {
		return "", fmt.Errorf("BLOCKED: outside allowed directories")
	}
	return canonical, nil
}
