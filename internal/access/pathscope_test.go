package access

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalizeExpandsHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	got, err := Canonicalize("~/Documents")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(got, home), "got %s", got)
}

func TestCanonicalizeCollapsesDotDot(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "project")
	require.NoError(t, os.Mkdir(sub, 0o755))

	got, err := Canonicalize(filepath.Join(sub, "..", "secret.txt"))
	require.NoError(t, err)
	assert.False(t, strings.Contains(got, ".."))
	assert.False(t, strings.HasPrefix(got, sub))
}

func TestCanonicalizeResolvesSymlinkEscape(t *testing.T) {
	outside := t.TempDir()
	scope := t.TempDir()
	link := filepath.Join(scope, "link")
	require.NoError(t, os.Symlink(outside, link))

	got, err := Canonicalize(filepath.Join(link, "x.txt"))
	require.NoError(t, err)
	assert.False(t, InScope(got, []string{scope}), "symlink must not keep the path in scope")
}

func TestInScope(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "a")
	require.NoError(t, os.Mkdir(sub, 0o755))

	canonDir, err := Canonicalize(dir)
	require.NoError(t, err)
	canonSub, err := Canonicalize(sub)
	require.NoError(t, err)

	assert.True(t, InScope(canonDir, []string{dir}), "scope root itself")
	assert.True(t, InScope(canonSub, []string{dir}), "descendant")
	assert.True(t, InScope(canonSub, nil), "empty scope list is unrestricted")
	assert.False(t, InScope("/etc/passwd", []string{dir}))
	// Prefix of the directory name is not a descendant.
	assert.False(t, InScope(canonDir+"x", []string{dir}))
}

func TestSensitiveRead(t *testing.T) {
	assert.True(t, SensitiveRead("/home/u/.ssh/id_rsa"))
	assert.True(t, SensitiveRead("/home/u/.aws/credentials"))
	assert.True(t, SensitiveRead("/srv/app/.env"))
	assert.True(t, SensitiveRead("/data/torbo/keychain.enc"))
	assert.False(t, SensitiveRead("/home/u/notes.txt"))
}

func TestCheckWrite(t *testing.T) {
	dir := t.TempDir()
	agent := &Agent{ID: "a", DirectoryScopes: []string{dir}}

	_, err := CheckWrite(filepath.Join(dir, "ok.txt"), agent, LevelWrite)
	assert.NoError(t, err)

	_, err = CheckWrite("/etc/hosts", agent, LevelWrite)
	assert.Error(t, err)

	_, err = CheckWrite(filepath.Join(dir, "go.mod"), agent, LevelWrite)
	assert.ErrorContains(t, err, "write-locked")

	// VIP bypass waives the core-file lock but not system roots.
	_, err = CheckWrite(filepath.Join(dir, "go.mod"), agent, LevelFull)
	assert.NoError(t, err)
	_, err = CheckWrite("/usr/local/bin/x", agent, LevelFull)
	assert.ErrorContains(t, err, "protected system path")
}

func TestCheckReadScenarios(t *testing.T) {
	dir := t.TempDir()
	project := filepath.Join(dir, "project")
	require.NoError(t, os.Mkdir(project, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(project, "a.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "secret.txt"), []byte("x"), 0o644))

	agent := &Agent{ID: "a", DirectoryScopes: []string{project}}

	_, err := CheckRead(filepath.Join(project, "a.txt"), agent, LevelRead)
	assert.NoError(t, err)

	_, err = CheckRead(filepath.Join(project, "..", "secret.txt"), agent, LevelRead)
	assert.ErrorContains(t, err, "outside allowed directories")
}

// Invariant: whenever a path is allowed for an agent with non-empty scopes,
// its canonical form lies under some canonical scope root.
func TestPathScopeProperty(t *testing.T) {
	scope := t.TempDir()
	canonScope, err := Canonicalize(scope)
	require.NoError(t, err)
	agent := &Agent{ID: "p", DirectoryScopes: []string{scope}}

	segment := gen.RegexMatch(`[a-z.]{1,8}`)
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("allowed implies under scope root", prop.ForAll(
		func(parts []string, escape bool) bool {
			p := scope
			for _, s := range parts {
				p = filepath.Join(p, s)
			}
			if escape {
				p = filepath.Join(p, "..", "..", "..", "..", "escape.txt")
			}
			canonical, err := CheckWrite(p, agent, LevelWrite)
			if err != nil {
				return true // denied paths carry no obligation
			}
			return canonical == canonScope ||
				strings.HasPrefix(canonical, canonScope+string(filepath.Separator))
		},
		gen.SliceOfN(3, segment),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
