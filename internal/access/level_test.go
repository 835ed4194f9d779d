package access

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	for _, tt := range []struct {
		in   string
		want Level
	}{
		{"off", LevelOff},
		{"CHAT", LevelChat},
		{"read", LevelRead},
		{"3", LevelWrite},
		{"exec", LevelExec},
		{"full", LevelFull},
	} {
		got, err := ParseLevel(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := ParseLevel("superuser")
	assert.Error(t, err)
	_, err = ParseLevel("9")
	assert.Error(t, err)
}

func TestEffectiveClampsByServerLevel(t *testing.T) {
	assert.Equal(t, LevelChat, Effective(LevelChat, LevelFull))
	assert.Equal(t, LevelRead, Effective(LevelFull, LevelRead))
	assert.Equal(t, LevelOff, Effective(LevelOff, LevelExec))
}

func TestLevelJSON(t *testing.T) {
	var l Level
	require.NoError(t, json.Unmarshal([]byte(`"write"`), &l))
	assert.Equal(t, LevelWrite, l)
	require.NoError(t, json.Unmarshal([]byte(`4`), &l))
	assert.Equal(t, LevelExec, l)
	assert.Error(t, json.Unmarshal([]byte(`42`), &l))

	b, err := json.Marshal(LevelExec)
	require.NoError(t, err)
	assert.Equal(t, "4", string(b))
}

func TestAgentCategoryToggles(t *testing.T) {
	a := &Agent{ID: "x"}
	assert.True(t, a.CategoryEnabled("files"), "absent map allows")

	a.EnabledCapabilities = map[string]bool{"execution": false}
	assert.False(t, a.CategoryEnabled("execution"))
	assert.True(t, a.CategoryEnabled("files"), "absent key allows")
}
