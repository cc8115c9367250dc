package prompt

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScriptSet_FlagsAndCaptureGroups(t *testing.T) {
	s := NewScriptSet(
		Script{ID: "first-only", Find: "/o/", Replace: "0"},
		Script{ID: "all", Find: "/o/g", Replace: "0"},
		Script{ID: "names", Find: `/(\w+) said/gi`, Replace: "$1 stated"},
		Script{ID: "wrap", Find: "/dawn/", Replace: "<{{match}}>"},
		Script{ID: "trim", Find: "/x/", Replace: "", TrimStrings: []string{"*"}},
		Script{ID: "off", Find: "/a/g", Replace: "b", Disabled: true},
	)

	out, err := s.Apply("first-only", "foo boo")
	require.NoError(t, err)
	assert.Equal(t, "f0o boo", out)

	out, err = s.Apply("all", "foo boo")
	require.NoError(t, err)
	assert.Equal(t, "f00 b00", out)

	out, err = s.Apply("names", "Ann SAID hi. Bob said no.")
	require.NoError(t, err)
	assert.Equal(t, "Ann stated hi. Bob stated no.", out)

	out, err = s.Apply("wrap", "at dawn")
	require.NoError(t, err)
	assert.Equal(t, "at <dawn>", out)

	out, err = s.Apply("trim", "*bold* x")
	require.NoError(t, err)
	assert.Equal(t, "bold ", out)

	out, err = s.Apply("off", "aaa")
	require.NoError(t, err)
	assert.Equal(t, "aaa", out)
}

func TestScriptSet_Errors(t *testing.T) {
	s := NewScriptSet(Script{ID: "bad-flag", Find: "/a/q"}, Script{ID: "empty"})

	_, err := s.Apply("bad-flag", "a")
	assert.Error(t, err)
	_, err = s.Apply("empty", "a")
	assert.Error(t, err)
	out, err := s.Apply("nope", "keep")
	assert.Error(t, err)
	assert.Equal(t, "keep", out)
}

func TestLoadScripts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scripts.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
scripts:
  - id: strip-ooc
    find: "/\\(OOC:.*?\\)/g"
    replace: ""
`), 0o644))

	s, err := LoadScripts(path)
	require.NoError(t, err)
	out, err := s.Apply("strip-ooc", "Hello (OOC: brb) there")
	require.NoError(t, err)
	assert.Equal(t, "Hello  there", out)

	empty, err := LoadScripts(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Empty(t, empty.IDs())
}
