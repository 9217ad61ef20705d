package sandbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve(t *testing.T) {
	tests := []struct {
		id         string
		extension  string
		repository string
		command    []string
		hasError   bool
	}{
		{"node", ".js", "node", []string{"node"}, false},
		{"python", ".py", "python", []string{"python", "-u"}, false},
		{"go", ".go", "golang", []string{"go", "run"}, false},
		{"cpp", "", "", nil, true},
		{"", "", "", nil, true},
		{"Node", "", "", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			profile, err := Resolve(tt.id)
			if tt.hasError {
				require.ErrorIs(t, err, ErrUnknownLanguage)
				assert.Equal(t, KindValidation, KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, Language(tt.id), profile.Language)
			assert.Equal(t, tt.extension, profile.Extension)
			assert.Equal(t, tt.repository, profile.Repository)
			assert.Equal(t, tt.command, profile.Command)
		})
	}
}

func TestResolveReturnsCopy(t *testing.T) {
	first, err := Resolve("go")
	require.NoError(t, err)
	first.Command[0] = "rm"
	first.Env["GOCACHE"] = "/"

	second, err := Resolve("go")
	require.NoError(t, err)
	assert.Equal(t, []string{"go", "run"}, second.Command)
	assert.Equal(t, "/tmp/.gocache", second.Env["GOCACHE"])
}

func TestLanguages(t *testing.T) {
	assert.Equal(t, []Language{LanguageGo, LanguageNode, LanguagePython}, Languages())
}

func TestImageRef(t *testing.T) {
	profile, err := Resolve("node")
	require.NoError(t, err)

	tests := []struct {
		name     string
		version  string
		expected string
		hasError bool
	}{
		{"default version", "", "node:latest", false},
		{"numeric tag", "20", "node:20", false},
		{"variant tag", "20.11-alpine", "node:20.11-alpine", false},
		{"injected flag", "--privileged", "", true},
		{"registry path", "x/y", "", true},
		{"whitespace", "20 alpine", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ref, err := profile.ImageRef(tt.version)
			if tt.hasError {
				require.ErrorIs(t, err, ErrInvalidVersion)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, ref)
		})
	}
}

func TestFilename(t *testing.T) {
	profile, err := Resolve("python")
	require.NoError(t, err)
	assert.Equal(t, "main-42.py", profile.Filename(42))
}
