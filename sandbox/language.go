package sandbox

import (
	"fmt"
	"maps"
	"regexp"
	"slices"
)

// Language identifies a supported runtime
type Language string

// Language constants
const (
	LanguageNode   Language = "node"
	LanguagePython Language = "python"
	LanguageGo     Language = "go"
)

// DefaultVersion is used when a request names no image version
const DefaultVersion = "latest"

// Profile describes how to run one language: the artifact extension, the
// image repository and the command the artifact path is appended to.
type Profile struct {
	Language   Language
	Extension  string
	Repository string
	Command    []string
	Env        map[string]string
}

var profiles = map[Language]Profile{
	LanguageNode: {
		Language:   LanguageNode,
		Extension:  ".js",
		Repository: "node",
		Command:    []string{"node"},
	},
	LanguagePython: {
		Language:   LanguagePython,
		Extension:  ".py",
		Repository: "python",
		// unbuffered, so streamed output arrives as it is printed
		Command: []string{"python", "-u"},
	},
	LanguageGo: {
		Language:   LanguageGo,
		Extension:  ".go",
		Repository: "golang",
		Command:    []string{"go", "run"},
		// the container user has no writable home
		Env: map[string]string{
			"GOCACHE": "/tmp/.gocache",
			"GOPATH":  "/tmp/go",
		},
	},
}

// docker tag grammar
var versionPattern = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_.-]{0,127}$`)

// Resolve returns the profile for a language id
func Resolve(id string) (Profile, error) {
	p, ok := profiles[Language(id)]
	if !ok {
		return Profile{}, fmt.Errorf("%w: %q", ErrUnknownLanguage, id)
	}

	p.Command = slices.Clone(p.Command)
	p.Env = maps.Clone(p.Env)
	return p, nil
}

// Languages lists the supported language ids in stable order
func Languages() []Language {
	return slices.Sorted(maps.Keys(profiles))
}

// ImageRef returns "{repository}:{version}", defaulting the version to latest
func (p Profile) ImageRef(version string) (string, error) {
	if version == "" {
		version = DefaultVersion
	}
	if !versionPattern.MatchString(version) {
		return "", fmt.Errorf("%w: %q", ErrInvalidVersion, version)
	}
	return p.Repository + ":" + version, nil
}

// Filename returns the artifact filename of a job
func (p Profile) Filename(jobID int64) string {
	return fmt.Sprintf("main-%d%s", jobID, p.Extension)
}
