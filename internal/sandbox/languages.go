package sandbox

import (
	"fmt"
	"sort"
	"strings"
)

// langSpec describes how a snippet language is executed: the container
// image to run it in, the filename the snippet is written to, and the
// command that runs it from the working directory.
type langSpec struct {
	image    string
	filename string
	command  []string
	hostCmd  string // interpreter looked up on PATH for host execution
}

var languages = map[string]langSpec{
	"python": {
		image:    "python:3.12-alpine",
		filename: "snippet.py",
		command:  []string{"python3", "snippet.py"},
		hostCmd:  "python3",
	},
	"javascript": {
		image:    "node:alpine",
		filename: "snippet.js",
		command:  []string{"node", "snippet.js"},
		hostCmd:  "node",
	},
	"go": {
		image:    "golang:alpine",
		filename: "snippet.go",
		command:  []string{"go", "run", "snippet.go"},
		hostCmd:  "go",
	},
	"bash": {
		image:    "alpine:latest",
		filename: "snippet.sh",
		command:  []string{"sh", "snippet.sh"},
		hostCmd:  "sh",
	},
}

var languageAliases = map[string]string{
	"py":      "python",
	"python3": "python",
	"js":      "javascript",
	"node":    "javascript",
	"nodejs":  "javascript",
	"golang":  "go",
	"sh":      "bash",
	"shell":   "bash",
}

// resolveLanguage maps a user-supplied language name to its execution spec.
func resolveLanguage(language string) (langSpec, error) {
	name := strings.ToLower(strings.TrimSpace(language))
	if canonical, ok := languageAliases[name]; ok {
		name = canonical
	}
	spec, ok := languages[name]
	if !ok {
		return langSpec{}, fmt.Errorf("unsupported language %q, supported: %s", language, supportedLanguages())
	}
	return spec, nil
}

func supportedLanguages() string {
	names := make([]string, 0, len(languages))
	for name := range languages {
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}
