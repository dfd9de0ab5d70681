package agent

import (
	"os/exec"
	"sort"
)

// Info describes a known agent and whether it is installed.
type Info struct {
	Name      string   `json:"name" yaml:"name"`
	Installed bool     `json:"installed" yaml:"installed"`
	Path      string   `json:"path,omitempty" yaml:"path,omitempty"`
	Aliases   []string `json:"aliases" yaml:"aliases"`
}

// knownAgents maps agent names to their executables, preferred first.
var knownAgents = map[string][]string{
	ClaudeCodeName: {"claude", "claude-code"},
	CodexCLIName:   {"codex", "codex-cli"},
}

// KnownAgents returns the names of the built-in agents, sorted.
func KnownAgents() []string {
	names := make([]string, 0, len(knownAgents))
	for name := range knownAgents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func firstOnPath(lookPath func(string) (string, error), candidates []string) string {
	for _, c := range candidates {
		if path, err := lookPath(c); err == nil {
			return path
		}
	}
	return ""
}

// Discover reports every known agent and where it is installed.
func Discover() []Info {
	return discover(exec.LookPath)
}

func discover(lookPath func(string) (string, error)) []Info {
	var infos []Info
	for _, name := range KnownAgents() {
		commands := knownAgents[name]
		path := firstOnPath(lookPath, commands)
		infos = append(infos, Info{
			Name:      name,
			Installed: path != "",
			Path:      path,
			Aliases:   append([]string(nil), commands...),
		})
	}
	return infos
}

// ListAvailable returns the names of installed known agents.
func ListAvailable() []string {
	var names []string
	for _, info := range Discover() {
		if info.Installed {
			names = append(names, info.Name)
		}
	}
	return names
}

// Which returns the resolved executable of a known agent, or "".
func Which(name string) string {
	commands, ok := knownAgents[name]
	if !ok {
		return ""
	}
	return firstOnPath(exec.LookPath, commands)
}
