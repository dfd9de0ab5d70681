package session

import (
	"os"
	"sort"
	"strings"

	"github.com/dvelop42/cocode/log"
)

// SafePath replaces the inherited PATH of agent processes.
const SafePath = "/usr/bin:/bin:/usr/local/bin:/opt/homebrew/bin"

// Variables passed through to agents unchanged.
var allowedEnvVars = map[string]struct{}{
	"LANG":        {},
	"LC_ALL":      {},
	"LC_CTYPE":    {},
	"LC_MESSAGES": {},
	"LC_TIME":     {},
	"TERM":        {},
	"TERMINFO":    {},
	"USER":        {},
	"USERNAME":    {},
	"TZ":          {},
	"TMPDIR":      {},
}

// Prefixes for cocode settings and agent credentials.
var allowedEnvPrefixes = []string{"COCODE_", "CLAUDE_", "ANTHROPIC_", "CODEX_", "OPENAI_"}

func envAllowed(key string) bool {
	if _, ok := allowedEnvVars[key]; ok {
		return true
	}
	for _, p := range allowedEnvPrefixes {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}

// FilterEnvironment keeps only allowlisted entries of environ (KEY=VALUE form).
func FilterEnvironment(environ []string) map[string]string {
	env := make(map[string]string)
	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" || !envAllowed(key) {
			continue
		}
		env[key] = value
	}
	return env
}

// BuildEnvironment assembles an agent's environment: the filtered parent
// environment, then agentVars, then cocodeVars and the fixed PATH. Agents
// cannot override PATH or COCODE_ variables.
func BuildEnvironment(environ []string, cocodeVars, agentVars map[string]string) map[string]string {
	env := FilterEnvironment(environ)
	for k, v := range agentVars {
		if k == "PATH" || strings.HasPrefix(k, "COCODE_") {
			log.DebugLog.Printf("ignoring agent override of %s", k)
			continue
		}
		env[k] = v
	}
	for k, v := range cocodeVars {
		env[k] = v
	}
	env["PATH"] = SafePath
	return env
}

// EnvList renders env as sorted KEY=VALUE pairs for exec.Cmd.
func EnvList(env map[string]string) []string {
	list := make([]string, 0, len(env))
	for k, v := range env {
		list = append(list, k+"="+v)
	}
	sort.Strings(list)
	return list
}

// expandArgs substitutes ${VAR} references in arguments after argv[0] from
// env. Arguments that expand to nothing are dropped.
func expandArgs(argv []string, env map[string]string) []string {
	out := []string{argv[0]}
	for _, arg := range argv[1:] {
		if !strings.Contains(arg, "$") {
			out = append(out, arg)
			continue
		}
		if expanded := os.Expand(arg, func(k string) string { return env[k] }); expanded != "" {
			out = append(out, expanded)
		}
	}
	return out
}
