package log

import (
	"regexp"
	"strings"
)

const redacted = "[REDACTED]"

// Patterns for credentials that agents commonly echo to their output.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`gh[pousr]_[A-Za-z0-9]{36,}`),
	regexp.MustCompile(`github_pat_[A-Za-z0-9_]{22,}`),
	regexp.MustCompile(`sk-ant-[A-Za-z0-9_\-]{20,}`),
	regexp.MustCompile(`sk-[A-Za-z0-9_\-]{20,}`),
	regexp.MustCompile(`AKIA[0-9A-Z]{16}`),
	regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._\-]{16,}`),
	regexp.MustCompile(`(?i)((?:api[_-]?key|token|secret|password)\s*[=:]\s*)["']?[^\s"']{8,}["']?`),
}

var privateKeyBlock = regexp.MustCompile(`(?s)-----BEGIN [A-Z ]*PRIVATE KEY-----.*?-----END [A-Z ]*PRIVATE KEY-----`)

// Redact replaces anything that looks like a credential in s with a placeholder.
func Redact(s string) string {
	if s == "" {
		return s
	}
	if strings.Contains(s, "PRIVATE KEY-----") {
		s = privateKeyBlock.ReplaceAllString(s, redacted)
	}
	for i, re := range secretPatterns {
		if i == len(secretPatterns)-1 {
			// keep the key name so the line stays readable
			s = re.ReplaceAllString(s, "${1}"+redacted)
			continue
		}
		s = re.ReplaceAllString(s, redacted)
	}
	return s
}
