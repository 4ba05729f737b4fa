package gateway

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// MaxErrorLength bounds a sanitized error message, in bytes.
const MaxErrorLength = 256

type rewrite struct {
	re   *regexp.Regexp
	with string
}

// Order matters: credentials and URLs are removed before the path, address
// and hostname patterns see what is left of them.
var rewrites = []rewrite{
	{regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/=-]+`), "Bearer [redacted]"},
	{regexp.MustCompile(`(?i)\b(basic)\s+[A-Za-z0-9+/]*[0-9+/=][A-Za-z0-9+/=]*`), "$1 [redacted]"},
	{regexp.MustCompile(`\beyJ[A-Za-z0-9_-]*\.[A-Za-z0-9_-]*\.[A-Za-z0-9_-]*`), "[token]"},
	{regexp.MustCompile(`(?i)\b(password|passwd|pwd|secret|client_secret|token|api[_-]?key|access[_-]?key)\s*[=:]\s*("[^"]*"|'[^']*'|[^\s,;&]+)`), "$1=[redacted]"},
	{regexp.MustCompile(`\b[A-Za-z][A-Za-z0-9+.-]*://\S+`), "[url]"},
	// Directory names; inner values may contain spaces, the last one may not.
	{regexp.MustCompile(`(?i)\b(?:cn|ou|dc|uid)=(?:[^,;:=\n]+?\s*,\s*(?:cn|ou|dc|o|uid|l|st|c)=)*[^,;:=\s"']+`), "[dn]"},
	{regexp.MustCompile(`(?i)\b(user|user id|host|server|data source|initial catalog|integrated security|dbname|database)=[^\s;]+`), "$1=[redacted]"},
	{regexp.MustCompile(`\\\\[\w.$-]+\\[^\s"']+`), "[path]"},
	{regexp.MustCompile(`\b[A-Za-z]:\\[^\s"']+`), "[path]"},
	{regexp.MustCompile(`(?:/[\w.@~-]+){2,}/?`), "[path]"},
	{regexp.MustCompile(`(^|[\s("'=])/[\w.@~-]+/?`), "${1}[path]"},
	{regexp.MustCompile(`\[[0-9A-Fa-f:.]+(?:%[\w.-]+)?\](?::\d+)?`), "[address]"},
	{regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}(?::\d+)?\b`), "[address]"},
	{regexp.MustCompile(`\b(?:[0-9A-Fa-f]{1,4}:){3,7}[0-9A-Fa-f]{1,4}(?:%[\w.-]+)?\b`), "[address]"},
	{regexp.MustCompile(`\blocalhost(?::\d+)?\b`), "[host]"},
	{regexp.MustCompile(`\b(?:[A-Za-z0-9](?:[A-Za-z0-9-]{0,61}[A-Za-z0-9])?\.)+[A-Za-z]{2,63}(?::\d+)?\b`), "[host]"},
}

// Sanitize removes connection strings, credentials, directory names,
// filesystem paths, network addresses, hostnames and bearer tokens from a
// backend error
// message, and truncates the result to [MaxErrorLength] bytes.
func Sanitize(msg string) string {
	for _, rw := range rewrites {
		msg = rw.re.ReplaceAllString(msg, rw.with)
	}
	msg = strings.Join(strings.Fields(msg), " ")
	return truncate(msg, MaxErrorLength)
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	const ellipsis = "..."
	cut := limit - len(ellipsis)
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + ellipsis
}
