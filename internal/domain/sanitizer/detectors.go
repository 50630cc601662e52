package sanitizer

import "regexp"

type detector struct {
	name string
	re   *regexp.Regexp
}

// builtinDetectors scan a flattened string view of the args and, on
// match, reject the whole call. Patterns intentionally favor recall
// over precision — a false-positive sanitizer rejection is cheap to
// diagnose, a missed injection is not.
var builtinDetectors = []detector{
	{
		name: "path_traversal",
		re: regexp.MustCompile(
			`(?i)(\.\.[/\\]|%2e%2e[/\\]|%2e%2e%2f|\.\.%2f|%252e%252e%252f|\.\.%5c)`,
		),
	},
	{
		name: "shell_injection",
		re: regexp.MustCompile(
			"(?:;|\\|\\||&&|\\$\\(|`)\\s*(?:rm|wget|curl|nc|ncat|bash|sh|chmod|chown|cat|python[0-9.]*|perl|telnet)\\b",
		),
	},
	{
		name: "sql_injection",
		re: regexp.MustCompile(
			`(?i)(\bor\b\s+['"]?1['"]?\s*=\s*['"]?1['"]?\b|\bunion\b\s+\bselect\b|;\s*drop\s+table\b|'\s*or\s*'1'\s*=\s*'1)`,
		),
	},
	{
		name: "ssrf",
		re: regexp.MustCompile(
			`(?i)(127\.0\.0\.1|0\.0\.0\.0|\blocalhost\b|169\.254\.169\.254|metadata\.google\.internal|` +
				`\b10\.\d{1,3}\.\d{1,3}\.\d{1,3}\b|\b172\.(1[6-9]|2\d|3[01])\.\d{1,3}\.\d{1,3}\b|` +
				`\b192\.168\.\d{1,3}\.\d{1,3}\b|\[::1\]|\bfe80:)`,
		),
	},
	{
		name: "url_schemes",
		re:   regexp.MustCompile(`(?i)\b(?:file|javascript|data|vbscript):`),
	},
}
