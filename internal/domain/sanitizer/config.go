// Package sanitizer normalizes and bound-checks tool-call arguments
// before they ever reach the matcher, and rejects known-malicious
// input outright.
package sanitizer

// Config controls every sanitize operation. All fields have the
// reference defaults below; a zero-value Config is invalid — use
// DefaultConfig and override individual fields.
type Config struct {
	MaxStringLength   int
	MaxArgsDepth      int
	MaxTotalKeys      int
	StripWhitespace   bool
	StripNullBytes    bool
	NormalizeUnicode  bool
	StripControlChars bool
	// BlockedPatterns are operator-supplied regexes checked against a
	// flattened string view of the args, after the built-in detectors.
	BlockedPatterns []string
}

// DefaultConfig matches the reference engine's defaults.
func DefaultConfig() Config {
	return Config{
		MaxStringLength:   10000,
		MaxArgsDepth:      10,
		MaxTotalKeys:      100,
		StripWhitespace:   true,
		StripNullBytes:    true,
		NormalizeUnicode:  true,
		StripControlChars: true,
	}
}
