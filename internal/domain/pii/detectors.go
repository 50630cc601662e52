package pii

import (
	"regexp"
	"strconv"
	"strings"
)

// validator rejects a regex match that is syntactically plausible but
// semantically wrong (an IP octet over 255, a too-short passport
// number). Returning false drops the match entirely.
type validator func(matched string) bool

// masker produces the redacted replacement for a matched span, in the
// same textual class as the original (an email stays email-shaped).
type masker func(matched string) string

// detector is a typed (PIIType, pattern, masker) tuple, optionally
// narrowed by a validator. Built-in detectors are anchored to typical
// field boundaries to keep false-positive rate low; custom detectors
// from pii_patterns carry no validator.
type detector struct {
	piiType   Type
	re        *regexp.Regexp
	validate  validator
	mask      masker
}

// builtinDetectors mirrors the reference engine's PII type list
// (policyshield/core/models.py's PIIType enum), generalized into the
// teacher's compiled-pattern-table idiom (response_scanner.go).
var builtinDetectors = []detector{
	{
		piiType: TypeEmail,
		re:      regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`),
		mask:    maskEmail,
	},
	{
		piiType: TypeIPAddress,
		re:      regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`),
		validate: validIPv4,
		mask:     maskIPAddress,
	},
	{
		piiType: TypeCreditCard,
		re:      regexp.MustCompile(`\b(?:\d[ -]?){13,19}\b`),
		validate: validCreditCard,
		mask:     maskCreditCard,
	},
	{
		piiType: TypeSSN,
		re:      regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
		mask:    maskSSN,
	},
	{
		piiType: TypeIBAN,
		re:      regexp.MustCompile(`\b[A-Z]{2}\d{2}[A-Z0-9]{11,30}\b`),
		mask:    maskIBAN,
	},
	{
		piiType: TypePassport,
		re:      regexp.MustCompile(`\b[A-Za-z]\d{7,9}\b`),
		validate: validPassport,
		mask:     maskPassport,
	},
	{
		piiType: TypeDateOfBirth,
		re:      regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b|\b\d{2}/\d{2}/\d{4}\b`),
		mask:    maskDateOfBirth,
	},
	{
		piiType: TypePhone,
		re:      regexp.MustCompile(`\+?\d[\d\-\s().]{7,14}\d`),
		mask:    maskPhone,
	},
	{
		piiType: TypeINN,
		re:      regexp.MustCompile(`\b\d{10}(?:\d{2})?\b`),
		mask:    maskDigitsKeepLast4,
	},
	{
		piiType: TypeSNILS,
		re:      regexp.MustCompile(`\b\d{3}-\d{3}-\d{3} \d{2}\b`),
		mask:    maskSNILS,
	},
	{
		piiType: TypeRUPassport,
		re:      regexp.MustCompile(`\b\d{4} \d{6}\b`),
		mask:    maskRUPassport,
	},
	{
		piiType: TypeRUPhone,
		re:      regexp.MustCompile(`(?:\+7|8)\s?\(?\d{3}\)?[\s-]?\d{3}[\s-]?\d{2}[\s-]?\d{2}\b`),
		mask:    maskPhone,
	},
}

func maskEmail(s string) string {
	at := strings.IndexByte(s, '@')
	if at < 0 {
		return strings.Repeat("*", len(s))
	}
	local, domain := s[:at], s[at+1:]
	dot := strings.LastIndexByte(domain, '.')
	var domainMasked string
	if dot > 0 {
		domainMasked = maskMiddle(domain[:dot]) + domain[dot:]
	} else {
		domainMasked = maskMiddle(domain)
	}
	return maskMiddle(local) + "@" + domainMasked
}

func maskMiddle(s string) string {
	if s == "" {
		return s
	}
	if len(s) == 1 {
		return "*"
	}
	return string(s[0]) + strings.Repeat("*", len(s)-1)
}

func maskIPAddress(s string) string {
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return strings.Repeat("*", len(s))
	}
	return parts[0] + "." + parts[1] + "." + parts[2] + ".***"
}

func validIPv4(s string) bool {
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return false
	}
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > 255 {
			return false
		}
	}
	return true
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func validCreditCard(s string) bool {
	d := digitsOnly(s)
	if len(d) < 13 || len(d) > 19 {
		return false
	}
	return luhnValid(d)
}

// luhnValid performs the standard Luhn mod-10 checksum.
func luhnValid(digits string) bool {
	sum := 0
	alt := false
	for i := len(digits) - 1; i >= 0; i-- {
		n := int(digits[i] - '0')
		if alt {
			n *= 2
			if n > 9 {
				n -= 9
			}
		}
		sum += n
		alt = !alt
	}
	return sum%10 == 0
}

func maskCreditCard(s string) string {
	d := digitsOnly(s)
	if len(d) < 4 {
		return strings.Repeat("*", len(s))
	}
	return "**** **** **** " + d[len(d)-4:]
}

func maskDigitsKeepLast4(s string) string {
	d := digitsOnly(s)
	if len(d) < 4 {
		return strings.Repeat("*", len(s))
	}
	return strings.Repeat("*", len(d)-4) + d[len(d)-4:]
}

func maskSSN(s string) string {
	if len(s) != 11 {
		return strings.Repeat("*", len(s))
	}
	return "***-**-" + s[7:]
}

func maskIBAN(s string) string {
	if len(s) < 8 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}

func validPassport(s string) bool {
	digits := digitsOnly(s)
	return len(digits) >= 7 && len(digits) <= 9
}

func maskPassport(s string) string {
	if len(s) < 3 {
		return strings.Repeat("*", len(s))
	}
	return s[:1] + strings.Repeat("*", len(s)-3) + s[len(s)-2:]
}

func maskDateOfBirth(s string) string {
	if strings.Contains(s, "-") {
		return "****-**-**"
	}
	return "**/**/****"
}

func maskPhone(s string) string {
	d := digitsOnly(s)
	if len(d) < 4 {
		return strings.Repeat("*", len(s))
	}
	return strings.Repeat("*", len(d)-4) + d[len(d)-4:]
}

func maskSNILS(s string) string {
	if len(s) < 2 {
		return strings.Repeat("*", len(s))
	}
	return "***-***-*** " + s[len(s)-2:]
}

func maskRUPassport(s string) string {
	if len(s) < 6 {
		return strings.Repeat("*", len(s))
	}
	return "**** " + s[len(s)-6:]
}
