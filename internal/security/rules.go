package security

import (
	"regexp"
	"strings"
)

type rule struct {
	name    string
	score   int
	pattern *regexp.Regexp
	// verify filters candidate matches; nil accepts all.
	verify func(match string) bool
}

// threatRules detect malicious payloads.
var threatRules = []rule{
	{name: "script_injection", score: 50, pattern: regexp.MustCompile(`(?i)<\s*script\b|javascript\s*:|vbscript\s*:`)},
	{name: "event_handler_injection", score: 40, pattern: regexp.MustCompile(`(?i)\bon(load|error|click|mouseover|focus)\s*=`)},
	{name: "sql_injection", score: 40, pattern: regexp.MustCompile(`(?i)\bunion\s+(all\s+)?select\b|\bdrop\s+table\b|'\s*or\s+'?1'?\s*=\s*'?1`)},
	{name: "path_traversal", score: 30, pattern: regexp.MustCompile(`\.\./|\.\.\\`)},
	{name: "command_injection", score: 40, pattern: regexp.MustCompile(`(?i)(;|&&|\|\|)\s*(rm\s+-rf|curl\s|wget\s|nc\s+-e|bash\s+-c|chmod\s+\+x)`)},
	{name: "jndi_injection", score: 80, pattern: regexp.MustCompile(`(?i)\$\{\s*jndi\s*:`)},
	{name: "shellshock", score: 80, pattern: regexp.MustCompile(`\(\)\s*\{\s*:\s*;\s*\}\s*;`)},
	{name: "template_injection", score: 30, pattern: regexp.MustCompile(`(?i)\{\{\s*(config|self|request)\b`)},
}

// piiRules detect sensitive identifiers.
var piiRules = []rule{
	{name: "email", score: 10, pattern: regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)},
	{name: "card_number", score: 30, pattern: regexp.MustCompile(`\b(?:\d[ -]?){12,18}\d\b`), verify: luhnValid},
	{name: "ssn", score: 30, pattern: regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
	{name: "phone", score: 10, pattern: regexp.MustCompile(`(?:\+\d{1,3}[ .-]?)?\(?\b\d{3}\)?[ .-]\d{3}[ .-]\d{4}\b`)},
}

func (r rule) matches(content string) bool {
	if r.verify == nil {
		return r.pattern.MatchString(content)
	}
	for _, m := range r.pattern.FindAllString(content, -1) {
		if r.verify(m) {
			return true
		}
	}
	return false
}

func (r rule) redact(content string) string {
	return r.pattern.ReplaceAllStringFunc(content, func(m string) string {
		if r.verify != nil && !r.verify(m) {
			return m
		}
		return "[redacted:" + r.name + "]"
	})
}

// luhnValid checks a 13-19 digit number against the Luhn checksum.
func luhnValid(s string) bool {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := int(digits[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

// ContainsThreat reports whether input matches any built-in threat rule.
// Used by the HTTP layer for paths and query strings.
func ContainsThreat(input string) bool {
	if input == "" {
		return false
	}
	if strings.Contains(input, "//") {
		return true
	}
	for _, r := range threatRules {
		if r.matches(input) {
			return true
		}
	}
	return false
}
