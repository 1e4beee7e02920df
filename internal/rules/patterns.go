package rules

import "regexp"

// Injection pattern corpus. Compiled once at package init; every pattern is
// case-insensitive and matched against the event's request surfaces (target,
// action, and payload-bearing metadata values).

var sqlInjectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bunion\b.{0,40}\bselect\b`),
	regexp.MustCompile(`(?i)\bselect\b.{0,60}\bfrom\b.{0,60}\b(information_schema|mysql\.|pg_catalog|sysobjects)\b`),
	regexp.MustCompile(`(?i)('|%27)\s*(or|and)\s*('|%27)?\s*\d+\s*=\s*\d+`),
	regexp.MustCompile(`(?i)\b(or|and)\s+1\s*=\s*1\b`),
	regexp.MustCompile(`(?i);\s*(drop|truncate|alter)\s+(table|database)\b`),
	regexp.MustCompile(`(?i)\binsert\s+into\b.{0,60}\bvalues\s*\(`),
	regexp.MustCompile(`(?i)\b(exec|execute)\s*\(?\s*(sp_|xp_)`),
	regexp.MustCompile(`(?i)\b(sleep|benchmark|pg_sleep|waitfor\s+delay)\s*\(`),
	regexp.MustCompile(`(?i)\bload_file\s*\(|\binto\s+(out|dump)file\b`),
	regexp.MustCompile(`(?i)(--|#|/\*)\s*$`),
	regexp.MustCompile(`(?i)('|%27)\s*;\s*--`),
	regexp.MustCompile(`(?i)\bcast\s*\(.{0,40}\bas\s+(char|varchar|nchar)\b`),
}

var xssPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)<\s*script[^>]*>`),
	regexp.MustCompile(`(?i)<\s*/\s*script\s*>`),
	regexp.MustCompile(`(?i)\bjavascript\s*:`),
	regexp.MustCompile(`(?i)\bon(error|load|click|mouseover|focus|blur|submit)\s*=`),
	regexp.MustCompile(`(?i)<\s*(iframe|object|embed|applet)[^>]*>`),
	regexp.MustCompile(`(?i)<\s*img[^>]+src\s*=\s*["']?\s*javascript:`),
	regexp.MustCompile(`(?i)\b(document\.(cookie|location|write)|window\.location)\b`),
	regexp.MustCompile(`(?i)\beval\s*\(|\bsetTimeout\s*\(|\bsetInterval\s*\(`),
	regexp.MustCompile(`(?i)\balert\s*\(|\bprompt\s*\(|\bconfirm\s*\(`),
	regexp.MustCompile(`(?i)(%3C|&lt;)\s*script`),
	regexp.MustCompile(`(?i)\bsrcdoc\s*=`),
	regexp.MustCompile(`(?i)<\s*svg[^>]+onload\s*=`),
}

// matchAny returns the source of the first pattern matching s, or "".
func matchAny(patterns []*regexp.Regexp, s string) string {
	for _, p := range patterns {
		if p.MatchString(s) {
			return p.String()
		}
	}
	return ""
}
