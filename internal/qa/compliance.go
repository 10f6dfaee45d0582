package qa

import (
	"regexp"
	"strings"
)

// Compliance issue codes. Prohibited phrases are reported as
// IssueProhibitedPhrase + ":" + phrase.
const (
	IssuePIIEmail         = "pii_email"
	IssuePIICard          = "pii_card"
	IssuePIISSN           = "pii_ssn"
	IssuePIIPhone         = "pii_phone"
	IssueProhibitedPhrase = "prohibited_phrase"
)

var piiPatterns = []struct {
	code    string
	pattern *regexp.Regexp
}{
	{IssuePIIEmail, regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)},
	// Cards and SSNs are checked before phones so a card number is not also
	// reported as a phone number.
	{IssuePIICard, regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)},
	{IssuePIISSN, regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
	{IssuePIIPhone, regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)},
}

// CheckCompliance returns the distinct issue codes found in one agent turn,
// in detection order.
func CheckCompliance(text string, prohibited []string) []string {
	var issues []string
	rest := text
	for _, p := range piiPatterns {
		if p.pattern.MatchString(rest) {
			issues = append(issues, p.code)
			rest = p.pattern.ReplaceAllString(rest, " ")
		}
	}

	lower := strings.ToLower(text)
	for _, phrase := range prohibited {
		phrase = strings.ToLower(strings.TrimSpace(phrase))
		if phrase != "" && strings.Contains(lower, phrase) {
			issues = append(issues, IssueProhibitedPhrase+":"+phrase)
		}
	}
	return issues
}

// RedactPII masks the personal data patterns CheckCompliance detects.
func RedactPII(text string) string {
	out := text
	for _, p := range piiPatterns {
		out = p.pattern.ReplaceAllString(out, "[REDACTED_"+strings.ToUpper(strings.TrimPrefix(p.code, "pii_"))+"]")
	}
	return out
}
