package provider

import (
	"regexp"
	"strings"
)

// Password extraction is two-tier because the control plane is inconsistent
// between endpoints: reinstall tasks embed the fresh password in a structured
// innerHTML assignment, while password-reset tasks print it as plain text.
// The structured marker is tried first; the plain-text patterns are ordered
// fallbacks. A candidate that itself looks like markup is rejected, since
// some task outputs put an HTML tag where the password should be.
var (
	innerHTMLPattern = regexp.MustCompile(`innerHTML\s*=\s*"([^"]+)"`)

	plainTextPatterns = []*regexp.Regexp{
		regexp.MustCompile(`New password:\s*(\S+)`),
		regexp.MustCompile(`Root password:\s*(\S+)`),
	}
)

// ExtractPassword pulls a root password out of free-text or HTML task
// output. Returns false when no pattern yields a plausible password.
func ExtractPassword(output string) (string, bool) {
	if output == "" {
		return "", false
	}

	if m := innerHTMLPattern.FindStringSubmatch(output); m != nil {
		if candidate := strings.TrimSpace(m[1]); isPlausiblePassword(candidate) {
			return candidate, true
		}
	}

	for _, pattern := range plainTextPatterns {
		m := pattern.FindStringSubmatch(output)
		if m == nil {
			continue
		}
		candidate := strings.TrimSpace(m[1])
		if isPlausiblePassword(candidate) {
			return candidate, true
		}
	}

	return "", false
}

// isPlausiblePassword rejects candidates that are really markup fragments.
func isPlausiblePassword(candidate string) bool {
	if candidate == "" {
		return false
	}
	if strings.ContainsAny(candidate, "<>") {
		return false
	}
	return true
}
