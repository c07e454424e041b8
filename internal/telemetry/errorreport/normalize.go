package errorreport

import (
	"encoding/hex"
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/crypto/blake2b"

	"campus-telemetry/internal/telemetry/domain"
)

// MaxTemplateLength is the rune limit of a normalized message.
const MaxTemplateLength = 500

// Applied in order; URLs may contain UUIDs and numbers.
var replacements = []struct {
	re  *regexp.Regexp
	tag string
}{
	{regexp.MustCompile(`[a-zA-Z][a-zA-Z0-9+.-]*://[^\s"'<>]+`), "<url>"},
	{regexp.MustCompile(`\b[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}\b`), "<uuid>"},
	{regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`), "<email>"},
	{regexp.MustCompile(`\b0[xX][0-9a-fA-F]+\b`), "<hex>"},
	{regexp.MustCompile(`"[^"]*"|'[^']*'|` + "`[^`]*`"), "<str>"},
	{regexp.MustCompile(`\b\d+(?:\.\d+)?\b`), "<n>"},
}

var whitespace = regexp.MustCompile(`\s+`)

// NormalizeMessage reduces an error message to a template by replacing
// volatile fragments (URLs, ids, addresses, literals, numbers) with
// placeholders, so occurrences of the same failure group together.
func NormalizeMessage(msg string) string {
	for _, r := range replacements {
		msg = r.re.ReplaceAllString(msg, r.tag)
	}
	msg = strings.TrimSpace(whitespace.ReplaceAllString(msg, " "))
	if utf8.RuneCountInString(msg) > MaxTemplateLength {
		msg = string([]rune(msg)[:MaxTemplateLength])
	}
	return msg
}

// Hash returns the pattern key for (errorType, name, template). The template
// must already be normalized.
func Hash(t domain.ErrorType, name, template string) string {
	sum := blake2b.Sum256([]byte(string(t) + "\x00" + name + "\x00" + template))
	return hex.EncodeToString(sum[:16])
}

// Fingerprint normalizes msg and returns both the template and the hash.
func Fingerprint(t domain.ErrorType, name, msg string) (template, hash string) {
	template = NormalizeMessage(msg)
	return template, Hash(t, name, template)
}
