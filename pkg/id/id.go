package id

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/dchest/uniuri"
)

var caseInsensitiveAlphabet = []byte("abcdefghijklmnopqrstuvwxyz1234567890")

// maxTagLength is the Docker image tag limit.
const maxTagLength = 128

var (
	whitespace = regexp.MustCompile(`\s+`)
	tagCharset = regexp.MustCompile(`[^a-z0-9_.-]+`)
)

// Generate returns a random lowercase identifier suitable for correlation ids.
func Generate() string {
	return uniuri.NewLenChars(uniuri.UUIDLen, caseInsensitiveAlphabet)
}

// SanitizeTag restricts an instance id to the Docker tag charset:
// lowercase alphanumerics plus `_`, `.` and `-`, no leading `.` or `-`,
// at most 128 characters. Whitespace becomes `_`, anything else outside
// the charset is dropped.
func SanitizeTag(instanceID string) (string, error) {
	cleaned := strings.ToLower(strings.TrimSpace(instanceID))
	cleaned = whitespace.ReplaceAllString(cleaned, "_")
	cleaned = tagCharset.ReplaceAllString(cleaned, "")
	cleaned = strings.TrimLeft(cleaned, ".-")

	if cleaned == "" {
		return "", fmt.Errorf("instance id %q contains no usable tag characters", instanceID)
	}

	if len(cleaned) > maxTagLength {
		cleaned = cleaned[:maxTagLength]
	}

	return cleaned, nil
}

// SanitizeName reduces a display name to a tag-safe fragment used inside
// generated instance ids. Unusable names collapse to "game".
func SanitizeName(name string) string {
	cleaned, err := SanitizeTag(name)
	if err != nil {
		return "game"
	}

	// Keep generated ids short, the counter suffix carries uniqueness.
	if len(cleaned) > 32 {
		cleaned = cleaned[:32]
	}

	return cleaned
}
