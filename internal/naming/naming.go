// Package naming derives stable DNS-1123 names for generated objects.
package naming

import (
	"crypto/sha1"
	"encoding/hex"
	"regexp"
	"strings"
)

const (
	// MaxSubdomain is the limit for most object names.
	MaxSubdomain = 253
	// MaxLabel is the limit for Service names and label values.
	MaxLabel = 63
)

var reNonDNS = regexp.MustCompile(`[^a-z0-9-]+`)

// Join lowercases and joins parts with "-", dropping empty parts, and
// truncates the result to max characters with a sha1 suffix when needed.
func Join(max int, parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			kept = append(kept, p)
		}
	}
	return Sanitize(strings.Join(kept, "-"), max)
}

// Sanitize turns raw into a DNS-1123 name of at most max characters.
func Sanitize(raw string, max int) string {
	base := strings.ToLower(raw)
	base = reNonDNS.ReplaceAllString(base, "-")
	base = strings.Trim(base, "-")
	if len(base) <= max {
		return base
	}
	h := sha1.Sum([]byte(base))
	suffix := "-" + hex.EncodeToString(h[:])[:8]
	trimTo := max - len(suffix)
	if trimTo < 1 {
		return hex.EncodeToString(h[:])[:16]
	}
	return strings.Trim(base[:trimTo], "-") + suffix
}

// Object names a child of a deployed resource: <resource>-<qualifier>-<kind>.
func Object(resource, qualifier, kind string) string {
	return Join(MaxSubdomain, resource, qualifier, kind)
}

// Service names a Service, which must also be a valid DNS label.
func Service(resource, qualifier string) string {
	return Join(MaxLabel, resource, qualifier, "service")
}
