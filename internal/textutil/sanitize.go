package textutil

import "strings"

const maxFileNameLength = 200

// SanitizeFileName converts a chapter title into a cross-platform, URL-safe
// filename segment. Forbidden characters and spaces become underscores, runs
// of underscores collapse, and the result is capped at 200 characters.
func SanitizeFileName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch r {
		case '<', '>', ':', '"', '/', '\\', '|', '?', '*', ' ':
			b.WriteByte('_')
		default:
			b.WriteRune(r)
		}
	}
	out := b.String()
	for strings.Contains(out, "__") {
		out = strings.ReplaceAll(out, "__", "_")
	}
	out = strings.Trim(out, "._")
	if len(out) > maxFileNameLength {
		out = out[:maxFileNameLength]
	}
	return out
}
