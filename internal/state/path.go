package state

import (
	"fmt"
	"strings"
)

// SplitDotPath turns "navigation.speed.sog" into its segments. Empty
// segments are dropped so "a..b" and ".a" behave like "a.b" and "a".
func SplitDotPath(path string) []string {
	if path == "" {
		return nil
	}
	raw := strings.Split(path, ".")
	out := make([]string, 0, len(raw))
	for _, s := range raw {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// ParsePointer parses an RFC 6901 JSON pointer ("/a/b~1c") into segments.
// The empty pointer addresses the whole document and yields no segments.
func ParsePointer(ptr string) ([]string, error) {
	if ptr == "" {
		return nil, nil
	}
	if !strings.HasPrefix(ptr, "/") {
		return nil, fmt.Errorf("invalid pointer %q: must start with '/'", ptr)
	}
	parts := strings.Split(ptr[1:], "/")
	for i, p := range parts {
		p = strings.ReplaceAll(p, "~1", "/")
		parts[i] = strings.ReplaceAll(p, "~0", "~")
	}
	return parts, nil
}

// FormatPointer is the inverse of ParsePointer.
func FormatPointer(segments []string) string {
	if len(segments) == 0 {
		return ""
	}
	var b strings.Builder
	for _, s := range segments {
		b.WriteByte('/')
		s = strings.ReplaceAll(s, "~", "~0")
		b.WriteString(strings.ReplaceAll(s, "/", "~1"))
	}
	return b.String()
}

// DotToPointer converts a dot path to a JSON pointer.
func DotToPointer(path string) string {
	return FormatPointer(SplitDotPath(path))
}
