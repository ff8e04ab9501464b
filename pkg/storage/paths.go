package storage

import (
	"path/filepath"
	"strings"
)

// Sanitize canonicalizes a user-supplied repository or reference segment
// by dropping every byte outside [A-Za-z0-9._/-]. Callers reject empty
// results.
func Sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			b.WriteByte(c)
		case c == '.' || c == '_' || c == '/' || c == '-':
			b.WriteByte(c)
		}
	}
	return b.String()
}

// securePath joins elem under root and verifies the cleaned result stays
// inside root. Sanitized input still admits "..", so containment is
// checked after the join.
func securePath(root string, elem ...string) (string, bool) {
	p := filepath.Join(append([]string{root}, elem...)...)
	p = filepath.Clean(p)
	rootClean := filepath.Clean(root)
	if p != rootClean && !strings.HasPrefix(p, rootClean+string(filepath.Separator)) {
		return "", false
	}
	return p, true
}
