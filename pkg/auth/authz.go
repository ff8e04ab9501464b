package auth

// WildcardMatch reports whether text matches pattern, where '*' in the
// pattern matches any substring (including the empty one) and every other
// byte matches literally. No '?', character classes, or escapes.
func WildcardMatch(text, pattern string) bool {
	ti, pi := 0, 0
	star, mark := -1, 0
	for ti < len(text) {
		switch {
		case pi < len(pattern) && pattern[pi] == '*':
			star, mark = pi, ti
			pi++
		case pi < len(pattern) && pattern[pi] == text[ti]:
			ti++
			pi++
		case star >= 0:
			// Backtrack: let the last '*' swallow one more byte.
			mark++
			ti = mark
			pi = star + 1
		default:
			return false
		}
	}
	for pi < len(pattern) && pattern[pi] == '*' {
		pi++
	}
	return pi == len(pattern)
}

// Authorize reports whether the user may perform action on the given
// repository and tag. Requests addressing content by digest pass "*" as
// the tag, so they match only tagless (tag pattern "*") grants.
func Authorize(u *User, repository, tag string, action Action) bool {
	if u == nil {
		return false
	}
	for _, p := range u.Permissions {
		if WildcardMatch(repository, p.Repository) && WildcardMatch(tag, p.Tag) && p.HasAction(action) {
			return true
		}
	}
	return false
}
