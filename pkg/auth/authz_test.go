package auth

import "testing"

func TestWildcardMatch(t *testing.T) {
	tests := []struct {
		text    string
		pattern string
		want    bool
	}{
		{"abc", "*", true},
		{"", "*", true},
		{"abc", "a*c", true},
		{"abc", "a*d", false},
		{"abc", "abc", true},
		{"abc", "abcd", false},
		{"abc", "ab", false},
		{"", "", true},
		{"a", "", false},
		{"org/repo", "org/*", true},
		{"org/repo", "*/repo", true},
		{"org/repo", "other/*", false},
		{"aXbXc", "a*b*c", true},
		{"abc", "***", true},
		{"a*c", "a*c", true}, // '*' in text is a literal byte
		{"*", "*", true},
		{"*", "v*", false},
	}
	for _, tt := range tests {
		if got := WildcardMatch(tt.text, tt.pattern); got != tt.want {
			t.Errorf("WildcardMatch(%q, %q) = %v, want %v", tt.text, tt.pattern, got, tt.want)
		}
	}
}

func TestAuthorize(t *testing.T) {
	user := &User{
		Username: "alice",
		Permissions: []Permission{
			{Repository: "a/*", Tag: "*", Actions: []Action{ActionPull}},
			{Repository: "team/app", Tag: "v*", Actions: []Action{ActionPull, ActionPush}},
		},
	}

	tests := []struct {
		name   string
		repo   string
		tag    string
		action Action
		want   bool
	}{
		{"wildcard repo pull", "a/b", "latest", ActionPull, true},
		{"wildcard repo push denied", "a/b", "latest", ActionPush, false},
		{"exact repo tag prefix", "team/app", "v1", ActionPush, true},
		{"exact repo wrong tag", "team/app", "latest", ActionPush, false},
		{"unknown repo", "other/repo", "v1", ActionPull, false},
		{"blob request matches tagless grant", "a/b", "*", ActionPull, true},
		{"blob request needs tag pattern star", "team/app", "*", ActionPush, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Authorize(user, tt.repo, tt.tag, tt.action); got != tt.want {
				t.Errorf("Authorize(%q, %q, %q) = %v, want %v", tt.repo, tt.tag, tt.action, got, tt.want)
			}
		})
	}

	if Authorize(nil, "a/b", "*", ActionPull) {
		t.Error("nil user must never be authorized")
	}
}

func TestIsAdmin(t *testing.T) {
	admin := &User{Permissions: []Permission{
		{Repository: "*", Tag: "*", Actions: []Action{ActionPull, ActionPush, ActionDelete}},
	}}
	if !admin.IsAdmin() {
		t.Error("full wildcard delete grant must derive admin")
	}

	noDelete := &User{Permissions: []Permission{
		{Repository: "*", Tag: "*", Actions: []Action{ActionPull, ActionPush}},
	}}
	if noDelete.IsAdmin() {
		t.Error("grant without delete must not derive admin")
	}

	scoped := &User{Permissions: []Permission{
		{Repository: "org/*", Tag: "*", Actions: []Action{ActionDelete}},
	}}
	if scoped.IsAdmin() {
		t.Error("repo-scoped delete grant must not derive admin")
	}
}

func TestCheckPassword(t *testing.T) {
	hash, err := HashPassword("s3cret")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if !CheckPassword("s3cret", hash) {
		t.Error("bcrypt hash should verify")
	}
	if CheckPassword("wrong", hash) {
		t.Error("wrong password should not verify")
	}
	// Hand-seeded users files may carry cleartext.
	if !CheckPassword("plain", "plain") {
		t.Error("cleartext fallback should verify")
	}
	if CheckPassword("plain", "other") {
		t.Error("cleartext mismatch should not verify")
	}
}
