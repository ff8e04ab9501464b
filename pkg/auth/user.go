package auth

import (
	"crypto/subtle"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// Action is a registry operation a permission can grant.
type Action string

const (
	ActionPull   Action = "pull"
	ActionPush   Action = "push"
	ActionDelete Action = "delete"
)

// Permission grants a set of actions on every (repository, tag) pair
// matching both wildcard patterns. The only metacharacter is '*',
// meaning any sequence of characters.
type Permission struct {
	Repository string   `json:"repository"`
	Tag        string   `json:"tag"`
	Actions    []Action `json:"actions"`
}

// HasAction reports whether the permission grants the given action.
func (p Permission) HasAction(a Action) bool {
	for _, have := range p.Actions {
		if have == a {
			return true
		}
	}
	return false
}

// Equal reports structural equality, used to deduplicate grants.
func (p Permission) Equal(o Permission) bool {
	if p.Repository != o.Repository || p.Tag != o.Tag || len(p.Actions) != len(o.Actions) {
		return false
	}
	for i := range p.Actions {
		if p.Actions[i] != o.Actions[i] {
			return false
		}
	}
	return true
}

type User struct {
	Username    string       `json:"username"`
	Password    string       `json:"password"`
	Permissions []Permission `json:"permissions"`
}

// IsAdmin reports the derived admin privilege: a grant whose repository
// and tag patterns both match "*" and whose actions include delete.
func (u *User) IsAdmin() bool {
	for _, p := range u.Permissions {
		if WildcardMatch("*", p.Repository) && WildcardMatch("*", p.Tag) && p.HasAction(ActionDelete) {
			return true
		}
	}
	return false
}

func HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(bytes), err
}

// CheckPassword verifies a candidate password against the stored value.
// Users created through the admin surface carry bcrypt hashes; hand-seeded
// users files may hold cleartext, compared in constant time.
func CheckPassword(password, stored string) bool {
	if strings.HasPrefix(stored, "$2") {
		return bcrypt.CompareHashAndPassword([]byte(stored), []byte(password)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(password), []byte(stored)) == 1
}
