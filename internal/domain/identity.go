package domain

// Identity is who a membership acts as: an authenticated user or an
// anonymous session.
type Identity struct {
	UserID    string
	Username  string
	SessionID string
	IsAuth    bool
}

// AnonymousName is shown for participants without an account.
const AnonymousName = "Anonymous"

// Key returns the identifier memberships are deduplicated on. Users and
// anonymous sessions live in separate namespaces.
func (i Identity) Key() string {
	if i.IsAuth {
		return "user:" + i.UserID
	}
	return "anon:" + i.SessionID
}

// DisplayName returns the name shown to other participants. Anonymous
// participants may pick a name; without one they show as AnonymousName.
func (i Identity) DisplayName() string {
	if i.Username != "" {
		return i.Username
	}
	if i.IsAuth {
		return i.UserID
	}
	return AnonymousName
}
