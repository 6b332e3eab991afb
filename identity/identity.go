package identity

// Provider resolves the authenticated local user.
type Provider interface {
	// CurrentUserID returns the authenticated user id, ok=false when
	// nobody is signed in.
	CurrentUserID() (string, bool)
}

// Static is a fixed-identity provider for tools and tests.
type Static struct {
	UID string
}

func (s *Static) CurrentUserID() (string, bool) {
	if s.UID == "" {
		return "", false
	}
	return s.UID, true
}
