package auth

import "net/http"

type Client interface {
	// Auth authenticates the current user, returns the uid.
	Auth(r *http.Request) (string, error)
}
