package transport

import "net/http"

// AuthStrategy is the pluggable predicate over the upgrade request the
// core spec treats as an external collaborator.
type AuthStrategy interface {
	Authenticate(r *http.Request) (allow bool, reason string)
}

// AllowAll is the default strategy: every upgrade request is accepted.
type AllowAll struct{}

func (AllowAll) Authenticate(r *http.Request) (bool, string) { return true, "" }
