package api

import "crypto/subtle"

// keyParam is the query parameter carrying the shared secret.
const keyParam = "k"

// Gate validates the shared-secret query parameter before any dispatch.
// A missing and a mismatched secret are deliberately indistinguishable:
// both close the connection with zero bytes written, so probing the API
// reveals nothing about secret validity.
type Gate struct {
	key string
}

// NewGate creates a Gate for the given shared secret.
func NewGate(key string) *Gate {
	return &Gate{key: key}
}

// Allow reports whether the request carries the correct secret.
func (g *Gate) Allow(req *Request) bool {
	provided, ok := req.Query[keyParam]
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(g.key)) == 1
}
