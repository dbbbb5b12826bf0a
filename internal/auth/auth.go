package auth

import (
	"crypto/subtle"
	"errors"
)

var ErrRejected = errors.New("not authorized")

// Gate checks the key supplied by a client against the configured one.
// A Gate without a key lets everyone in.
type Gate struct {
	key string
}

func New(key string) *Gate {
	return &Gate{
		key: key,
	}
}

func (gate *Gate) Enabled() bool {
	return gate.key != ""
}

func (gate *Gate) IsAuthorized(supplied string) bool {
	if gate.key == "" {
		return true
	}

	return subtle.ConstantTimeCompare([]byte(gate.key), []byte(supplied)) == 1
}

func (gate *Gate) Check(supplied string) error {
	if !gate.IsAuthorized(supplied) {
		return ErrRejected
	}

	return nil
}
