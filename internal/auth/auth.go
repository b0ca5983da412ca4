// Package auth checks the shared secret a peer presents when it attaches to
// an accepting transport.
package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

// HeaderToken carries the peer secret on the transport handshake.
const HeaderToken = "X-Rmbridge-Token"

var ErrUnauthorized = errors.New("auth: unauthorized")

type Validator interface {
	Validate(token string) error
}

// StaticToken accepts exactly one shared token. An empty Token denies all.
type StaticToken struct {
	Token string
}

func (s StaticToken) Validate(token string) error {
	if s.Token == "" {
		return ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(s.Token), []byte(token)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

type FuncValidator func(token string) error

func (f FuncValidator) Validate(token string) error {
	return f(token)
}

// FromConfig returns nil when token is blank, meaning the transport is open.
func FromConfig(token string) Validator {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil
	}
	return StaticToken{Token: token}
}

// Check validates the token on r. A nil validator admits every request.
func Check(v Validator, r *http.Request) error {
	if v == nil {
		return nil
	}
	return v.Validate(strings.TrimSpace(r.Header.Get(HeaderToken)))
}

// Attach sets token on h when it is non-empty.
func Attach(h http.Header, token string) {
	if token = strings.TrimSpace(token); token != "" {
		h.Set(HeaderToken, token)
	}
}
