package domain

import (
	"fmt"
	"strings"
)

// CredentialShape is the advisory form a provider token is expected to
// have. Passing the check says nothing about whether the token works.
type CredentialShape struct {
	Prefix string
	Length int
}

var (
	ReplicateCredential = CredentialShape{Prefix: "r8_", Length: 40}
	GeminiCredential    = CredentialShape{Prefix: "AIza", Length: 39}
)

func (s CredentialShape) Check(token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return fmt.Errorf("%w: missing API token", ErrConfiguration)
	}
	if !strings.HasPrefix(token, s.Prefix) || len(token) != s.Length {
		return fmt.Errorf("%w: API token must start with %q and be %d characters long", ErrConfiguration, s.Prefix, s.Length)
	}
	return nil
}
