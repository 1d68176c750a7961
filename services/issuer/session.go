package issuer

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"

	"marinvpn/pkg/vpnerr"
)

// SessionVerifier authenticates the bearer credential of linked requests
// and returns the account it belongs to.
type SessionVerifier interface {
	Verify(ctx context.Context, bearer string) (string, error)
}

// StaticSessions accepts a fixed set of tokens. A token of the form
// "account:secret" authenticates as account; a bare token is its own
// subject.
type StaticSessions struct {
	tokens map[[32]byte]string
}

func NewStaticSessions(tokens []string) *StaticSessions {
	s := &StaticSessions{tokens: make(map[[32]byte]string, len(tokens))}
	for _, t := range tokens {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		subject := t
		if acct, _, ok := strings.Cut(t, ":"); ok && acct != "" {
			subject = acct
		}
		s.tokens[sha256.Sum256([]byte(t))] = subject
	}
	return s
}

func (s *StaticSessions) Verify(_ context.Context, bearer string) (string, error) {
	if bearer == "" {
		return "", vpnerr.ErrUnauthorized
	}
	sum := sha256.Sum256([]byte(bearer))
	for k, subject := range s.tokens {
		if subtle.ConstantTimeCompare(k[:], sum[:]) == 1 {
			return subject, nil
		}
	}
	return "", vpnerr.ErrUnauthorized
}

func bearerToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(h, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
}
