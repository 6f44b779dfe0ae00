package identity

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/genfree/realtime/internal/domain"
	"github.com/genfree/realtime/internal/idgen"
	"github.com/genfree/realtime/pkg/jwt"
)

const maxAnonymousNameLen = 50

// Credentials is what a connecting client presents.
type Credentials struct {
	Token         string // bearer JWT, empty for anonymous
	SessionID     string // anonymous session token, generated when empty
	AnonymousName string
}

// TokenValidator is satisfied by *jwt.Manager.
type TokenValidator interface {
	ValidateToken(token string) (*jwt.Claims, error)
}

// Resolver turns credentials into an Identity.
type Resolver interface {
	Resolve(creds Credentials) (domain.Identity, error)
}

// JWTResolver authenticates bearer tokens and mints anonymous sessions.
type JWTResolver struct {
	tokens   TokenValidator // nil rejects every token
	sessions idgen.Generator
}

func NewJWTResolver(tokens TokenValidator, sessions idgen.Generator) *JWTResolver {
	return &JWTResolver{tokens: tokens, sessions: sessions}
}

// Resolve never falls back to anonymous when a token was presented: a bad
// token is an authentication failure.
func (r *JWTResolver) Resolve(creds Credentials) (domain.Identity, error) {
	if creds.Token != "" {
		if r.tokens == nil {
			return domain.Identity{}, fmt.Errorf("%w: token authentication disabled", domain.ErrAuthenticationRejected)
		}
		claims, err := r.tokens.ValidateToken(creds.Token)
		if err != nil {
			return domain.Identity{}, fmt.Errorf("%w: %v", domain.ErrAuthenticationRejected, err)
		}
		return domain.Identity{
			UserID:    claims.UserID,
			Username:  claims.Username,
			SessionID: creds.SessionID,
			IsAuth:    true,
		}, nil
	}

	session := creds.SessionID
	if session == "" {
		id, err := r.sessions.Generate()
		if err != nil {
			return domain.Identity{}, fmt.Errorf("generate session: %w", err)
		}
		session = id
	} else if ok, reason := r.sessions.Validate(session); !ok {
		return domain.Identity{}, fmt.Errorf("%w: session %s", domain.ErrAuthenticationRejected, reason)
	}

	return domain.Identity{
		SessionID: session,
		Username:  sanitizeName(creds.AnonymousName),
	}, nil
}

func sanitizeName(name string) string {
	name = strings.TrimSpace(name)
	if utf8.RuneCountInString(name) > maxAnonymousNameLen {
		name = string([]rune(name)[:maxAnonymousNameLen])
	}
	return name
}
