package auth

import (
	"crypto/rsa"
	"sync"

	"studentpunch/internal/checkin"
)

// Session holds the access token of the signed-in user on this device and
// acts as the identity source for punch-in. The token is re-validated on
// every read so an expired token yields no principal.
type Session struct {
	publicKey *rsa.PublicKey
	issuer    string

	mu    sync.RWMutex
	token string
}

func NewSession(publicKey *rsa.PublicKey, issuer string) *Session {
	return &Session{publicKey: publicKey, issuer: issuer}
}

// SignIn validates token and makes it the active session.
func (s *Session) SignIn(token string) (*Claims, error) {
	claims, err := ParseToken(s.publicKey, s.issuer, token)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
	return claims, nil
}

func (s *Session) SignOut() {
	s.mu.Lock()
	s.token = ""
	s.mu.Unlock()
}

// Claims returns the claims of the active token, nil when signed out or expired.
func (s *Session) Claims() *Claims {
	s.mu.RLock()
	token := s.token
	s.mu.RUnlock()
	if token == "" {
		return nil
	}
	claims, err := ParseToken(s.publicKey, s.issuer, token)
	if err != nil {
		return nil
	}
	return claims
}

func (s *Session) CurrentPrincipal() *checkin.Principal {
	claims := s.Claims()
	if claims == nil {
		return nil
	}
	return PrincipalFromClaims(claims)
}

func PrincipalFromClaims(claims *Claims) *checkin.Principal {
	principal := &checkin.Principal{ID: claims.UserID}
	if claims.Email != "" {
		email := claims.Email
		principal.Email = &email
	}
	return principal
}
