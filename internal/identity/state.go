package identity

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	stateIssuer = "cikgu"
	stateTTL    = 10 * time.Minute
)

// StateSigner issues and checks the OAuth state parameter. The state is a
// signed token whose ID must match a nonce kept in a browser cookie.
type StateSigner struct {
	secret []byte
	now    func() time.Time
}

// NewStateSigner creates a signer with the given HMAC secret.
func NewStateSigner(secret []byte) *StateSigner {
	return &StateSigner{secret: secret, now: time.Now}
}

// Issue returns a signed state token and the nonce it carries.
func (s *StateSigner) Issue() (state, nonce string, err error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", "", err
	}
	nonce = hex.EncodeToString(b)
	now := s.now()
	claims := jwt.RegisteredClaims{
		ID:        nonce,
		Issuer:    stateIssuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(stateTTL)),
	}
	state, err = jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", "", fmt.Errorf("sign state: %w", err)
	}
	return state, nonce, nil
}

// Verify checks the signature, issuer and expiry of state and that it
// carries nonce.
func (s *StateSigner) Verify(state, nonce string) error {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(state, &claims, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(stateIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return fmt.Errorf("invalid state: %w", err)
	}
	if nonce == "" || claims.ID != nonce {
		return errors.New("invalid state: nonce mismatch")
	}
	return nil
}
