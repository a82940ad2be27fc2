package auth

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// Issuer is stamped on tokens minted by IssueToken.
	Issuer = "signplane"

	minSecretBytes = 32
)

var (
	ErrWeakSecret   = errors.New("token secret must be at least 32 bytes")
	ErrInvalidToken = errors.New("invalid token")
)

// Claims restricts a bearer to a set of signing workers. An empty Workers
// list allows every worker.
type Claims struct {
	jwt.RegisteredClaims
	Workers []string `json:"workers,omitempty"`
}

// Allows reports whether the bearer may submit to worker.
func (c *Claims) Allows(worker string) bool {
	return len(c.Workers) == 0 || slices.Contains(c.Workers, worker)
}

// IssueToken creates an HS256 token for subject.
func IssueToken(secret []byte, subject string, workers []string, ttl time.Duration) (string, error) {
	if len(secret) < minSecretBytes {
		return "", ErrWeakSecret
	}

	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    Issuer,
		},
		Workers: workers,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// Verifier validates HS256 tokens from IssueToken.
type Verifier struct {
	secret []byte
	parser *jwt.Parser
}

func NewVerifier(secret []byte) (*Verifier, error) {
	if len(secret) < minSecretBytes {
		return nil, ErrWeakSecret
	}
	return &Verifier{
		secret: secret,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(Issuer),
			jwt.WithExpirationRequired(),
			jwt.WithLeeway(30*time.Second),
		),
	}, nil
}

// Verify parses tokenString and returns its claims.
func (v *Verifier) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	_, err := v.parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return claims, nil
}
