// Package auth resolves connection credentials into identities. A credential
// is either a guest marker (an ephemeral identity derived from the credential
// itself) or an HS256-signed JWT carrying the principal id.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultGuestPrefix marks credentials that resolve to guest identities.
const DefaultGuestPrefix = "guest_"

var (
	// ErrInvalid is returned for empty, malformed, unsigned or wrongly
	// signed credentials, and for tokens that carry no principal.
	ErrInvalid = errors.New("auth: invalid credential")

	// ErrExpired is returned when a token's exp claim lies in the past.
	ErrExpired = errors.New("auth: credential expired")
)

// Identity is the resolved owner of a connection.
type Identity struct {
	ID    string
	Guest bool
}

// Durable reports whether events authored by this identity may be persisted.
func (i Identity) Durable() bool {
	return !i.Guest && i.ID != ""
}

// Claims is the JWT payload understood by the verifier. UserID mirrors the
// claim name issued by the account service.
type Claims struct {
	UserID string `json:"userId"`
	jwt.RegisteredClaims
}

// Options tunes a Verifier.
type Options struct {
	GuestPrefix   string
	RequireExpiry bool
	Now           func() time.Time // overridable clock for expiry checks
}

// Verifier validates credentials. It has no side effects and is safe for
// concurrent use.
type Verifier struct {
	secret []byte
	opts   Options
	parser *jwt.Parser
}

// NewVerifier creates a Verifier for tokens signed with secret.
func NewVerifier(secret []byte, opts Options) *Verifier {
	if opts.GuestPrefix == "" {
		opts.GuestPrefix = DefaultGuestPrefix
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(opts.Now),
	}
	if opts.RequireExpiry {
		parserOpts = append(parserOpts, jwt.WithExpirationRequired())
	}

	return &Verifier{
		secret: secret,
		opts:   opts,
		parser: jwt.NewParser(parserOpts...),
	}
}

// Verify resolves a credential into an Identity. Guest credentials never
// touch the signature path.
func (v *Verifier) Verify(credential string) (Identity, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return Identity{}, fmt.Errorf("%w: empty", ErrInvalid)
	}

	if strings.HasPrefix(credential, v.opts.GuestPrefix) {
		if len(credential) == len(v.opts.GuestPrefix) {
			return Identity{}, fmt.Errorf("%w: bare guest marker", ErrInvalid)
		}
		return Identity{ID: credential, Guest: true}, nil
	}

	var claims Claims
	_, err := v.parser.ParseWithClaims(credential, &claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, ErrExpired
		}
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	principal := claims.UserID
	if principal == "" {
		principal = claims.Subject
	}
	if principal == "" {
		return Identity{}, fmt.Errorf("%w: no principal", ErrInvalid)
	}
	return Identity{ID: principal}, nil
}

// Issue signs a token for userID. A zero ttl produces a token without exp,
// matching the tokens minted by the account service.
func Issue(secret []byte, userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
