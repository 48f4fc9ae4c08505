// Package auth implements the stateless token codec: signed encoding and
// parsing of access token claims. Liveness (expiry, revocation) is decided
// against the token store, never from the encoded claims alone.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/newsplatform/tokencore/internal/common"
	"github.com/newsplatform/tokencore/internal/server/models"
)

// Claims carries the registered JWT claims plus the subject and token kind.
type Claims struct {
	jwt.RegisteredClaims
	UserID string `json:"uid"`
	Kind   string `json:"knd"`
}

// Codec encodes and decodes HS256-signed bearer tokens. It is stateless and
// safe for concurrent use.
type Codec struct {
	secret []byte
	parser *jwt.Parser
}

// NewCodec returns a Codec signing with the given HMAC secret.
func NewCodec(secret []byte) *Codec {
	return &Codec{
		secret: secret,
		// Claim validation is skipped on purpose: expiry is checked by the
		// caller against the store so revocation stays checkable for
		// structurally valid, unexpired tokens.
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithoutClaimsValidation(),
		),
	}
}

// Encode produces the signed bearer value for the given subject, kind, and
// lifetime. Pure function of its arguments: tokenID (the record ID) becomes
// the jti claim, so every issued record encodes a distinct value.
func (c *Codec) Encode(subjectID string, kind models.TokenKind, tokenID string, issuedAt, expiresAt time.Time) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        tokenID,
			Subject:   subjectID,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		UserID: subjectID,
		Kind:   string(kind),
	})

	signed, err := token.SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// Decode parses a bearer value and returns its claims. It fails with
// common.ErrBadSignature on a signature mismatch and common.ErrTokenMalformed
// on structural corruption. Expired tokens decode successfully.
func (c *Codec) Decode(tokenValue string) (*Claims, error) {
	claims := &Claims{}

	token, err := c.parser.ParseWithClaims(tokenValue, claims, func(t *jwt.Token) (interface{}, error) {
		return c.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenSignatureInvalid) {
			return nil, common.ErrBadSignature
		}
		return nil, common.ErrTokenMalformed
	}

	if !token.Valid {
		return nil, common.ErrTokenMalformed
	}

	return claims, nil
}
