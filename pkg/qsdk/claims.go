package qsdk

import (
	"crypto/rand"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/quatton/qmesh/pkg/qsdk/qerr"
)

const (
	// Issuer is the iss claim of daemon tokens.
	Issuer = "qmesh"

	ScopeRead  = "runs:read"
	ScopeWrite = "runs:write"
)

// UserClaims is a flat view of a daemon token payload. Parsed without
// verification it is for display only; VerifyToken is the authority.
type UserClaims struct {
	ID    string
	Scope string
	Iss   string
	Iat   int64
	Exp   int64
}

// ParseTokenClaims extracts raw claims from a JWT without verifying its
// signature. Numeric timestamps come back as float64.
func ParseTokenClaims(tokenStr string) (jwt.MapClaims, error) {
	var claims jwt.MapClaims
	parser := new(jwt.Parser)
	_, _, err := parser.ParseUnverified(tokenStr, &claims)
	if err != nil {
		return nil, err
	}
	return claims, nil
}

func FromToken(tokenStr string) (*UserClaims, error) {
	claims, err := ParseTokenClaims(tokenStr)
	if err != nil {
		return nil, err
	}
	return FromMapClaims(claims)
}

// FromMapClaims maps token claims into UserClaims. It tolerates string and
// numeric forms of sub, iat and exp.
func FromMapClaims(mc jwt.MapClaims) (*UserClaims, error) {
	uc := &UserClaims{}

	if sub, ok := mc["sub"]; ok {
		switch v := sub.(type) {
		case string:
			uc.ID = v
		case float64:
			uc.ID = strconv.FormatInt(int64(v), 10)
		default:
			uc.ID = fmt.Sprintf("%v", v)
		}
	}
	if scope, ok := mc["scope"].(string); ok {
		uc.Scope = scope
	}
	if iss, ok := mc["iss"].(string); ok {
		uc.Iss = iss
	}
	uc.Iat = unixClaim(mc["iat"])
	uc.Exp = unixClaim(mc["exp"])
	return uc, nil
}

func unixClaim(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	}
	return 0
}

// ToClaims converts UserClaims into jwt.MapClaims for signing. Empty fields
// are omitted.
func ToClaims(uc *UserClaims) jwt.MapClaims {
	mc := jwt.MapClaims{}
	if uc.ID != "" {
		mc["sub"] = uc.ID
	}
	if uc.Scope != "" {
		mc["scope"] = uc.Scope
	}
	if uc.Iss != "" {
		mc["iss"] = uc.Iss
	}
	if uc.Iat != 0 {
		mc["iat"] = uc.Iat
	}
	if uc.Exp != 0 {
		mc["exp"] = uc.Exp
	}
	return mc
}

// IssueToken signs a daemon token for subject. ttl <= 0 issues a token that
// does not expire.
func IssueToken(secret []byte, subject, scope string, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("empty signing secret")
	}
	now := time.Now()
	uc := &UserClaims{ID: subject, Scope: scope, Iss: Issuer, Iat: now.Unix()}
	if ttl > 0 {
		uc.Exp = now.Add(ttl).Unix()
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, ToClaims(uc))
	return token.SignedString(secret)
}

// VerifyToken checks the signature, issuer and expiry of tokenStr.
func VerifyToken(secret []byte, tokenStr string) (*UserClaims, error) {
	var mc jwt.MapClaims
	_, err := jwt.ParseWithClaims(tokenStr, &mc, func(*jwt.Token) (any, error) {
		return secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(Issuer),
	)
	if err != nil {
		return nil, qerr.New(qerr.CodeUnauthorized, err)
	}
	return FromMapClaims(mc)
}

// HasScope reports whether the token grants scope. Write implies read.
func (uc *UserClaims) HasScope(scope string) bool {
	return uc.Scope == scope || (scope == ScopeRead && uc.Scope == ScopeWrite)
}

// IsTokenExpired returns true when the token is expired or within skew of
// expiring. It parses without verification, which is enough for UX.
func IsTokenExpired(token string, skew time.Duration) (bool, error) {
	if token == "" {
		return true, nil
	}
	uc, err := FromToken(token)
	if err != nil {
		return true, err
	}
	if uc.Exp == 0 {
		return false, nil
	}
	expiresAt := time.Unix(uc.Exp, 0).Add(-skew)
	return time.Now().After(expiresAt), nil
}

// NewSecret returns a random signing secret.
func NewSecret() ([]byte, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("generating secret: %w", err)
	}
	return b, nil
}
