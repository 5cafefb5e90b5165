package crypto

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrMalformedToken = errors.New("malformed token")
	ErrTokenExpired   = errors.New("token expired")
)

// Claims is the signed body of a bearer token.
type Claims struct {
	Subject   string `json:"sub"`
	ExpiresAt int64  `json:"exp"` // Unix seconds
}

var tokenEncoding = base64.RawURLEncoding

// SignToken produces "<claims>.<signature>", both segments base64url without padding.
func SignToken(priv ed25519.PrivateKey, claims Claims) (string, error) {
	body, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	encoded := tokenEncoding.EncodeToString(body)
	sig := ed25519.Sign(priv, []byte(encoded))
	return encoded + "." + tokenEncoding.EncodeToString(sig), nil
}

// ParseToken verifies the token signature and expiry and returns its claims.
func ParseToken(pub ed25519.PublicKey, token string, now time.Time) (*Claims, error) {
	encoded, sigPart, ok := strings.Cut(token, ".")
	if !ok || encoded == "" || sigPart == "" {
		return nil, ErrMalformedToken
	}

	sig, err := tokenEncoding.DecodeString(sigPart)
	if err != nil {
		return nil, fmt.Errorf("%w: signature encoding", ErrMalformedToken)
	}
	if err := VerifySignature(pub, []byte(encoded), sig); err != nil {
		return nil, err
	}

	body, err := tokenEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: claims encoding", ErrMalformedToken)
	}
	var claims Claims
	if err := json.Unmarshal(body, &claims); err != nil {
		return nil, fmt.Errorf("%w: claims body", ErrMalformedToken)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrMalformedToken)
	}
	if claims.ExpiresAt != 0 && now.Unix() >= claims.ExpiresAt {
		return nil, ErrTokenExpired
	}

	return &claims, nil
}
