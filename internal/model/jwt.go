package model

import (
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// AlgoSettings selects a JWT signature algorithm and its key material.
// JWKSAlgoSettings is verify-only: keys are fetched from the URL and
// rotate with the remote set.
type AlgoSettings struct {
	Type       string   `json:"type"` // HSAlgoSettings, RSAlgoSettings, ESAlgoSettings, JWKSAlgoSettings
	Size       int      `json:"size"` // 256, 384, 512
	Secret     string   `json:"secret,omitempty"`
	PublicKey  string   `json:"publicKey,omitempty"`
	PrivateKey string   `json:"privateKey,omitempty"`
	URL        string   `json:"url,omitempty"`
	Refresh    Duration `json:"refreshInterval,omitempty"`
}

// SigningMethod resolves the jwt signing method for the settings.
func (a AlgoSettings) SigningMethod() (jwt.SigningMethod, error) {
	size := a.Size
	if size == 0 {
		size = 256
	}
	name := ""
	switch a.Type {
	case "", "HSAlgoSettings":
		name = fmt.Sprintf("HS%d", size)
	case "RSAlgoSettings":
		name = fmt.Sprintf("RS%d", size)
	case "ESAlgoSettings":
		name = fmt.Sprintf("ES%d", size)
	case "JWKSAlgoSettings":
		return nil, fmt.Errorf("JWKS settings cannot issue tokens")
	default:
		return nil, fmt.Errorf("unknown algo settings type %q", a.Type)
	}
	m := jwt.GetSigningMethod(name)
	if m == nil {
		return nil, fmt.Errorf("unsupported signing method %q", name)
	}
	return m, nil
}

// SignKey returns the private key material used to issue tokens.
func (a AlgoSettings) SignKey() (any, error) {
	switch a.Type {
	case "", "HSAlgoSettings":
		if a.Secret == "" {
			return nil, fmt.Errorf("missing HMAC secret")
		}
		return []byte(a.Secret), nil
	case "RSAlgoSettings":
		return parseRSAPrivate(a.PrivateKey)
	case "ESAlgoSettings":
		return parseECPrivate(a.PrivateKey)
	case "JWKSAlgoSettings":
		return nil, fmt.Errorf("JWKS settings cannot issue tokens")
	}
	return nil, fmt.Errorf("unknown algo settings type %q", a.Type)
}

// VerifyKey returns the key material used to validate tokens.
func (a AlgoSettings) VerifyKey() (any, error) {
	switch a.Type {
	case "", "HSAlgoSettings":
		if a.Secret == "" {
			return nil, fmt.Errorf("missing HMAC secret")
		}
		return []byte(a.Secret), nil
	case "RSAlgoSettings":
		return parseRSAPublic(a.PublicKey)
	case "ESAlgoSettings":
		return parseECPublic(a.PublicKey)
	case "JWKSAlgoSettings":
		return nil, fmt.Errorf("JWKS keys resolve through the remote set, not static material")
	}
	return nil, fmt.Errorf("unknown algo settings type %q", a.Type)
}

// Keyfunc builds a jwt.Keyfunc that also pins the expected algorithm family.
func (a AlgoSettings) Keyfunc() jwt.Keyfunc {
	return func(token *jwt.Token) (any, error) {
		switch a.Type {
		case "", "HSAlgoSettings":
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
		case "RSAlgoSettings":
			if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
		case "ESAlgoSettings":
			if _, ok := token.Method.(*jwt.SigningMethodECDSA); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
		}
		return a.VerifyKey()
	}
}

func parseRSAPrivate(s string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(s))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block containing private key")
	}
	if k, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return k, nil
	}
	k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	rk, ok := k.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is not an RSA key")
	}
	return rk, nil
}

func parseRSAPublic(s string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(s))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block containing public key")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	rpub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is not an RSA key")
	}
	return rpub, nil
}

func parseECPrivate(s string) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(s))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block containing private key")
	}
	if k, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return k, nil
	}
	k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	ek, ok := k.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is not an EC key")
	}
	return ek, nil
}

func parseECPublic(s string) (*ecdsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(s))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block containing public key")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	epub, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is not an EC key")
	}
	return epub, nil
}

// TokenLocation tells a verifier where to find the token in a request.
type TokenLocation struct {
	Type   string `json:"type"` // InHeader, InQueryParam, InCookie
	Name   string `json:"name"`
	Remove string `json:"remove,omitempty"` // prefix stripped from the header value
}

// VerificationSettings constrains the claims of a verified token.
type VerificationSettings struct {
	Fields      map[string]string `json:"fields"`      // claim -> required value
	ArrayFields map[string]string `json:"arrayFields"` // claim -> value the array must contain
}

// JwtVerifier validates caller-supplied JWTs before a private service is reached.
type JwtVerifier struct {
	ID           string               `json:"id"`
	Name         string               `json:"name"`
	Enabled      bool                 `json:"enabled"`
	Strict       bool                 `json:"strict"`
	Source       TokenLocation        `json:"source"`
	AlgoSettings AlgoSettings         `json:"algoSettings"`
	Verification VerificationSettings `json:"verificationSettings"`
}
