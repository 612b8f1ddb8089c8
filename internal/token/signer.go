package token

import (
	"crypto"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

// Signing methods accepted by SignerConfig.Method.
const (
	MethodHS256 = "HS256"
	MethodRS256 = "RS256"
)

// ErrNoPublicKey is returned by JWKS for symmetric signers.
var ErrNoPublicKey = errors.New("signer has no public key")

// Token types carried in the "type" claim.
const (
	TypeAccess  = "access"
	TypeRefresh = "refresh"
)

// Claims is the payload of both token types. Email is only set on access
// tokens.
type Claims struct {
	Type  string `json:"type"`
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// SignerConfig selects the signing scheme and where its keys come from.
type SignerConfig struct {
	Method         string
	Secret         string
	PrivateKeyPath string
	// PublicKeyPath is optional; the public half of the private key is used
	// when empty.
	PublicKeyPath string
	Issuer        string
}

// Signer signs and parses tokens with a single key.
type Signer struct {
	method    jwt.SigningMethod
	signKey   any
	verifyKey any
	publicKey *rsa.PublicKey
	keyID     string
	issuer    string
}

// NewSigner builds a signer from configuration, reading PEM files for RS256.
func NewSigner(cfg SignerConfig) (*Signer, error) {
	switch cfg.Method {
	case MethodHS256, "":
		return NewHMACSigner([]byte(cfg.Secret), cfg.Issuer)
	case MethodRS256:
		priv, pub, err := LoadRSAKeys(cfg.PrivateKeyPath, cfg.PublicKeyPath)
		if err != nil {
			return nil, err
		}
		return NewRSASigner(priv, pub, cfg.Issuer)
	default:
		return nil, fmt.Errorf("unsupported signing method %q", cfg.Method)
	}
}

// NewHMACSigner signs with HS256.
func NewHMACSigner(secret []byte, issuer string) (*Signer, error) {
	if len(secret) == 0 {
		return nil, errors.New("signing secret is not configured")
	}
	return &Signer{
		method:    jwt.SigningMethodHS256,
		signKey:   secret,
		verifyKey: secret,
		issuer:    issuer,
	}, nil
}

// NewRSASigner signs with RS256. pub may be nil.
func NewRSASigner(priv *rsa.PrivateKey, pub *rsa.PublicKey, issuer string) (*Signer, error) {
	if priv == nil {
		return nil, errors.New("rsa private key is not configured")
	}
	if pub == nil {
		pub = &priv.PublicKey
	}
	if !priv.PublicKey.Equal(pub) {
		return nil, errors.New("rsa public key does not match private key")
	}

	jwk := jose.JSONWebKey{Key: pub}
	thumb, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return nil, fmt.Errorf("failed to compute key id: %w", err)
	}
	return &Signer{
		method:    jwt.SigningMethodRS256,
		signKey:   priv,
		verifyKey: pub,
		publicKey: pub,
		keyID:     base64.RawURLEncoding.EncodeToString(thumb),
		issuer:    issuer,
	}, nil
}

// LoadRSAKeys reads a PEM private key (PKCS#1 or PKCS#8) and an optional PEM
// public key.
func LoadRSAKeys(privPath, pubPath string) (*rsa.PrivateKey, *rsa.PublicKey, error) {
	if privPath == "" {
		return nil, nil, errors.New("rsa private key path is not configured")
	}
	privPEM, err := os.ReadFile(privPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read private key: %w", err)
	}
	priv, err := jwt.ParseRSAPrivateKeyFromPEM(privPEM)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	if pubPath == "" {
		return priv, nil, nil
	}

	pubPEM, err := os.ReadFile(pubPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read public key: %w", err)
	}
	pub, err := jwt.ParseRSAPublicKeyFromPEM(pubPEM)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	return priv, pub, nil
}

// Algorithm returns the JWS alg name.
func (s *Signer) Algorithm() string { return s.method.Alg() }

// Sign serializes and signs claims, stamping the issuer.
func (s *Signer) Sign(claims Claims) (string, error) {
	claims.Issuer = s.issuer
	tok := jwt.NewWithClaims(s.method, claims)
	if s.keyID != "" {
		tok.Header["kid"] = s.keyID
	}
	return tok.SignedString(s.signKey)
}

// Parse verifies the signature of raw and decodes its claims. With
// validateClaims false the expiry and issuer are not checked.
func (s *Signer) Parse(raw string, now func() time.Time, validateClaims bool) (*Claims, error) {
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{s.method.Alg()}),
		jwt.WithTimeFunc(now),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	}
	if s.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(s.issuer))
	}
	if !validateClaims {
		parserOpts = append(parserOpts, jwt.WithoutClaimsValidation())
	}

	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return s.verifyKey, nil
	}, parserOpts...)
	if err != nil {
		return nil, err
	}
	if !tok.Valid {
		return nil, jwt.ErrTokenSignatureInvalid
	}
	return claims, nil
}

// JWKS returns the public key as a JSON Web Key Set.
func (s *Signer) JWKS() ([]byte, error) {
	if s.publicKey == nil {
		return nil, ErrNoPublicKey
	}
	set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       s.publicKey,
		KeyID:     s.keyID,
		Algorithm: s.method.Alg(),
		Use:       "sig",
	}}}
	return json.Marshal(set)
}
