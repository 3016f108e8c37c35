// Package auth resolves the identity behind a connection, once at connect
// time. A verified bearer token yields an authenticated identity; anything
// else yields an anonymous identity keyed by a deterministic fingerprint.
//
// The write and read paths treat an invalid credential differently on
// purpose: writes degrade to anonymous (availability), reads fail closed
// (privacy).
package auth

import (
	"crypto/rsa"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/davidbz/markl/internal/domain"
)

// Config contains identity resolution settings.
type Config struct {
	// PublicKey is the RS256 verification key, as PEM or as the raw base64
	// body the identity provider's console hands out.
	PublicKey string `env:"AUTH_PUBLIC_KEY"`
}

const fingerprintLength = 32

// ErrInvalidCredential is returned by strict resolution when a credential is
// present but cannot be verified.
var ErrInvalidCredential = errors.New("invalid credential")

// ErrMissingCredential is returned by strict resolution when no credential
// was supplied.
var ErrMissingCredential = errors.New("missing credential")

// ConnectionInfo is the raw material identity is resolved from.
type ConnectionInfo struct {
	// BearerToken is the credential from the handshake, possibly with a
	// "Bearer " prefix, possibly empty.
	BearerToken string

	// ClientFingerprint is an optional client-supplied anonymous identifier.
	ClientFingerprint string

	RemoteAddr string
	UserAgent  string
}

// Resolver implements session identity resolution.
type Resolver struct {
	publicKey *rsa.PublicKey
}

// NewResolver creates an identity resolver. An empty public key is allowed;
// every connection then resolves as anonymous on the write path and fails
// closed on the read path.
func NewResolver(cfg *Config) (*Resolver, error) {
	if cfg.PublicKey == "" {
		return &Resolver{publicKey: nil}, nil
	}

	key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(toPEM(cfg.PublicKey)))
	if err != nil {
		return nil, fmt.Errorf("failed to parse auth public key: %w", err)
	}
	return &Resolver{publicKey: key}, nil
}

// ResolveLenient resolves identity for the write path. Absent or invalid
// credentials degrade to an anonymous identity.
func (r *Resolver) ResolveLenient(info ConnectionInfo) domain.Identity {
	identity, err := r.verify(info.BearerToken)
	if err != nil {
		return r.anonymous(info)
	}
	return identity
}

// ResolveStrict resolves identity for the read path. It fails closed: no
// anonymous fallback.
func (r *Resolver) ResolveStrict(info ConnectionInfo) (domain.Identity, error) {
	return r.verify(info.BearerToken)
}

func (r *Resolver) verify(bearer string) (domain.Identity, error) {
	raw := stripBearer(bearer)
	if raw == "" {
		return domain.Identity{}, ErrMissingCredential
	}
	if r.publicKey == nil {
		return domain.Identity{}, ErrInvalidCredential
	}

	token, err := jwt.Parse(raw, func(*jwt.Token) (any, error) {
		return r.publicKey, nil
	}, jwt.WithValidMethods([]string{"RS256"}))
	if err != nil || !token.Valid {
		return domain.Identity{}, ErrInvalidCredential
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return domain.Identity{}, ErrInvalidCredential
	}
	subject, err := claims.GetSubject()
	if err != nil || subject == "" {
		return domain.Identity{}, ErrInvalidCredential
	}

	// The wallet is keyed by the profile id when the token carries one,
	// otherwise by the subject itself.
	walletKey := subject
	if profileID, ok := claims["profile_id"].(string); ok && profileID != "" {
		walletKey = profileID
	}

	return domain.Identity{
		Kind:      domain.IdentityAuthenticated,
		Subject:   subject,
		WalletKey: walletKey,
	}, nil
}

// anonymous derives a stable fingerprint: the client-supplied identifier when
// present, else a hash of network address and user agent.
func (r *Resolver) anonymous(info ConnectionInfo) domain.Identity {
	fingerprint := strings.TrimSpace(info.ClientFingerprint)
	if fingerprint == "" {
		sum := sha256.Sum256([]byte(info.RemoteAddr + "|" + info.UserAgent))
		fingerprint = hex.EncodeToString(sum[:])
	}
	if len(fingerprint) > fingerprintLength {
		fingerprint = fingerprint[:fingerprintLength]
	}

	return domain.Identity{
		Kind:        domain.IdentityAnonymous,
		Fingerprint: fingerprint,
	}
}

func stripBearer(value string) string {
	value = strings.TrimSpace(value)
	if strings.HasPrefix(value, "Bearer ") {
		return strings.TrimSpace(value[len("Bearer "):])
	}
	return value
}

// toPEM accepts both full PEM blocks and the raw base64 body many identity
// provider consoles export.
func toPEM(key string) string {
	if strings.Contains(key, "BEGIN PUBLIC KEY") {
		return key
	}

	var b strings.Builder
	b.WriteString("-----BEGIN PUBLIC KEY-----\n")
	for len(key) > 64 {
		b.WriteString(key[:64])
		b.WriteString("\n")
		key = key[64:]
	}
	if key != "" {
		b.WriteString(key)
		b.WriteString("\n")
	}
	b.WriteString("-----END PUBLIC KEY-----")
	return b.String()
}
