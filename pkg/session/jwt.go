// Package session issues and validates signed session tokens.
package session

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"sort"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

const (
	defaultIssuer   = "desktopchat"
	defaultAudience = "desktopchat-api"
	defaultTTL      = 24 * time.Hour

	minSecretBytes = 32
)

var (
	// ErrInvalidToken covers bad signatures, expiry, revocation and malformed claims.
	ErrInvalidToken  = errors.New("invalid token")
	ErrNotConfigured = errors.New("session manager not configured")
)

// Options configures claim validation.
type Options struct {
	Issuer   string
	Audience string
	// Leeway tolerates clock skew on exp/iat/nbf. Zero means exp <= now is expired.
	Leeway time.Duration
	// Now overrides the clock; used by tests.
	Now func() time.Time
}

// JWK is a public key in JSON Web Key form.
type JWK struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Kid string `json:"kid"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// Manager signs tokens binding a user id to an expiry and validates them.
// It runs either HS512 with a shared secret or RS256 with kid rotation.
type Manager struct {
	ttl     time.Duration
	revoker Revoker

	method     jwt.SigningMethod
	signKey    any
	signKid    string
	verifyKeys map[string]any
	rsaKeys    map[string]*rsa.PublicKey

	issuer   string
	audience string
	leeway   time.Duration
	now      func() time.Time
}

// NewHS512 builds a manager signing with a shared secret.
func NewHS512(secret []byte, ttl time.Duration, revoker Revoker, opts Options) (*Manager, error) {
	if len(secret) < minSecretBytes {
		return nil, fmt.Errorf("jwt secret must be at least %d bytes", minSecretBytes)
	}
	m := newManager(ttl, revoker, opts)
	m.method = jwt.SigningMethodHS512
	m.signKey = secret
	m.signKid = "hs-active"
	m.verifyKeys = map[string]any{m.signKid: secret}
	return m, nil
}

// NewRS256FromPEM builds a manager from PEM key files. verifyKeyFiles maps
// kid -> public key path and may list previous keys during rotation.
func NewRS256FromPEM(
	privateKeyPath string,
	publicKeyPath string,
	keyID string,
	verifyKeyFiles map[string]string,
	ttl time.Duration,
	revoker Revoker,
	opts Options,
) (*Manager, error) {
	privateKey, err := loadRSAPrivateKey(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("load jwt private key: %w", err)
	}
	if strings.TrimSpace(keyID) == "" {
		keyID = "rs-active"
	}
	activePub := &privateKey.PublicKey
	if strings.TrimSpace(publicKeyPath) != "" {
		activePub, err = loadRSAPublicKey(publicKeyPath)
		if err != nil {
			return nil, fmt.Errorf("load jwt public key: %w", err)
		}
	}
	rsaKeys := map[string]*rsa.PublicKey{keyID: activePub}
	for kid, path := range verifyKeyFiles {
		kid, path = strings.TrimSpace(kid), strings.TrimSpace(path)
		if kid == "" || path == "" {
			continue
		}
		pub, err := loadRSAPublicKey(path)
		if err != nil {
			return nil, fmt.Errorf("load verify key %q: %w", kid, err)
		}
		rsaKeys[kid] = pub
	}

	m := newManager(ttl, revoker, opts)
	m.method = jwt.SigningMethodRS256
	m.signKey = privateKey
	m.signKid = keyID
	m.rsaKeys = rsaKeys
	m.verifyKeys = make(map[string]any, len(rsaKeys))
	for kid, pub := range rsaKeys {
		m.verifyKeys[kid] = pub
	}
	return m, nil
}

func newManager(ttl time.Duration, revoker Revoker, opts Options) *Manager {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	issuer := strings.TrimSpace(opts.Issuer)
	if issuer == "" {
		issuer = defaultIssuer
	}
	audience := strings.TrimSpace(opts.Audience)
	if audience == "" {
		audience = defaultAudience
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	leeway := opts.Leeway
	if leeway < 0 {
		leeway = 0
	}
	return &Manager{
		ttl:      ttl,
		revoker:  revoker,
		issuer:   issuer,
		audience: audience,
		leeway:   leeway,
		now:      now,
	}
}

// TTL is the lifetime given to new tokens.
func (m *Manager) TTL() time.Duration { return m.ttl }

// Issue signs a token for userID valid from now until now+ttl.
func (m *Manager) Issue(userID string) (string, error) {
	if m == nil || m.signKey == nil {
		return "", ErrNotConfigured
	}
	if strings.TrimSpace(userID) == "" {
		return "", errors.New("user id required")
	}
	now := m.now().UTC()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    m.issuer,
		Audience:  jwt.ClaimStrings{m.audience},
		ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ID:        randomHexID(12),
	}
	token := jwt.NewWithClaims(m.method, claims)
	token.Header["kid"] = m.signKid
	return token.SignedString(m.signKey)
}

// Validate checks signature, expiry and revocation and returns the subject.
func (m *Manager) Validate(token string) (string, error) {
	claims, err := m.parse(token)
	if err != nil {
		return "", err
	}
	if m.revoker != nil {
		revoked, err := m.revoker.IsRevoked(claims.ID)
		if err != nil {
			return "", fmt.Errorf("check revocation: %w", err)
		}
		if revoked {
			return "", fmt.Errorf("%w: revoked", ErrInvalidToken)
		}
		cutoff, err := m.revoker.RevokedAfter(claims.Subject)
		if err != nil {
			return "", fmt.Errorf("check user revocation: %w", err)
		}
		if !cutoff.IsZero() && (claims.IssuedAt == nil || !claims.IssuedAt.Time.After(cutoff)) {
			return "", fmt.Errorf("%w: revoked for user", ErrInvalidToken)
		}
	}
	return claims.Subject, nil
}

// Revoke invalidates a still-valid token until its natural expiry.
// Invalid tokens are ignored.
func (m *Manager) Revoke(token string) error {
	if m.revoker == nil {
		return nil
	}
	claims, err := m.parse(token)
	if err != nil {
		return nil
	}
	ttl := claims.ExpiresAt.Time.Sub(m.now())
	return m.revoker.Revoke(claims.ID, ttl)
}

// RevokeUser invalidates every token issued to userID so far.
func (m *Manager) RevokeUser(userID string) error {
	if m.revoker == nil {
		return nil
	}
	return m.revoker.RevokeUser(userID, m.now().UTC(), m.ttl)
}

// JWKS lists verification keys in RS256 mode; HS512 publishes nothing.
func (m *Manager) JWKS() []JWK {
	if len(m.rsaKeys) == 0 {
		return nil
	}
	kids := make([]string, 0, len(m.rsaKeys))
	for kid := range m.rsaKeys {
		kids = append(kids, kid)
	}
	sort.Strings(kids)
	out := make([]JWK, 0, len(kids))
	for _, kid := range kids {
		pub := m.rsaKeys[kid]
		out = append(out, JWK{
			Kty: "RSA",
			Use: "sig",
			Kid: kid,
			Alg: jwt.SigningMethodRS256.Alg(),
			N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		})
	}
	return out
}

func (m *Manager) parse(token string) (jwt.RegisteredClaims, error) {
	claims := jwt.RegisteredClaims{}
	if m == nil || len(m.verifyKeys) == 0 {
		return claims, ErrNotConfigured
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return claims, fmt.Errorf("%w: empty", ErrInvalidToken)
	}
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		key, ok := m.verifyKeys[strings.TrimSpace(kid)]
		if !ok {
			return nil, errors.New("unknown token key")
		}
		return key, nil
	},
		jwt.WithValidMethods([]string{m.method.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithIssuer(m.issuer),
		jwt.WithAudience(m.audience),
		jwt.WithLeeway(m.leeway),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		return claims, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return claims, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return claims, fmt.Errorf("%w: subject missing", ErrInvalidToken)
	}
	if strings.TrimSpace(claims.ID) == "" {
		return claims, fmt.Errorf("%w: jti missing", ErrInvalidToken)
	}
	return claims, nil
}

func loadRSAPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("invalid pem")
	}
	if pkcs1, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return pkcs1, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	privateKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("private key is not rsa")
	}
	return privateKey, nil
}

func loadRSAPublicKey(path string) (*rsa.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("invalid pem")
	}
	if pubAny, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		pub, ok := pubAny.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("public key is not rsa")
		}
		return pub, nil
	}
	if cert, err := x509.ParseCertificate(block.Bytes); err == nil {
		pub, ok := cert.PublicKey.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("certificate public key is not rsa")
		}
		return pub, nil
	}
	return nil, errors.New("failed to parse rsa public key")
}

func randomHexID(nBytes int) string {
	buf := make([]byte, nBytes)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return fmt.Sprintf("%x", buf)
}
