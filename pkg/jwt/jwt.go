package jwt

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
	ErrNoSigningKey = errors.New("manager has no signing key")
)

const tokenTypeAccess = "access"

// Claims represents JWT claims. The subject carries the identity.
type Claims struct {
	jwt.RegisteredClaims
	Type string `json:"type,omitempty"`
}

// Config selects the key material. Secret enables HS256; otherwise the
// PEM paths enable RS256. A public key alone yields a verify-only manager.
type Config struct {
	Secret         string        `mapstructure:"secret"`
	PublicKeyPath  string        `mapstructure:"public_key_path"`
	PrivateKeyPath string        `mapstructure:"private_key_path"`
	Issuer         string        `mapstructure:"issuer"`
	AccessDuration time.Duration `mapstructure:"access_duration"`
	Leeway         time.Duration `mapstructure:"leeway"`
}

// Manager handles JWT operations.
type Manager struct {
	method         jwt.SigningMethod
	signKey        interface{}
	verifyKey      interface{}
	issuer         string
	accessDuration time.Duration
	leeway         time.Duration
}

// NewManager builds a manager from configuration.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Secret != "" {
		return NewHMACManager([]byte(cfg.Secret), cfg.Issuer, cfg.AccessDuration, cfg.Leeway), nil
	}
	if cfg.PublicKeyPath == "" {
		return nil, errors.New("jwt: either secret or public_key_path is required")
	}

	pubPEM, err := os.ReadFile(cfg.PublicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read public key: %w", err)
	}
	pub, err := jwt.ParseRSAPublicKeyFromPEM(pubPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}

	var priv *rsa.PrivateKey
	if cfg.PrivateKeyPath != "" {
		privPEM, err := os.ReadFile(cfg.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key: %w", err)
		}
		priv, err = jwt.ParseRSAPrivateKeyFromPEM(privPEM)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
	}

	return NewRSAManager(priv, pub, cfg.Issuer, cfg.AccessDuration, cfg.Leeway), nil
}

// NewHMACManager creates a manager signing and verifying with a shared secret.
func NewHMACManager(secret []byte, issuer string, accessDuration, leeway time.Duration) *Manager {
	return &Manager{
		method:         jwt.SigningMethodHS256,
		signKey:        secret,
		verifyKey:      secret,
		issuer:         issuer,
		accessDuration: withDefault(accessDuration),
		leeway:         leeway,
	}
}

// NewRSAManager creates an RS256 manager. privateKey may be nil.
func NewRSAManager(privateKey *rsa.PrivateKey, publicKey *rsa.PublicKey, issuer string, accessDuration, leeway time.Duration) *Manager {
	m := &Manager{
		method:         jwt.SigningMethodRS256,
		verifyKey:      publicKey,
		issuer:         issuer,
		accessDuration: withDefault(accessDuration),
		leeway:         leeway,
	}
	if privateKey != nil {
		m.signKey = privateKey
	}
	return m
}

// GenerateToken signs an access token for subject.
func (m *Manager) GenerateToken(subject string) (token string, exp int64, err error) {
	if m.signKey == nil {
		return "", 0, ErrNoSigningKey
	}

	now := time.Now()
	expiresAt := now.Add(m.accessDuration)
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		Type: tokenTypeAccess,
	}

	token, err = jwt.NewWithClaims(m.method, claims).SignedString(m.signKey)
	if err != nil {
		return "", 0, err
	}
	return token, expiresAt.Unix(), nil
}

// ValidateToken validates a token and returns claims.
func (m *Manager) ValidateToken(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{m.method.Alg()}),
		jwt.WithLeeway(m.leeway),
	}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return m.verifyKey, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	if claims.Type != "" && claims.Type != tokenTypeAccess {
		return nil, ErrInvalidToken
	}

	return claims, nil
}

func withDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return 24 * time.Hour
	}
	return d
}
