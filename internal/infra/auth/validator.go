package auth

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/xela07ax/authz-sidecar/internal/domain"
)

var (
	hmacMethods = []string{"HS256", "HS384", "HS512"}
	rsaMethods  = []string{"RS256", "RS384", "RS512"}
)

// KeySet отдает ключ проверки по kid (JWKS).
type KeySet interface {
	Key(ctx context.Context, kid string) (*rsa.PublicKey, error)
}

// Revoker отвечает, отозван ли субъект или конкретный токен (jti).
type Revoker interface {
	IsRevoked(id string) bool
}

// Options: ключевой материал и правила проверки. Хотя бы один ключ должен быть задан,
// иначе любой токен будет отвергнут как непроверяемый.
type Options struct {
	HMACKey   []byte
	PublicKey *rsa.PublicKey
	KeySet    KeySet

	Issuer        string
	Audience      string
	Leeway        time.Duration
	RequireExpiry bool

	Revoker Revoker
	Now     func() time.Time
}

// Verifier проверяет bearer-токены. Кроме обращения к JWKS, чистая функция
// от (токен, ключи, часы), поэтому безопасна для конкурентного использования.
type Verifier struct {
	opts   Options
	parser *jwt.Parser
}

func NewVerifier(opts Options) *Verifier {
	if opts.Now == nil {
		opts.Now = time.Now
	}

	var methods []string
	if len(opts.HMACKey) > 0 {
		methods = append(methods, hmacMethods...)
	}
	if opts.PublicKey != nil || opts.KeySet != nil {
		methods = append(methods, rsaMethods...)
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods(methods),
		jwt.WithLeeway(opts.Leeway),
		jwt.WithTimeFunc(opts.Now),
	}
	if opts.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(opts.Issuer))
	}
	if opts.Audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(opts.Audience))
	}
	if opts.RequireExpiry {
		parserOpts = append(parserOpts, jwt.WithExpirationRequired())
	}

	return &Verifier{opts: opts, parser: jwt.NewParser(parserOpts...)}
}

// Verify проверяет подпись, сроки и (если заданы) issuer/audience,
// затем сверяется со списком отзыва. Ошибки: из семейства ErrToken.
func (v *Verifier) Verify(ctx context.Context, raw string) (domain.Claims, error) {
	raw = strings.TrimSpace(raw)
	if strings.Count(raw, ".") != 2 {
		return nil, fmt.Errorf("%w: expected three segments", ErrMalformedToken)
	}

	claims := jwt.MapClaims{}
	_, err := v.parser.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
		return v.key(ctx, token)
	})
	if err != nil {
		return nil, classify(err)
	}

	out := domain.Claims(claims)
	if v.opts.Revoker != nil {
		if sub := out.Subject(); sub != "" && v.opts.Revoker.IsRevoked(sub) {
			return nil, fmt.Errorf("%w: subject %s", ErrRevoked, sub)
		}
		if jti := out.ID(); jti != "" && v.opts.Revoker.IsRevoked(jti) {
			return nil, fmt.Errorf("%w: token %s", ErrRevoked, jti)
		}
	}
	return out, nil
}

func (v *Verifier) key(ctx context.Context, token *jwt.Token) (interface{}, error) {
	switch token.Method.(type) {
	case *jwt.SigningMethodHMAC:
		if len(v.opts.HMACKey) == 0 {
			return nil, errors.New("no HMAC key configured")
		}
		return v.opts.HMACKey, nil

	case *jwt.SigningMethodRSA:
		kid, _ := token.Header["kid"].(string)
		if kid != "" && v.opts.KeySet != nil {
			key, err := v.opts.KeySet.Key(ctx, kid)
			if err != nil {
				return nil, err
			}
			return key, nil
		}
		if v.opts.PublicKey != nil {
			return v.opts.PublicKey, nil
		}
		return nil, errors.New("no RSA key for token")

	default:
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}
}

// classify сводит ошибки jwt к нашему семейству. Порядок важен:
// jwt кладет ErrTokenExpired внутрь ErrTokenInvalidClaims.
func classify(err error) error {
	var kind error
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		kind = ErrMalformedToken
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		kind = ErrSignatureInvalid
	case errors.Is(err, jwt.ErrTokenExpired):
		kind = ErrExpired
	case errors.Is(err, jwt.ErrTokenNotValidYet):
		kind = ErrNotYetValid
	default:
		kind = ErrInvalidClaims
	}
	return fmt.Errorf("%w: %v", kind, err)
}

// ParseRSAPublicKey превращает []byte в объект для проверки подписи
func ParseRSAPublicKey(data []byte) (*rsa.PublicKey, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("public key data is empty")
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	return key, nil
}

// ParseRSAPrivateKey превращает []byte в объект для подписи (только для Console)
func ParseRSAPrivateKey(data []byte) (*rsa.PrivateKey, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("private key data is empty")
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return key, nil
}
