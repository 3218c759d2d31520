package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// JWKS represents the JSON Web Key Set
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// JWK represents a JSON Web Key
type JWK struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	Alg string `json:"alg"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// JWKSKeySet кэширует ключи провайдера на TTL. Неизвестный kid вызывает внеочередное
// обновление (ротация ключей), но не чаще, чем позволяет лимитер.
type JWKSKeySet struct {
	url    string
	client *http.Client
	ttl    time.Duration
	logger *zap.Logger

	// refetch ограничивает обновления по неизвестному kid: мусорные токены не должны DDoS-ить IdP
	refetch *rate.Limiter

	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	expiresAt time.Time
}

func NewJWKSKeySet(url string, ttl time.Duration, logger *zap.Logger) *JWKSKeySet {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &JWKSKeySet{
		url:     url,
		client:  &http.Client{Timeout: 5 * time.Second},
		ttl:     ttl,
		logger:  logger.Named("jwks"),
		refetch: rate.NewLimiter(rate.Every(10*time.Second), 1),
		keys:    make(map[string]*rsa.PublicKey),
	}
}

// Key возвращает ключ по kid, при необходимости обновляя набор.
func (s *JWKSKeySet) Key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	s.mu.RLock()
	key, ok := s.keys[kid]
	fresh := time.Now().Before(s.expiresAt)
	s.mu.RUnlock()

	if ok && fresh {
		return key, nil
	}
	// Набор протух, либо kid неизвестен и лимитер разрешает внеочередной запрос
	if !fresh || s.refetch.Allow() {
		if err := s.Refresh(ctx); err != nil {
			if ok {
				// Провайдер недоступен, но ключ известен: продолжаем на старом наборе
				s.logger.Warn("jwks refresh failed, using cached key", zap.Error(err))
				return key, nil
			}
			return nil, err
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if key, ok := s.keys[kid]; ok {
		return key, nil
	}
	return nil, fmt.Errorf("key with kid %s not found in JWKS", kid)
}

// Refresh загружает набор ключей и целиком заменяет кэш.
func (s *JWKSKeySet) Refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrJWKSFetchFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status code %d", ErrJWKSFetchFailed, resp.StatusCode)
	}

	var set JWKS
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return fmt.Errorf("%w: decode: %v", ErrJWKSFetchFailed, err)
	}

	keys := make(map[string]*rsa.PublicKey, len(set.Keys))
	for _, jwk := range set.Keys {
		if jwk.Kty != "RSA" || (jwk.Use != "" && jwk.Use != "sig") {
			continue
		}
		key, err := jwkToRSAPublicKey(jwk)
		if err != nil {
			s.logger.Warn("skipping malformed jwk", zap.String("kid", jwk.Kid), zap.Error(err))
			continue
		}
		keys[jwk.Kid] = key
	}

	s.mu.Lock()
	s.keys = keys
	s.expiresAt = time.Now().Add(s.ttl)
	s.mu.Unlock()

	s.logger.Debug("jwks refreshed", zap.Int("keys", len(keys)))
	return nil
}

func jwkToRSAPublicKey(jwk JWK) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(jwk.N)
	if err != nil {
		return nil, fmt.Errorf("failed to decode modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(jwk.E)
	if err != nil {
		return nil, fmt.Errorf("failed to decode exponent: %w", err)
	}
	if len(nBytes) == 0 || len(eBytes) == 0 {
		return nil, fmt.Errorf("empty modulus or exponent")
	}

	var e int
	for _, b := range eBytes {
		e = e*256 + int(b)
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nBytes), E: e}, nil
}
