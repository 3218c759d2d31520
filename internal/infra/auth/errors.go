package auth

import (
	"errors"
	"fmt"
)

// ErrToken: корень семейства ошибок токена. Любая ошибка Verify удовлетворяет errors.Is(err, ErrToken).
var ErrToken = errors.New("token rejected")

var (
	ErrMalformedToken   = fmt.Errorf("%w: malformed", ErrToken)
	ErrSignatureInvalid = fmt.Errorf("%w: signature invalid", ErrToken)
	ErrExpired          = fmt.Errorf("%w: expired", ErrToken)
	ErrNotYetValid      = fmt.Errorf("%w: not yet valid", ErrToken)
	ErrInvalidClaims    = fmt.Errorf("%w: invalid claims", ErrToken)
	ErrRevoked          = fmt.Errorf("%w: revoked", ErrToken)
)

// ErrJWKSFetchFailed: набор ключей недоступен. Для запроса это ErrSignatureInvalid.
var ErrJWKSFetchFailed = errors.New("failed to fetch JWKS")

// Kind: короткое имя вида ошибки для журнала решений.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrMalformedToken):
		return "malformed"
	case errors.Is(err, ErrSignatureInvalid):
		return "signature_invalid"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrNotYetValid):
		return "not_yet_valid"
	case errors.Is(err, ErrInvalidClaims):
		return "invalid_claims"
	case errors.Is(err, ErrRevoked):
		return "revoked"
	default:
		return "unknown"
	}
}
