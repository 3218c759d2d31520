package domain

import "strings"

// RequestAttributes: сырые атрибуты запроса в том виде, как их прислал прокси.
type RequestAttributes struct {
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Query   string            `json:"query,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Peer    Peer              `json:"peer"`
}

// Peer описывает вызывающую сторону на транспортном уровне.
type Peer struct {
	Address   string `json:"address,omitempty"`
	Principal string `json:"principal,omitempty"` // например SPIFFE ID из mTLS
}

// Input: неизменяемый документ, против которого вычисляется политика.
// Строится на каждый запрос и никогда не меняется после передачи в движок.
type Input struct {
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Query   string            `json:"query,omitempty"`
	Headers map[string]string `json:"headers"` // имена в нижнем регистре
	Peer    Peer              `json:"peer"`

	// Claims заполнены только после успешной проверки подписи и сроков токена
	Claims Claims `json:"claims,omitempty"`

	// TokenError: вид ошибки токена (только для аудита, в правилах недоступен)
	TokenError string `json:"token_error,omitempty"`
}

// NewInput нормализует атрибуты: метод в верхнем регистре, заголовки в нижнем.
func NewInput(attrs RequestAttributes) Input {
	headers := make(map[string]string, len(attrs.Headers))
	for k, v := range attrs.Headers {
		headers[strings.ToLower(k)] = v
	}
	path := attrs.Path
	if path == "" {
		path = "/"
	}
	return Input{
		Method:  strings.ToUpper(attrs.Method),
		Path:    path,
		Query:   attrs.Query,
		Headers: headers,
		Peer:    attrs.Peer,
	}
}

// Authenticated: есть ли у запроса проверенная личность.
func (in Input) Authenticated() bool {
	return in.Claims != nil
}

// BearerToken достает сырой токен из заголовка Authorization.
// Возвращает false, если заголовка нет или схема не Bearer.
func (in Input) BearerToken() (string, bool) {
	raw, ok := in.Headers["authorization"]
	if !ok {
		return "", false
	}
	scheme, token, found := strings.Cut(strings.TrimSpace(raw), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// Redacted возвращает копию для аудита без секрета в Authorization.
func (in Input) Redacted() Input {
	out := in
	out.Headers = make(map[string]string, len(in.Headers))
	for k, v := range in.Headers {
		if k == "authorization" || k == "cookie" {
			v = "[REDACTED]"
		}
		out.Headers[k] = v
	}
	return out
}
