package engine

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/xela07ax/authz-sidecar/internal/domain"
)

// maxAuthorizeBody: атрибуты запроса, а не сам запрос: больше мегабайта не бывает.
const maxAuthorizeBody = 1 << 20

// Gateway: HTTP-транспорт сайдкара.
//
// На порту авторизации любой запрос считается оригинальным запросом клиента
// (режим ext_authz): прокси пересылает метод, путь и заголовки, сайдкар отвечает
// 200 с заголовками для апстрима или кодом отказа с JSON-телом. Исключений по пути
// нет: прокси пересылает сюда и клиентские запросы на /v1/authorize.
//
// JSON-API (POST /v1/authorize) отдается через AuthorizeHandler и живет на служебном порту.
type Gateway struct {
	authz  Decider
	prefix string
	logger *zap.Logger
}

func NewGateway(authz Decider, pathPrefix string, logger *zap.Logger) *Gateway {
	return &Gateway{
		authz:  authz,
		prefix: strings.TrimSuffix(pathPrefix, "/"),
		logger: logger.With(zap.String("mod", "gateway")),
	}
}

// Routes собирает роутер ext_authz. Порядок middleware: Recoverer -> Trace-ID -> обработчик.
func (g *Gateway) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(TracingMiddleware)

	r.HandleFunc("/*", g.handleExtAuthz)
	return r
}

// AuthorizeHandler: JSON-API, атрибуты приходят в теле. Монтируется на служебный роутер.
func (g *Gateway) AuthorizeHandler() http.Handler {
	return TracingMiddleware(http.HandlerFunc(g.handleAuthorize))
}

func (g *Gateway) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	var attrs domain.RequestAttributes
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAuthorizeBody))
	if err := dec.Decode(&attrs); err != nil {
		status := http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		writeJSON(w, status, map[string]string{"error": "invalid request attributes"})
		return
	}
	if attrs.Peer.Address == "" {
		attrs.Peer.Address = r.RemoteAddr
	}

	d := g.authz.Authorize(r.Context(), attrs)
	writeJSON(w, http.StatusOK, d)
}

func (g *Gateway) handleExtAuthz(w http.ResponseWriter, r *http.Request) {
	d := g.authz.Authorize(r.Context(), g.attributes(r))

	if d.Allowed {
		for k, v := range d.HeadersToAdd {
			w.Header().Set(k, v)
		}
		w.WriteHeader(http.StatusOK)
		return
	}

	// tip: Не отдаем детали внутренних ошибок, только reason из политики
	writeJSON(w, d.DenyStatus(), map[string]any{
		"allowed": false,
		"reason":  d.Reason,
	})
}

// attributes превращает пересланный прокси запрос в атрибуты.
func (g *Gateway) attributes(r *http.Request) domain.RequestAttributes {
	path := r.URL.Path
	if g.prefix != "" {
		path = strings.TrimPrefix(path, g.prefix)
		if !strings.HasPrefix(path, "/") {
			path = "/" + path
		}
	}

	headers := make(map[string]string, len(r.Header)+1)
	for name, values := range r.Header {
		headers[strings.ToLower(name)] = strings.Join(values, ",")
	}
	if r.Host != "" {
		headers["host"] = r.Host
	}

	return domain.RequestAttributes{
		Method:  r.Method,
		Path:    path,
		Query:   r.URL.RawQuery,
		Headers: headers,
		Peer: domain.Peer{
			Address:   remoteHost(r.RemoteAddr),
			Principal: principalFromXFCC(r.Header.Get("X-Forwarded-Client-Cert")),
		},
	}
}

// principalFromXFCC достает URI (SPIFFE ID) из заголовка, который Envoy
// выставляет после mTLS: By=...;Hash=...;URI=spiffe://cluster/ns/sa
func principalFromXFCC(xfcc string) string {
	if xfcc == "" {
		return ""
	}
	// Берем последний элемент: ближайший к нам хоп
	elements := strings.Split(xfcc, ",")
	for _, kv := range strings.Split(elements[len(elements)-1], ";") {
		key, value, ok := strings.Cut(strings.TrimSpace(kv), "=")
		if ok && strings.EqualFold(key, "URI") {
			return strings.Trim(value, `"`)
		}
	}
	return ""
}

func remoteHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
