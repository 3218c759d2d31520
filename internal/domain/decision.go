package domain

import "net/http"

// Decision: итог проверки одного запроса. Именно его видит прокси.
type Decision struct {
	Allowed      bool              `json:"allowed"`
	HeadersToAdd map[string]string `json:"headers_to_add,omitempty"`
	Reason       string            `json:"reason,omitempty"`

	// Status: HTTP-код, который прокси вернет клиенту при отказе.
	Status int `json:"http_status_on_deny,omitempty"`

	// Rule: имя сработавшего правила, пусто если применился default документа
	Rule string `json:"rule,omitempty"`
}

// Deny собирает отказ. Zero Trust: всё, что не разрешено явно, запрещено.
func Deny(reason string) Decision {
	return Decision{
		Allowed: false,
		Reason:  reason,
		Status:  http.StatusForbidden,
	}
}

// Allow собирает разрешение с заголовками для апстрима.
func Allow(reason string, headers map[string]string) Decision {
	return Decision{
		Allowed:      true,
		HeadersToAdd: headers,
		Reason:       reason,
	}
}

// DenyStatus возвращает код отказа, подставляя 403 если политика его не задала.
func (d Decision) DenyStatus() int {
	if d.Status == 0 {
		return http.StatusForbidden
	}
	return d.Status
}
