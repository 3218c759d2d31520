package policy

import (
	"fmt"
	"strconv"
	"strings"
)

// headerTemplate: значение заголовка вида "user-${claims.sub}".
// Ссылки разрешаются против Input того же вычисления.
type headerTemplate struct {
	name  string
	parts []templatePart
}

type templatePart struct {
	literal string
	ref     []string // nil для литерала
}

func parseHeaderTemplate(name, value string) (headerTemplate, error) {
	t := headerTemplate{name: name}
	rest := value
	for {
		start := strings.Index(rest, "${")
		if start < 0 {
			if rest != "" {
				t.parts = append(t.parts, templatePart{literal: rest})
			}
			return t, nil
		}
		if start > 0 {
			t.parts = append(t.parts, templatePart{literal: rest[:start]})
		}
		end := strings.Index(rest[start:], "}")
		if end < 0 {
			return t, fmt.Errorf("header %q: unterminated reference", name)
		}
		ref := rest[start+2 : start+end]
		path, err := parseReference(ref)
		if err != nil {
			return t, fmt.Errorf("header %q: %w", name, err)
		}
		t.parts = append(t.parts, templatePart{ref: path})
		rest = rest[start+end+1:]
	}
}

func parseReference(ref string) ([]string, error) {
	path := strings.Split(strings.TrimSpace(ref), ".")
	for _, p := range path {
		if p == "" {
			return nil, fmt.Errorf("malformed reference %q", ref)
		}
	}
	switch path[0] {
	case "claims":
		if len(path) < 2 {
			return nil, fmt.Errorf("reference %q must name a claim", ref)
		}
	case "request":
		if len(path) < 2 {
			return nil, fmt.Errorf("reference %q must name a request field", ref)
		}
		switch path[1] {
		case "method", "path", "query":
			if len(path) != 2 {
				return nil, fmt.Errorf("reference %q: %s has no fields", ref, path[1])
			}
		case "headers":
			if len(path) != 3 {
				return nil, fmt.Errorf("reference %q must name exactly one header", ref)
			}
			path[2] = strings.ToLower(path[2])
		default:
			return nil, fmt.Errorf("unknown request field %q", path[1])
		}
	case "peer":
		if len(path) != 2 || (path[1] != "address" && path[1] != "principal") {
			return nil, fmt.Errorf("unknown peer field in %q", ref)
		}
	default:
		return nil, fmt.Errorf("unknown reference root %q", path[0])
	}
	return path, nil
}

func (t headerTemplate) render(ev *evaluation) (string, bool) {
	var b strings.Builder
	for _, p := range t.parts {
		if p.ref == nil {
			b.WriteString(p.literal)
			continue
		}
		v, ok := resolve(ev, p.ref)
		if !ok {
			return "", false
		}
		b.WriteString(v)
	}
	return b.String(), true
}

func resolve(ev *evaluation, path []string) (string, bool) {
	in := ev.input
	switch path[0] {
	case "request":
		switch path[1] {
		case "method":
			return in.Method, true
		case "path":
			return in.Path, true
		case "query":
			return in.Query, in.Query != ""
		case "headers":
			v, ok := in.Headers[path[2]]
			return v, ok
		}
	case "peer":
		if path[1] == "address" {
			return in.Peer.Address, in.Peer.Address != ""
		}
		return in.Peer.Principal, in.Peer.Principal != ""
	case "claims":
		if in.Claims == nil {
			return "", false
		}
		var cur any = map[string]any(in.Claims)
		for _, key := range path[1:] {
			m, ok := cur.(map[string]any)
			if !ok {
				return "", false
			}
			cur, ok = m[key]
			if !ok || cur == nil {
				return "", false
			}
		}
		switch v := cur.(type) {
		case string:
			return v, true
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64), true
		case []any:
			items := make([]string, 0, len(v))
			for _, item := range v {
				items = append(items, fmt.Sprint(item))
			}
			return strings.Join(items, ","), true
		case map[string]any:
			return "", false
		default:
			return fmt.Sprint(v), true
		}
	}
	return "", false
}
