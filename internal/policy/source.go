package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// RawDocument: сырой текст политики вместе с его происхождением.
type RawDocument struct {
	Origin string
	Data   []byte
}

// Source поставляет сырые документы. Реализации: файл/каталог, HTTP-бандл.
type Source interface {
	Name() string
	Fetch(ctx context.Context) ([]RawDocument, error)
}

// invalidator: источник с кэшем валидаторов (ETag). Если ревизию отвергли,
// кэш надо сбросить, иначе следующий запрос получит 304 и сломанную политику не заменит.
type invalidator interface {
	Invalidate()
}

// emptyAllower: источник, у которого пустой набор означает "политик нет"
// (в консоли удалили последнюю), а не ошибку конфигурации.
type emptyAllower interface {
	AllowEmpty() bool
}

func allowsEmpty(src Source) bool {
	ea, ok := src.(emptyAllower)
	return ok && ea.AllowEmpty()
}

var policyExtensions = []string{".yaml", ".yml", ".json"}

// FileSource читает один файл или все *.yaml|*.yml|*.json из каталога (без рекурсии).
type FileSource struct {
	Path string
}

func NewFileSource(path string) *FileSource {
	return &FileSource{Path: path}
}

func (s *FileSource) Name() string { return "file:" + s.Path }

func (s *FileSource) Fetch(ctx context.Context) ([]RawDocument, error) {
	info, err := os.Stat(s.Path)
	if err != nil {
		return nil, fmt.Errorf("policy source: %w", err)
	}

	if !info.IsDir() {
		data, err := os.ReadFile(s.Path)
		if err != nil {
			return nil, fmt.Errorf("policy source: %w", err)
		}
		return []RawDocument{{Origin: filepath.Base(s.Path), Data: data}}, nil
	}

	entries, err := os.ReadDir(s.Path)
	if err != nil {
		return nil, fmt.Errorf("policy source: %w", err)
	}

	var docs []RawDocument
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if e.IsDir() || !isPolicyFile(e.Name()) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.Path, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("policy source: %w", err)
		}
		docs = append(docs, RawDocument{Origin: e.Name(), Data: data})
	}
	return docs, nil
}

func isPolicyFile(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false // временные файлы редакторов
	}
	return slices.Contains(policyExtensions, strings.ToLower(filepath.Ext(name)))
}
