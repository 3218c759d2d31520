package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// WriterStore пишет записи как JSON Lines в любой io.Writer (stdout, файл).
type WriterStore struct {
	mu     sync.Mutex
	w      io.Writer
	closer io.Closer
}

func NewWriterStore(w io.Writer) *WriterStore {
	return &WriterStore{w: w}
}

// NewStdoutStore: приемник по умолчанию; его вывод собирает агент логов пода.
func NewStdoutStore() *WriterStore {
	return NewWriterStore(os.Stdout)
}

// NewFileStore открывает файл на дозапись.
func NewFileStore(path string) (*WriterStore, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("open decision log file: %w", err)
	}
	return &WriterStore{w: f, closer: f}, nil
}

func (s *WriterStore) WriteBatch(_ context.Context, records []DecisionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	enc := json.NewEncoder(s.w)
	for i := range records {
		if err := enc.Encode(&records[i]); err != nil {
			return fmt.Errorf("encode decision record: %w", err)
		}
	}
	return nil
}

func (s *WriterStore) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

// MultiStore дублирует пачку во все приемники. Сбой одного не мешает остальным.
type MultiStore []Store

func (m MultiStore) WriteBatch(ctx context.Context, records []DecisionRecord) error {
	var errs []error
	for _, s := range m {
		if err := s.WriteBatch(ctx, records); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close закрывает приемники, которые этого требуют.
func (m MultiStore) Close() error {
	var errs []error
	for _, s := range m {
		if c, ok := s.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}
