package policy

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
)

// Revision: опубликованный снимок всех документов. Неизменяем:
// вычисление, начатое на ревизии, доводится на ней же, даже если стор уже переключился.
type Revision struct {
	ID        string
	Documents map[string]*Document // package -> Document
	Origins   []string
	LoadedAt  time.Time
}

// Document возвращает документ пакета или nil.
func (r *Revision) Document(pkg string) *Document {
	if r == nil {
		return nil
	}
	return r.Documents[pkg]
}

// Packages возвращает отсортированный список пакетов ревизии.
func (r *Revision) Packages() []string {
	if r == nil {
		return nil
	}
	return sortedKeys(r.Documents)
}

// Store: кэш политик шлюза. Hot Path (Current) читает атомарный указатель
// без блокировок; перезагрузки сериализованы мьютексом и публикуются целиком или никак.
type Store struct {
	compiler *Compiler
	current  atomic.Pointer[Revision]
	reloadMu sync.Mutex
	logger   *zap.Logger

	subMu       sync.RWMutex
	subscribers []func(*Revision)
	reloadHooks []func(error)
}

func NewStore(compiler *Compiler, logger *zap.Logger) *Store {
	return &Store{
		compiler: compiler,
		logger:   logger.Named("policy-store"),
	}
}

// Current возвращает последнюю опубликованную ревизию или nil до первой загрузки.
func (s *Store) Current() *Revision {
	return s.current.Load()
}

// OnPublish регистрирует callback на публикацию новой ревизии (метрики, логи).
func (s *Store) OnPublish(fn func(*Revision)) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.subscribers = append(s.subscribers, fn)
}

// OnReload регистрирует callback на завершение каждой перезагрузки (nil: успех или no-op).
func (s *Store) OnReload(fn func(error)) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.reloadHooks = append(s.reloadHooks, fn)
}

// Load читает и компилирует источник, но ничего не публикует.
// Пустой источник допустим только если он сам это объявил: тогда ревизия
// без документов, и любой пакет отвечает deny "policy not loaded".
func (s *Store) Load(ctx context.Context, src Source) (*Revision, error) {
	raws, err := src.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	if len(raws) == 0 && !allowsEmpty(src) {
		return nil, &ParseError{Origin: src.Name(), Err: ErrNoDocuments}
	}

	rev := &Revision{
		ID:        Fingerprint(raws),
		Documents: make(map[string]*Document),
		LoadedAt:  time.Now(),
	}
	for _, raw := range raws {
		docs, err := s.compiler.Compile(raw.Origin, raw.Data)
		if err != nil {
			return nil, err
		}
		for _, doc := range docs {
			if prev, dup := rev.Documents[doc.Package]; dup {
				return nil, &ValidationError{
					Origin:   raw.Origin,
					Package:  doc.Package,
					Problems: []string{fmt.Sprintf("package already defined in %s", prev.Origin)},
				}
			}
			rev.Documents[doc.Package] = doc
		}
		rev.Origins = append(rev.Origins, raw.Origin)
	}
	return rev, nil
}

// Fingerprint: детерминированный ID набора документов. Порядок входа не важен.
// Тот же хэш консоль отдает как ETag бандла.
func Fingerprint(raws []RawDocument) string {
	sorted := slices.SortedFunc(slices.Values(raws), func(a, b RawDocument) int {
		return strings.Compare(a.Origin, b.Origin)
	})

	h := xxhash.New()
	for _, raw := range sorted {
		_, _ = h.WriteString(raw.Origin)
		_, _ = h.Write([]byte{0})
		_, _ = h.Write(raw.Data)
		_, _ = h.Write([]byte{0})
	}
	var sum [8]byte
	return hex.EncodeToString(h.Sum(sum[:0]))
}

// Reload загружает источник и атомарно подменяет текущую ревизию.
// При ошибке активной остается прежняя ревизия, трафик не затрагивается.
func (s *Store) Reload(ctx context.Context, src Source) (err error) {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	defer func() {
		s.subMu.RLock()
		hooks := slices.Clone(s.reloadHooks)
		s.subMu.RUnlock()
		for _, fn := range hooks {
			fn(err)
		}
	}()

	rev, err := s.Load(ctx, src)
	if errors.Is(err, ErrNotModified) {
		return nil
	}
	if err != nil {
		if inv, ok := src.(invalidator); ok {
			inv.Invalidate()
		}
		return err
	}

	if cur := s.current.Load(); cur != nil && cur.ID == rev.ID {
		s.logger.Debug("policy unchanged", zap.String("revision", rev.ID))
		return nil
	}

	s.current.Store(rev)
	s.logger.Info("policy revision published",
		zap.String("source", src.Name()),
		zap.String("revision", rev.ID),
		zap.Strings("packages", rev.Packages()),
	)

	s.subMu.RLock()
	subs := slices.Clone(s.subscribers)
	s.subMu.RUnlock()
	for _, fn := range subs {
		fn(rev)
	}
	return nil
}
