package policy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// debounceDelay: редакторы пишут файл в несколько приемов, ждем тишины.
const debounceDelay = 500 * time.Millisecond

// Watcher следит за файлом/каталогом политик и перезагружает стор при изменениях.
// Следим за каталогом, а не за файлом: атомарная замена через rename
// иначе отвязывает inotify от пути.
type Watcher struct {
	store   *Store
	source  *FileSource
	watcher *fsnotify.Watcher
	file    string // имя файла для фильтрации событий; пусто, если источник: каталог
	logger  *zap.Logger
}

func NewWatcher(store *Store, source *FileSource, logger *zap.Logger) (*Watcher, error) {
	info, err := os.Stat(source.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat policy source: %w", err)
	}

	dir, file := source.Path, ""
	if !info.IsDir() {
		dir, file = filepath.Dir(source.Path), filepath.Base(source.Path)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch %q: %w", dir, err)
	}

	return &Watcher{
		store:   store,
		source:  source,
		watcher: fw,
		file:    file,
		logger:  logger.Named("policy-watcher"),
	}, nil
}

// Run блокируется до отмены ctx.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if !w.relevant(event) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceDelay, func() {
				w.reload(ctx)
			})

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("file watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
		!event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
		return false
	}
	name := filepath.Base(event.Name)
	if w.file != "" {
		return name == w.file
	}
	return isPolicyFile(name)
}

func (w *Watcher) reload(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if err := w.store.Reload(ctx, w.source); err != nil {
		w.logger.Error("hot-reload failed, previous revision stays active", zap.Error(err))
	}
}

// Poller периодически перечитывает источник (reload_interval).
type Poller struct {
	store    *Store
	source   Source
	interval time.Duration
	logger   *zap.Logger
}

func NewPoller(store *Store, source Source, interval time.Duration, logger *zap.Logger) *Poller {
	return &Poller{
		store:    store,
		source:   source,
		interval: interval,
		logger:   logger.Named("policy-poller"),
	}
}

// Run блокируется до отмены ctx.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := p.store.Reload(ctx, p.source)
			switch {
			case err == nil, errors.Is(err, ErrNotModified):
			case ctx.Err() != nil:
				return
			default:
				p.logger.Error("periodic reload failed, previous revision stays active",
					zap.String("source", p.source.Name()), zap.Error(err))
			}
		}
	}
}
