package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/fsnotify/fsnotify"
	"github.com/moby/sys/atomicwriter"
	"go.uber.org/zap"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
)

const defaultFileName = ".web-term.json"

var (
	ErrRead    = errors.New("failed to read settings")
	ErrWrite   = errors.New("failed to write settings")
	ErrInvalid = errors.New("invalid settings")
)

// Store caches the settings document and keeps it in sync with the file on disk.
// Reads never block: they work on an immutable snapshot. Saves and reloads are serialized.
type Store struct {
	logger *zap.Logger
	path   string

	cache atomic.Pointer[Document]

	// guards the file and the cache replacement
	writeLock sync.Mutex

	subscribersLock  sync.Mutex
	subscribers      map[int]func(Document)
	nextSubscriberID int
}

// DefaultPath is ~/.web-term.json, or the file name alone when there's no home directory.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return defaultFileName
	}

	return filepath.Join(home, defaultFileName)
}

func Open(path string, opts ...Option) *Store {
	store := &Store{
		path:        path,
		subscribers: make(map[int]func(Document)),
	}

	// Apply options
	for _, opt := range opts {
		opt(store)
	}

	// Apply defaults
	if store.logger == nil {
		store.logger = zap.NewNop()
	}
	if store.path == "" {
		store.path = DefaultPath()
	}

	store.logger = store.logger.With(zap.String("settings-path", store.path))

	return store
}

func (store *Store) Path() string {
	return store.path
}

// Read returns the cached document, loading it on first use. When the file is missing or
// corrupt at that point, the default document is cached, persisted and returned along with
// an error wrapping ErrRead.
func (store *Store) Read() (Document, error) {
	if cached := store.cache.Load(); cached != nil {
		return cached.Clone(), nil
	}

	store.writeLock.Lock()
	defer store.writeLock.Unlock()

	if cached := store.cache.Load(); cached != nil {
		return cached.Clone(), nil
	}

	document, err := store.load()
	if err == nil {
		store.cache.Store(&document)

		return document.Clone(), nil
	}

	readErr := fmt.Errorf("%w: %w", ErrRead, err)

	fallback := Default()
	if err := store.persist(fallback); err != nil {
		store.logger.Warn("failed to persist default settings", zap.Error(err))
	}
	store.cache.Store(&fallback)

	return fallback.Clone(), readErr
}

// Write validates and saves the whole document, then replaces the cache.
// On failure the cache keeps the previous document.
func (store *Store) Write(document Document) error {
	if err := Validate(document); err != nil {
		return err
	}

	document = document.Clone()

	store.writeLock.Lock()

	if err := store.persist(document); err != nil {
		store.writeLock.Unlock()

		return fmt.Errorf("%w: %w", ErrWrite, err)
	}

	previous := store.cache.Swap(&document)

	store.writeLock.Unlock()

	if previous == nil || !previous.Equal(document) {
		store.notify(document)
	}

	return nil
}

// Subscribe registers fn to be called with every new document. The returned function
// cancels the subscription.
func (store *Store) Subscribe(fn func(Document)) func() {
	store.subscribersLock.Lock()
	defer store.subscribersLock.Unlock()

	id := store.nextSubscriberID
	store.nextSubscriberID++
	store.subscribers[id] = fn

	return func() {
		store.subscribersLock.Lock()
		defer store.subscribersLock.Unlock()

		delete(store.subscribers, id)
	}
}

// Watch starts reloading the document whenever the file changes, until ctx is done.
// The parent directory is watched so that rename-based saves are noticed too.
// Changes that don't parse or validate are logged and ignored.
func (store *Store) Watch(ctx context.Context, onChange func(Document)) error {
	dir := filepath.Dir(store.path)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()

		return err
	}

	unsubscribe := func() {}
	if onChange != nil {
		unsubscribe = store.Subscribe(onChange)
	}

	go func() {
		defer unsubscribe()
		defer watcher.Close()

		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}

				if filepath.Clean(event.Name) != filepath.Clean(store.path) {
					continue
				}

				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}

				store.reload()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}

				store.logger.Warn("settings watcher error", zap.Error(err))
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

func (store *Store) reload() {
	store.writeLock.Lock()

	document, err := store.load()
	if err != nil {
		store.writeLock.Unlock()

		if !errors.Is(err, os.ErrNotExist) {
			store.logger.Warn("ignoring settings change", zap.Error(err))
		}

		return
	}

	previous := store.cache.Load()
	if previous != nil && previous.Equal(document) {
		store.writeLock.Unlock()

		return
	}

	store.cache.Store(&document)

	store.writeLock.Unlock()

	store.logger.Info("reloaded settings")
	store.notify(document)
}

func (store *Store) load() (Document, error) {
	data, err := os.ReadFile(store.path)
	if err != nil {
		return Document{}, err
	}

	var document Document
	if err := json.Unmarshal(data, &document); err != nil {
		return Document{}, fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	if err := Validate(document); err != nil {
		return Document{}, err
	}

	return document, nil
}

func (store *Store) persist(document Document) error {
	data, err := json.MarshalIndent(document, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(store.path), 0o755); err != nil {
		return err
	}

	return atomicwriter.WriteFile(store.path, append(data, '\n'), 0o600)
}

func (store *Store) notify(document Document) {
	store.subscribersLock.Lock()
	subscribers := make([]func(Document), 0, len(store.subscribers))
	for _, subscriber := range store.subscribers {
		subscribers = append(subscribers, subscriber)
	}
	store.subscribersLock.Unlock()

	for _, subscriber := range subscribers {
		subscriber(document.Clone())
	}
}
