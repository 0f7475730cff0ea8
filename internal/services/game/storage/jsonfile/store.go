// Package jsonfile persists the journal window as a single JSON array file.
package jsonfile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	apperrors "github.com/louisbranch/loremaster/internal/platform/errors"
	"github.com/louisbranch/loremaster/internal/services/game/domain/event"
	"github.com/louisbranch/loremaster/internal/services/game/storage"
)

// Store writes the trailing event window to one file. Writes go to a
// temporary sibling first and are renamed into place, so a crash mid-write
// leaves the previous window intact.
type Store struct {
	path   string
	window int
}

// Option configures a Store.
type Option func(*Store)

// WithWindow overrides the number of trailing events written per save.
func WithWindow(window int) Option {
	return func(s *Store) {
		if window > 0 {
			s.window = window
		}
	}
}

// Open returns a store for the given file path. The file need not exist.
func Open(path string, opts ...Option) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("event log path is required")
	}
	store := &Store{path: filepath.Clean(path), window: storage.DefaultWindow}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	return store, nil
}

// Path returns the file the store writes to.
func (s *Store) Path() string {
	return s.path
}

// SaveEvents replaces the file contents with the last window events.
func (s *Store) SaveEvents(ctx context.Context, events []event.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil {
		return errors.New("event log store is required")
	}
	if len(events) > s.window {
		events = events[len(events)-s.window:]
	}
	if events == nil {
		events = []event.Event{}
	}

	data, err := json.MarshalIndent(events, "", "  ")
	if err != nil {
		return apperrors.Wrap(apperrors.CodePersistence, "encode event window", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return apperrors.Wrap(apperrors.CodePersistence, "create event log dir", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return apperrors.Wrap(apperrors.CodePersistence, "create temp event log", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return apperrors.Wrap(apperrors.CodePersistence, "write event log", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return apperrors.Wrap(apperrors.CodePersistence, "sync event log", err)
	}
	if err := tmp.Close(); err != nil {
		return apperrors.Wrap(apperrors.CodePersistence, "close event log", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return apperrors.Wrap(apperrors.CodePersistence, "replace event log", err)
	}
	return nil
}

// LoadEvents reads the persisted window. A missing file and an undecodable
// file are reported through the result status rather than as errors.
func (s *Store) LoadEvents(ctx context.Context) (storage.LoadResult, error) {
	if err := ctx.Err(); err != nil {
		return storage.LoadResult{Status: storage.LoadFailed, Detail: err.Error()}, err
	}
	if s == nil {
		return storage.LoadResult{Status: storage.LoadFailed}, errors.New("event log store is required")
	}

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return storage.LoadResult{Status: storage.LoadMissing}, nil
	}
	if err != nil {
		wrapped := apperrors.Wrap(apperrors.CodePersistence, "read event log", err)
		return storage.LoadResult{Status: storage.LoadFailed, Detail: wrapped.Error()}, wrapped
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return storage.LoadResult{Status: storage.LoadMissing}, nil
	}

	var events []event.Event
	if err := json.Unmarshal(data, &events); err != nil {
		return storage.LoadResult{Status: storage.LoadCorrupt, Detail: err.Error()}, nil
	}
	if len(events) > s.window {
		events = events[len(events)-s.window:]
	}
	return storage.LoadResult{Events: events, Status: storage.LoadOK}, nil
}
