package module

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Table registry of modules by handle and by scheme.
//
// Built-in modules are registered once at startup. External modules come
// from LoadDir and may be replaced when the libexec directory changes; they
// never shadow a built-in.
type Table struct {
	mu       sync.RWMutex
	byHandle map[string]Module
	byScheme map[string]Module
	builtin  map[string]bool
	log      *slog.Logger
}

// NewTable creates an empty module table.
func NewTable() *Table {
	return &Table{
		byHandle: make(map[string]Module),
		byScheme: make(map[string]Module),
		builtin:  make(map[string]bool),
		log:      slog.With("component", "module-table"),
	}
}

// Register adds a built-in module.
func (t *Table) Register(m Module) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.byHandle[m.Handle()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateModule, m.Handle())
	}
	t.addLocked(m)
	t.builtin[m.Handle()] = true
	return nil
}

func (t *Table) addLocked(m Module) {
	t.byHandle[m.Handle()] = m
	for _, s := range m.Schemes() {
		s = strings.ToLower(s)
		if prev, ok := t.byScheme[s]; ok && t.builtin[prev.Handle()] {
			continue
		}
		t.byScheme[s] = m
	}
}

func (t *Table) removeLocked(handle string) {
	delete(t.byHandle, handle)
	for s, m := range t.byScheme {
		if m.Handle() == handle {
			delete(t.byScheme, s)
		}
	}
}

// Lookup finds a module by handle.
func (t *Table) Lookup(handle string) (Module, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if m, ok := t.byHandle[handle]; ok {
		return m, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownModule, handle)
}

// ForScheme finds the module serving a URL scheme.
func (t *Table) ForScheme(scheme string) (Module, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if m, ok := t.byScheme[strings.ToLower(scheme)]; ok {
		return m, nil
	}
	return nil, fmt.Errorf("%w: scheme %q", ErrUnknownModule, scheme)
}

// ForURI parses uri and finds the module for its scheme.
func (t *Table) ForURI(uri string) (Module, Resource, error) {
	r, err := ParseURI(uri)
	if err != nil {
		return nil, Resource{}, err
	}
	m, err := t.ForScheme(r.Scheme)
	if err != nil {
		return nil, r, err
	}
	return m, r, nil
}

// List all modules ordered by handle.
func (t *Table) List() []Module {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Module, 0, len(t.byHandle))
	for _, m := range t.byHandle {
		out = append(out, m)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Handle() < out[k].Handle() })
	return out
}

// Len number of registered modules
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byHandle)
}

// LoadDir (re)loads every executable in dir as an external module.
//
// A program that fails to describe itself is skipped with a warning.
// External modules that disappeared from dir are dropped.
//
// Returns:
//   - int: number of external modules loaded
//   - error: only when dir itself cannot be read
func (t *Table) LoadDir(ctx context.Context, dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read module dir: %w", err)
	}

	var loaded []*External
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		info, err := e.Info()
		if err != nil || info.Mode()&0o111 == 0 {
			continue
		}
		path := filepath.Join(dir, e.Name())
		ext, err := LoadExternal(ctx, path)
		if err != nil {
			t.log.Warn("skipping module", "path", path, "error", err)
			continue
		}
		loaded = append(loaded, ext)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for handle := range t.byHandle {
		if !t.builtin[handle] {
			t.removeLocked(handle)
		}
	}
	n := 0
	for _, ext := range loaded {
		if t.builtin[ext.Handle()] {
			t.log.Warn("external module shadows a built-in, ignored", "handle", ext.Handle(), "path", ext.Path())
			continue
		}
		if _, ok := t.byHandle[ext.Handle()]; ok {
			t.log.Warn("duplicate module handle, ignored", "handle", ext.Handle(), "path", ext.Path())
			continue
		}
		t.addLocked(ext)
		n++
	}
	t.log.Info("modules loaded", "dir", dir, "external", n, "total", len(t.byHandle))
	return n, nil
}
