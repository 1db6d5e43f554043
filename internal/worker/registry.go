package worker

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/mattjoyce/forkq/internal/protocol"
)

// Registry maps module names to handler factories and startup functions. A
// worker binary builds one at start-up; nothing is registered globally.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	startups  map[string]StartupFunc
}

func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		startups:  make(map[string]StartupFunc),
	}
}

// Register adds a handler factory under name, replacing any previous one.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	r.factories[name] = f
	r.mu.Unlock()
}

// RegisterStartup adds a startup module under name.
func (r *Registry) RegisterStartup(name string, fn StartupFunc) {
	r.mu.Lock()
	r.startups[name] = fn
	r.mu.Unlock()
}

// Startup returns the startup module registered under name.
func (r *Registry) Startup(name string) (StartupFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.startups[name]
	return fn, ok
}

// Modules lists registered handler factory names, sorted.
func (r *Registry) Modules() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for name := range r.factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Startups lists registered startup module names, sorted.
func (r *Registry) Startups() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.startups))
	for name := range r.startups {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Resolve builds the handler for ref. Inline text wins over a module; a module
// is looked up among registered factories first and otherwise treated as an
// executable relative to ref.Path, or to dir when Path is empty.
func (r *Registry) Resolve(ref protocol.HandlerRef, dir string) (Handler, error) {
	if ref.Text != "" {
		return newTemplateHandler(ref)
	}
	if ref.Module == "" {
		return nil, fmt.Errorf("handler has neither module nor text")
	}

	r.mu.RLock()
	f, ok := r.factories[ref.Module]
	r.mu.RUnlock()
	if ok {
		h, err := f(ref)
		if err != nil {
			return nil, fmt.Errorf("build handler %q: %w", ref.Module, err)
		}
		return h, nil
	}

	path := ref.Module
	if !filepath.IsAbs(path) {
		base := ref.Path
		if base == "" {
			base = dir
		}
		path = filepath.Join(base, path)
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("unable to load handler module %q: %w", ref.Module, err)
	}
	if info.IsDir() || info.Mode().Perm()&0o111 == 0 {
		return nil, fmt.Errorf("unable to load handler module %q: %s is not executable", ref.Module, path)
	}
	return newExecHandler(path, ref.Config), nil
}
