package command

import (
	"sort"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
)

// Factory builds a Command instance for one job.
type Factory func() Command

// Registry maps command names to factories. It is built once at startup
// and passed to whoever needs to resolve commands.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

func normalize(name string) string { return strings.ToLower(strings.TrimSpace(name)) }

// Register adds or replaces a factory.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[normalize(name)] = f
}

// Resolve builds the command registered under name.
func (r *Registry) Resolve(name string) (Command, error) {
	r.mu.RLock()
	f, ok := r.factories[normalize(name)]
	r.mu.RUnlock()
	if !ok || f == nil {
		return nil, errors.Wrapf(ErrUnknownCommand, "%q", name)
	}
	return f(), nil
}

// Names lists registered commands, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for n := range r.factories {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
