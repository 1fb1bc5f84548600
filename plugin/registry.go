// plugin/registry.go
package plugin

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps game type IDs to plugins. It is resolved once when a
// session is created.
type Registry struct {
	plugins map[string]Plugin
	mutex   sync.RWMutex
}

func NewRegistry(plugins ...Plugin) *Registry {
	r := &Registry{plugins: make(map[string]Plugin)}
	for _, p := range plugins {
		r.Register(p)
	}
	return r
}

// Register adds p, replacing any plugin with the same ID.
func (r *Registry) Register(p Plugin) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.plugins[p.Info().ID] = p
}

// Lookup returns the plugin for gameType or an error wrapping ErrPluginNotFound.
func (r *Registry) Lookup(gameType string) (Plugin, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	p, ok := r.plugins[gameType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrPluginNotFound, gameType)
	}
	return p, nil
}

// Infos lists registered game types sorted by ID.
func (r *Registry) Infos() []Info {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	infos := make([]Info, 0, len(r.plugins))
	for _, p := range r.plugins {
		infos = append(infos, p.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}
