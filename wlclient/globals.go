package wlclient

import (
	"fmt"
	"sort"
	"sync"
)

// Global is one interface the compositor advertised over wl_registry,
// available to bind.
type Global struct {
	Name      uint32
	Interface string
	Version   uint32
}

// GlobalRegistry wraps the wl_registry proxy with the bookkeeping every
// client needs: the name->Global table built from "global"/"global_remove"
// events, and a Bind helper that does the name/interface/version checks
// before issuing wl_registry.bind.
type GlobalRegistry struct {
	proxy *Proxy

	mu      sync.RWMutex
	globals map[uint32]Global
}

func newGlobalRegistry(proxy *Proxy) *GlobalRegistry {
	gr := &GlobalRegistry{proxy: proxy, globals: make(map[uint32]Global)}

	proxy.OnEvent("global", func(args []interface{}) error {
		name := args[0].(uint32)
		iface := args[1].(string)
		version := args[2].(uint32)
		gr.mu.Lock()
		gr.globals[name] = Global{Name: name, Interface: iface, Version: version}
		gr.mu.Unlock()
		return nil
	})

	proxy.OnEvent("global_remove", func(args []interface{}) error {
		name := args[0].(uint32)
		gr.mu.Lock()
		delete(gr.globals, name)
		gr.mu.Unlock()
		return nil
	})

	return gr
}

// List returns a snapshot of currently advertised globals, sorted by name.
func (gr *GlobalRegistry) List() []Global {
	gr.mu.RLock()
	defer gr.mu.RUnlock()
	out := make([]Global, 0, len(gr.globals))
	for _, g := range gr.globals {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Find returns the first global advertising the given interface, if any.
func (gr *GlobalRegistry) Find(iface string) (Global, bool) {
	gr.mu.RLock()
	defer gr.mu.RUnlock()
	for _, g := range gr.globals {
		if g.Interface == iface {
			return g, true
		}
	}
	return Global{}, false
}

// Bind binds to the named global, returning the resulting Proxy. version
// must not exceed the version the compositor actually advertised.
func (gr *GlobalRegistry) Bind(iface string, version uint32) (*Proxy, error) {
	gr.mu.RLock()
	var global Global
	var found bool
	for _, g := range gr.globals {
		if g.Interface == iface {
			global, found = g, true
			break
		}
	}
	gr.mu.RUnlock()

	if !found {
		return nil, fmt.Errorf("wlclient: no global advertises interface %q", iface)
	}
	if version > global.Version {
		return nil, fmt.Errorf("wlclient: requested version %d exceeds advertised %d for %s", version, global.Version, iface)
	}

	return gr.proxy.Request("bind", []interface{}{global.Name}, iface, version)
}
