// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package cli implements the command semantics behind the CLI surface
// (§6): parsing and dispatch for every `set server`/`enable`/`disable`/
// `get weight`/`show tls-keys`/`set ssl` command into the lb and tlskeys
// packages. The socket listener and accept loop that feed lines to
// Dispatcher.Execute are an external collaborator and out of scope (§1).
package cli

import (
	"fmt"
	"sort"
	"sync"

	"github.com/corelb/corelb/internal/lb"
)

// Registry resolves the `<bk>/<srv>` references the CLI grammar uses to
// the live *lb.Server each one names.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]map[string]*lb.Server
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]map[string]*lb.Server)}
}

// Register adds srv under backend/name, overwriting any prior server
// registered at that key (a config reload replaces, not merges).
func (r *Registry) Register(backend, name string, srv *lb.Server) {
	r.mu.Lock()
	defer r.mu.Unlock()
	srvs, ok := r.backends[backend]
	if !ok {
		srvs = make(map[string]*lb.Server)
		r.backends[backend] = srvs
	}
	srvs[name] = srv
}

// Lookup resolves a `<bk>/<srv>` pair.
func (r *Registry) Lookup(backend, name string) (*lb.Server, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	srvs, ok := r.backends[backend]
	if !ok {
		return nil, false
	}
	srv, ok := srvs[name]
	return srv, ok
}

// Backends returns every registered backend name, sorted.
func (r *Registry) Backends() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.backends))
	for n := range r.backends {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// splitBackendServer splits a `<bk>/<srv>` reference, the form every
// `set server`/`enable`/`disable`/`get weight` command argument takes.
func splitBackendServer(ref string) (backend, server string, err error) {
	for i := 0; i < len(ref); i++ {
		if ref[i] == '/' {
			return ref[:i], ref[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("cli: %q is not a <backend>/<server> reference", ref)
}
