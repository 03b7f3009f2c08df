// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package client

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// GlobalShareGroupName names the share group every context joins when
// created with the global share group option.
const GlobalShareGroupName = "global"

// ShareGroupConfig configures the ID strategies of a share group.
type ShareGroupConfig struct {
	// BindGeneratesResource lets binding an unused ID create the resource.
	// It selects PolicyReuse for the shared namespaces; otherwise they use
	// PolicyStrict. Programs and shaders always use PolicyNonReused.
	BindGeneratesResource bool

	// Policies overrides the strategy of individual namespaces.
	Policies map[Namespace]IDPolicy
}

// DefaultShareGroupConfig returns the default configuration:
// bind generates resources.
func DefaultShareGroupConfig() ShareGroupConfig {
	return ShareGroupConfig{BindGeneratesResource: true}
}

// Policy returns the ID strategy for ns.
func (c ShareGroupConfig) Policy(ns Namespace) IDPolicy {
	if p, ok := c.Policies[ns]; ok {
		return p
	}
	if ns == NamespaceProgramsAndShaders {
		return PolicyNonReused
	}
	if c.BindGeneratesResource {
		return PolicyReuse
	}
	return PolicyStrict
}

var shareGroupIDs atomic.Uint64

// ShareGroup holds the ID handlers of the namespaces shared by its member
// contexts. It is reference counted by its members.
//
// ShareGroup is safe for concurrent use.
type ShareGroup struct {
	id       uint64
	name     string
	cfg      ShareGroupConfig
	handlers [numSharedNamespaces]IDHandler

	mu       sync.Mutex
	refs     int
	registry *ShareGroupRegistry
	onEmpty  []func()

	lost atomic.Bool
}

// NewShareGroup creates an unregistered share group with no members.
func NewShareGroup(cfg ShareGroupConfig) *ShareGroup {
	g := &ShareGroup{
		id:  shareGroupIDs.Add(1),
		cfg: cfg,
	}
	for ns := Namespace(0); ns < numSharedNamespaces; ns++ {
		g.handlers[ns] = NewIDHandler(cfg.Policy(ns), ns)
	}
	return g
}

// ID returns a process-unique identifier of the group.
func (g *ShareGroup) ID() uint64 { return g.id }

// Name returns the registry name, or "" for unregistered groups.
func (g *ShareGroup) Name() string { return g.name }

// Config returns the configuration the group was created with.
func (g *ShareGroup) Config() ShareGroupConfig { return g.cfg }

// BindGeneratesResource reports whether binding unused IDs creates resources.
func (g *ShareGroup) BindGeneratesResource() bool { return g.cfg.BindGeneratesResource }

// Handler returns the ID handler of a shared namespace, or nil for
// namespaces private to a context.
func (g *ShareGroup) Handler(ns Namespace) IDHandler {
	if ns < 0 || ns >= numSharedNamespaces {
		return nil
	}
	return g.handlers[ns]
}

// OnEmpty registers fn to run when the last member leaves.
func (g *ShareGroup) OnEmpty(fn func()) {
	g.mu.Lock()
	g.onEmpty = append(g.onEmpty, fn)
	g.mu.Unlock()
}

// AddRef records a new member context.
func (g *ShareGroup) AddRef() {
	g.mu.Lock()
	g.refs++
	g.mu.Unlock()
}

// Members returns the number of member contexts.
func (g *ShareGroup) Members() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.refs
}

// Release removes a member. The last release destroys the group and
// removes it from its registry.
func (g *ShareGroup) Release() {
	if r := g.registry; r != nil {
		r.mu.Lock()
		defer r.mu.Unlock()
	}
	g.mu.Lock()
	g.refs--
	empty := g.refs == 0
	var hooks []func()
	if empty {
		hooks = g.onEmpty
		g.onEmpty = nil
		if g.registry != nil {
			delete(g.registry.groups, g.name)
		}
	}
	g.mu.Unlock()

	if !empty {
		return
	}
	slogger().Info("share group destroyed", slog.Uint64("id", g.id), slog.String("name", g.name))
	for _, fn := range hooks {
		fn()
	}
}

// Lose marks every member context as lost.
func (g *ShareGroup) Lose() {
	if g.lost.CompareAndSwap(false, true) {
		slogger().Warn("share group lost", slog.Uint64("id", g.id))
	}
}

// IsLost reports whether a member lost its context.
func (g *ShareGroup) IsLost() bool { return g.lost.Load() }

// ShareGroupRegistry maps names to live share groups. A group stays
// registered while it has members.
//
// ShareGroupRegistry is safe for concurrent use.
type ShareGroupRegistry struct {
	mu     sync.Mutex
	groups map[string]*ShareGroup
}

// NewShareGroupRegistry creates an empty registry.
func NewShareGroupRegistry() *ShareGroupRegistry {
	return &ShareGroupRegistry{groups: make(map[string]*ShareGroup)}
}

// Join adds a member to the group registered under name, creating the group
// with cfg when none exists. cfg is ignored for existing groups.
func (r *ShareGroupRegistry) Join(name string, cfg ShareGroupConfig) *ShareGroup {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.groups[name]
	if !ok {
		g = NewShareGroup(cfg)
		g.name = name
		g.registry = r
		r.groups[name] = g
		slogger().Info("share group created", slog.Uint64("id", g.id), slog.String("name", name))
	}
	g.AddRef()
	return g
}

// Lookup returns the group registered under name.
func (r *ShareGroupRegistry) Lookup(name string) (*ShareGroup, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.groups[name]
	return g, ok
}

// Len returns the number of registered groups.
func (r *ShareGroupRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.groups)
}
