// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package client

import "testing"

func TestShareGroupPolicies(t *testing.T) {
	tests := []struct {
		name string
		cfg  ShareGroupConfig
		ns   Namespace
		want IDPolicy
	}{
		{"bind generates buffers", DefaultShareGroupConfig(), NamespaceBuffers, PolicyReuse},
		{"strict textures", ShareGroupConfig{}, NamespaceTextures, PolicyStrict},
		{"programs never reused", DefaultShareGroupConfig(), NamespaceProgramsAndShaders, PolicyNonReused},
		{"override", ShareGroupConfig{Policies: map[Namespace]IDPolicy{NamespaceRenderbuffers: PolicyNonReused}}, NamespaceRenderbuffers, PolicyNonReused},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.Policy(tt.ns); got != tt.want {
				t.Errorf("Policy(%v) = %v, want %v", tt.ns, got, tt.want)
			}
		})
	}

	g := NewShareGroup(ShareGroupConfig{})
	if _, ok := g.Handler(NamespaceBuffers).(*StrictIDHandler); !ok {
		t.Errorf("buffers handler is %T, want *StrictIDHandler", g.Handler(NamespaceBuffers))
	}
	if g.Handler(NamespaceQueries) != nil {
		t.Error("private namespace has a shared handler")
	}
}

func TestShareGroupRegistryLifecycle(t *testing.T) {
	r := NewShareGroupRegistry()
	a := r.Join("scene", DefaultShareGroupConfig())
	b := r.Join("scene", ShareGroupConfig{})
	if a != b {
		t.Fatal("Join returned different groups for one name")
	}
	if !b.BindGeneratesResource() {
		t.Error("second Join replaced the config")
	}
	if a.Members() != 2 || r.Len() != 1 {
		t.Fatalf("members = %d, groups = %d", a.Members(), r.Len())
	}

	destroyed := 0
	a.OnEmpty(func() { destroyed++ })
	a.Release()
	if destroyed != 0 {
		t.Fatal("group destroyed with a member left")
	}
	if _, ok := r.Lookup("scene"); !ok {
		t.Fatal("group unregistered with a member left")
	}
	b.Release()
	if destroyed != 1 || r.Len() != 0 {
		t.Errorf("destroyed = %d, groups = %d after the last release", destroyed, r.Len())
	}

	c := r.Join("scene", DefaultShareGroupConfig())
	if c == a || c.ID() == a.ID() {
		t.Error("a destroyed group was revived")
	}
}

func TestShareGroupLose(t *testing.T) {
	g := NewShareGroup(DefaultShareGroupConfig())
	if g.IsLost() {
		t.Fatal("new group lost")
	}
	g.Lose()
	g.Lose()
	if !g.IsLost() {
		t.Error("IsLost() = false after Lose")
	}
}
