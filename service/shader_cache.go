// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package service

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"sync"

	"github.com/gogpu/naga"
)

// compiledShader is the result of compiling one WGSL source.
type compiledShader struct {
	spirv []uint32
	err   error
}

// shaderCache memoizes WGSL to SPIR-V compilation by source hash. When the
// cache exceeds its soft limit the least recently used quarter is evicted.
//
// shaderCache is safe for concurrent use.
type shaderCache struct {
	mu        sync.Mutex
	entries   map[[sha256.Size]byte]*shaderEntry
	softLimit int
	tick      int64

	hits, misses, evictions uint64
}

type shaderEntry struct {
	shader compiledShader
	atime  int64
}

// ShaderCacheStats reports shader cache usage.
type ShaderCacheStats struct {
	Len       int
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

func newShaderCache(softLimit int) *shaderCache {
	return &shaderCache{
		entries:   make(map[[sha256.Size]byte]*shaderEntry),
		softLimit: softLimit,
	}
}

// compile returns the SPIR-V of source, compiling it on a miss. Failed
// compilations are cached too, so the same broken source fails fast.
func (c *shaderCache) compile(source string) compiledShader {
	key := sha256.Sum256([]byte(source))

	c.mu.Lock()
	defer c.mu.Unlock()

	c.tick++
	if e, ok := c.entries[key]; ok {
		e.atime = c.tick
		c.hits++
		return e.shader
	}
	c.misses++

	s := compileWGSL(source)
	c.entries[key] = &shaderEntry{shader: s, atime: c.tick}
	if c.softLimit > 0 && len(c.entries) > c.softLimit {
		c.evictOldest()
	}
	return s
}

// evictOldest removes the least recently used entries until the cache holds
// three quarters of its soft limit. Caller must hold c.mu.
func (c *shaderCache) evictOldest() {
	target := max(c.softLimit*3/4, 1)
	n := len(c.entries) - target
	if n <= 0 {
		return
	}
	type aged struct {
		key   [sha256.Size]byte
		atime int64
	}
	all := make([]aged, 0, len(c.entries))
	for k, e := range c.entries {
		all = append(all, aged{k, e.atime})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].atime < all[j].atime })
	for _, a := range all[:n] {
		delete(c.entries, a.key)
	}
	c.evictions += uint64(n)
}

func (c *shaderCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.entries)
	c.tick = 0
}

func (c *shaderCache) stats() ShaderCacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ShaderCacheStats{
		Len:       len(c.entries),
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
}

// compileWGSL compiles WGSL source to SPIR-V words.
func compileWGSL(source string) compiledShader {
	spirvBytes, err := naga.Compile(source)
	if err != nil {
		return compiledShader{err: fmt.Errorf("compile shader: %w", err)}
	}
	if len(spirvBytes)%4 != 0 {
		return compiledShader{err: fmt.Errorf("compile shader: SPIR-V of %d bytes", len(spirvBytes))}
	}

	// SPIR-V is little-endian 32-bit words
	words := make([]uint32, len(spirvBytes)/4)
	for i := range words {
		words[i] = uint32(spirvBytes[i*4]) |
			uint32(spirvBytes[i*4+1])<<8 |
			uint32(spirvBytes[i*4+2])<<16 |
			uint32(spirvBytes[i*4+3])<<24
	}
	return compiledShader{spirv: words}
}
