// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package shm

import (
	"errors"
	"fmt"
	"sync"
)

// Registry owns every region shared between the clients and the service and
// maps shm ids to regions.
//
// Registry is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	nextID  int32
	regions map[int32]*Region
	bytes   uint64
}

// NewRegistry creates an empty registry. The first region gets shm id 1.
func NewRegistry() *Registry {
	return &Registry{
		nextID:  1,
		regions: make(map[int32]*Region),
	}
}

// Create maps a new region of size bytes and registers it.
func (r *Registry) Create(size uint32) (*Region, error) {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.mu.Unlock()

	region, err := newRegion(id, size)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.regions[id] = region
	r.bytes += uint64(size)
	r.mu.Unlock()
	return region, nil
}

// Lookup returns the region registered under id.
func (r *Registry) Lookup(id int32) (*Region, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	region, ok := r.regions[id]
	return region, ok
}

// Slice resolves an (id, offset, size) triple.
func (r *Registry) Slice(id int32, offset, size uint32) ([]byte, error) {
	region, ok := r.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	return region.Slice(offset, size)
}

// Destroy unregisters and unmaps the region registered under id.
func (r *Registry) Destroy(id int32) error {
	r.mu.Lock()
	region, ok := r.regions[id]
	if ok {
		delete(r.regions, id)
		r.bytes -= uint64(region.Size())
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	return region.Close()
}

// Len returns the number of registered regions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.regions)
}

// MappedBytes returns the total size of all registered regions.
func (r *Registry) MappedBytes() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.bytes
}

// Close destroys every registered region.
func (r *Registry) Close() error {
	r.mu.Lock()
	regions := r.regions
	r.regions = make(map[int32]*Region)
	r.bytes = 0
	r.mu.Unlock()

	var errs []error
	for _, region := range regions {
		if err := region.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
