package backend

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/oriys/meteor/internal/config"
	"github.com/oriys/meteor/internal/domain"
)

// Factory builds one backend instance for a region endpoint. region is empty
// when the configuration lists no regions.
type Factory func(region string, cfg config.BackendConfig) (ComputeBackend, error)

type registration struct {
	factory     Factory
	description string
}

// Registry holds the backend constructors known at compile time, the
// instances built from them and the runtime metadata fetched per runtime.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]registration
	instances map[string][]ComputeBackend
	runtimes  map[string]*domain.RuntimeMeta
}

// NewRegistry creates an empty backend registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]registration),
		instances: make(map[string][]ComputeBackend),
		runtimes:  make(map[string]*domain.RuntimeMeta),
	}
}

// Register adds a constructor under the given type name.
func (r *Registry) Register(name, description string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = registration{factory: f, description: description}
}

// List returns the registered backend types sorted by name.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.factories))
	for name, reg := range r.factories {
		infos = append(infos, Info{Name: name, Description: reg.description})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}

// Build returns one instance per configured region for cfg.Type, building
// them on first use.
func (r *Registry) Build(cfg config.BackendConfig) ([]ComputeBackend, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if inst, ok := r.instances[cfg.Type]; ok {
		return inst, nil
	}
	reg, ok := r.factories[cfg.Type]
	if !ok {
		return nil, fmt.Errorf("backend %q is not registered", cfg.Type)
	}

	regions := cfg.Regions
	if len(regions) == 0 {
		regions = []string{""}
	}
	built := make([]ComputeBackend, 0, len(regions))
	for _, region := range regions {
		b, err := reg.factory(region, cfg)
		if err != nil {
			closeAll(built)
			return nil, fmt.Errorf("build %s backend for region %q: %w", cfg.Type, region, err)
		}
		built = append(built, b)
	}
	r.instances[cfg.Type] = built
	return built, nil
}

// RuntimeMeta returns the runtime metadata of b, fetching it once per
// backend and runtime key.
func (r *Registry) RuntimeMeta(ctx context.Context, b ComputeBackend, runtimeName string, memoryMB int) (*domain.RuntimeMeta, error) {
	key := b.Name() + "/" + b.RuntimeKey(runtimeName, memoryMB)

	r.mu.RLock()
	meta, ok := r.runtimes[key]
	r.mu.RUnlock()
	if ok {
		return meta, nil
	}

	insp, ok := b.(RuntimeInspector)
	if !ok {
		meta = &domain.RuntimeMeta{
			ProtocolVersion: domain.ProtocolVersion,
			RuntimeName:     runtimeName,
			RuntimeMemory:   memoryMB,
		}
	} else {
		var err error
		meta, err = insp.RuntimeMeta(ctx, runtimeName, memoryMB)
		if err != nil {
			return nil, fmt.Errorf("fetch runtime metadata from %s: %w", b.Name(), err)
		}
	}

	r.mu.Lock()
	r.runtimes[key] = meta
	r.mu.Unlock()
	return meta, nil
}

// Close closes every built instance that holds resources.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for name, inst := range r.instances {
		if err := closeAll(inst); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(r.instances, name)
	}
	return firstErr
}

func closeAll(bs []ComputeBackend) error {
	var firstErr error
	for _, b := range bs {
		if c, ok := b.(io.Closer); ok {
			if err := c.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
