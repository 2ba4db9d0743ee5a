/*
Copyright 2025 The CloudPaste Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package driver

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"go4.org/jsonconfig"

	"cloudpaste.org/pkg/types"
)

// A Constructor builds a driver instance from its storage config. The
// params object carries the decrypted connection parameters; ctors read
// them with the typed getters and finish with params.Validate().
type Constructor func(cfg *types.StorageConfig, params jsonconfig.Obj) (Driver, error)

var (
	regMu sync.Mutex
	ctors = make(map[string]Constructor)
	caps  = make(map[string]Capabilities)
)

// Register makes a driver type available to New. Each driver package
// calls it from init; the daemon selects drivers by blank import.
// Registering the same type twice panics.
func Register(typ string, c Capabilities, ctor Constructor) {
	regMu.Lock()
	defer regMu.Unlock()
	if _, dup := ctors[typ]; dup {
		panic("driver: Register called twice for type " + typ)
	}
	ctors[typ] = ctor
	caps[typ] = c
}

// Types returns the registered driver types, sorted.
func Types() []string {
	regMu.Lock()
	defer regMu.Unlock()
	ts := make([]string, 0, len(ctors))
	for t := range ctors {
		ts = append(ts, t)
	}
	sort.Strings(ts)
	return ts
}

// TypeCapabilities returns the type-level capability descriptor, before
// any per-config refinement.
func TypeCapabilities(typ string) (Capabilities, bool) {
	regMu.Lock()
	defer regMu.Unlock()
	c, ok := caps[typ]
	return c, ok
}

// New builds a driver instance for the given storage config.
func New(cfg *types.StorageConfig) (Driver, error) {
	regMu.Lock()
	ctor, ok := ctors[cfg.StorageType]
	regMu.Unlock()
	if !ok {
		return nil, types.NewInvalidInput("storage type %q not known or loaded", cfg.StorageType)
	}
	params := jsonconfig.Obj{}
	for k, v := range cfg.Params {
		params[k] = normalizeParam(v)
	}
	d, err := ctor(cfg, params)
	if err != nil {
		return nil, fmt.Errorf("configuring %s driver %q: %w", cfg.StorageType, cfg.ID, err)
	}
	return d, nil
}

// normalizeParam converts Go-native numbers to the float64 form
// encoding/json produces, so configs built in code read the same as
// configs decoded from the database.
func normalizeParam(v any) any {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case uint:
		return float64(n)
	case float32:
		return float64(n)
	case []any:
		out := make([]any, len(n))
		for i, e := range n {
			out[i] = normalizeParam(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(n))
		for k, e := range n {
			out[k] = normalizeParam(e)
		}
		return out
	}
	return v
}

// ConfigSource loads storage configs by id, with credentials decrypted.
// *store.Store satisfies it.
type ConfigSource interface {
	StorageConfig(ctx context.Context, id string) (*types.StorageConfig, error)
}

// Registry resolves drivers by storage config id and caches the built
// instances. An instance is rebuilt when its config's UpdatedAt moves,
// so admin edits take effect without a restart. The registry holds no
// request-scoped state.
type Registry struct {
	src ConfigSource

	mu        sync.Mutex
	instances map[string]*instance
}

type instance struct {
	drv       Driver
	updatedAt time.Time
}

// NewRegistry returns a registry backed by src.
func NewRegistry(src ConfigSource) *Registry {
	return &Registry{
		src:       src,
		instances: make(map[string]*instance),
	}
}

// Driver returns the cached driver for the storage config, building it
// on first use. The returned config has credentials decrypted.
func (r *Registry) Driver(ctx context.Context, storageConfigID string) (Driver, *types.StorageConfig, error) {
	cfg, err := r.src.StorageConfig(ctx, storageConfigID)
	if err != nil {
		return nil, nil, err
	}

	r.mu.Lock()
	if inst, ok := r.instances[storageConfigID]; ok && inst.updatedAt.Equal(cfg.UpdatedAt) {
		r.mu.Unlock()
		return inst.drv, cfg, nil
	}
	r.mu.Unlock()

	drv, err := New(cfg)
	if err != nil {
		return nil, nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if inst, ok := r.instances[storageConfigID]; ok && inst.updatedAt.Equal(cfg.UpdatedAt) {
		// Lost the build race; keep the first instance.
		closeDriver(drv)
		return inst.drv, cfg, nil
	}
	old := r.instances[storageConfigID]
	r.instances[storageConfigID] = &instance{drv: drv, updatedAt: cfg.UpdatedAt}
	if old != nil {
		closeDriver(old.drv)
	}
	return drv, cfg, nil
}

// Invalidate drops the cached instance for a storage config, closing it
// if it holds connections. Used on config delete; updates are caught by
// the UpdatedAt check.
func (r *Registry) Invalidate(storageConfigID string) {
	r.mu.Lock()
	inst := r.instances[storageConfigID]
	delete(r.instances, storageConfigID)
	r.mu.Unlock()
	if inst != nil {
		closeDriver(inst.drv)
	}
}

// InvalidateAll drops every cached instance.
func (r *Registry) InvalidateAll() {
	r.mu.Lock()
	insts := r.instances
	r.instances = make(map[string]*instance)
	r.mu.Unlock()
	for _, inst := range insts {
		closeDriver(inst.drv)
	}
}

// Probe checks that the storage config is usable: the driver builds and
// answers a cheap read on its root.
func (r *Registry) Probe(ctx context.Context, storageConfigID string) error {
	drv, _, err := r.Driver(ctx, storageConfigID)
	if err != nil {
		return err
	}
	if drv.Capabilities().FS.List {
		_, err = drv.List(ctx, "", ListOpts{Limit: 1})
		return err
	}
	_, err = drv.Stat(ctx, "")
	if types.IsKind(err, types.KindNotFound) {
		// A bare root on a flat store is fine.
		return nil
	}
	return err
}

func closeDriver(d Driver) {
	if c, ok := d.(io.Closer); ok {
		c.Close()
	}
}
