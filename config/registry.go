// SPDX-FileCopyrightText: 2023 Ribbit Network Contributors
// SPDX-License-Identifier: Apache-2.0

// Package config implements the layered configuration registry of the
// agent.  Values resolve through four domains: built-in defaults, local
// settings, settings pushed from the cloud, and local overrides.  The
// three mutable domains persist as JSON files under a state directory and
// are reloaded when edited out-of-band.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

var (
	ErrUnknownKey   = errors.New("unknown config key")
	ErrInvalidValue = errors.New("invalid config value")
)

// Domain identifies where a config value was set.
type Domain int

const (
	// DomainDefault is the domain of keys that are not set anywhere and
	// resolve to their schema default.
	DomainDefault Domain = iota - 1

	// DomainLocal holds the keys set locally on this node.
	DomainLocal

	// DomainRemote holds the keys pushed from the cloud.
	DomainRemote

	// DomainLocalOverride holds local overrides that win over the cloud.
	DomainLocalOverride
)

var storedDomains = []Domain{DomainLocal, DomainRemote, DomainLocalOverride}

var domainFiles = map[Domain]string{
	DomainLocal:         "000-local.json",
	DomainRemote:        "001-remote.json",
	DomainLocalOverride: "002-local-override.json",
}

func (d Domain) String() string {
	switch d {
	case DomainLocal:
		return "local"
	case DomainRemote:
		return "remote"
	case DomainLocalOverride:
		return "override"
	}
	return "default"
}

// Options configures a Registry.
type Options struct {
	// Dir is the state directory holding the per-domain JSON files.  An
	// empty Dir keeps everything in memory (used in tests and in the
	// simulator).
	Dir string

	// Schema is the fixed set of recognized keys.
	Schema []Key

	Logger *zap.Logger
}

// Registry resolves config keys through the domain layers and notifies
// watchers on change.
type Registry struct {
	mutex    sync.Mutex
	dir      string
	keys     map[string]Key
	order    []string
	domains  map[Domain]map[string]any
	watchers map[string]map[*Watcher]struct{}
	fsw      *fsnotify.Watcher
	done     chan struct{}
	wg       sync.WaitGroup
	log      *zap.Logger
}

// New builds a registry from the schema and loads the stored domains.
func New(opts Options) (*Registry, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	r := &Registry{
		dir:      opts.Dir,
		keys:     make(map[string]Key, len(opts.Schema)),
		domains:  make(map[Domain]map[string]any, len(storedDomains)),
		watchers: make(map[string]map[*Watcher]struct{}),
		log:      log.Named("config"),
	}

	for _, k := range opts.Schema {
		if k.Type == nil {
			return nil, fmt.Errorf("%w: key %q has no type", ErrInvalidValue, k.Name)
		}
		if _, ok := r.keys[k.Name]; ok {
			return nil, fmt.Errorf("config key %q defined twice", k.Name)
		}
		r.keys[k.Name] = k
		r.order = append(r.order, k.Name)
	}
	sort.Strings(r.order)

	if r.dir != "" {
		if err := os.MkdirAll(r.dir, 0o755); err != nil {
			return nil, err
		}
	}

	for _, domain := range storedDomains {
		r.domains[domain] = r.load(domain)
	}

	return r, nil
}

// Start begins watching the state directory for out-of-band edits.  It is
// a no-op for in-memory registries.
func (r *Registry) Start() error {
	if r.dir == "" {
		return nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(r.dir); err != nil {
		fsw.Close()
		return err
	}

	r.fsw = fsw
	r.done = make(chan struct{})
	r.wg.Add(1)
	go r.watchFiles()
	return nil
}

// Stop tears down the file watcher.
func (r *Registry) Stop() {
	if r.fsw == nil {
		return
	}
	close(r.done)
	r.fsw.Close()
	r.wg.Wait()
	r.fsw = nil
}

func (r *Registry) watchFiles() {
	defer r.wg.Done()

	for {
		select {
		case <-r.done:
			return
		case ev, ok := <-r.fsw.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			for _, domain := range storedDomains {
				if filepath.Base(ev.Name) == domainFiles[domain] {
					r.reload(domain)
				}
			}
		case err, ok := <-r.fsw.Errors:
			if !ok {
				return
			}
			r.log.Warn("config file watcher error", zap.Error(err))
		}
	}
}

func (r *Registry) reload(domain Domain) {
	values := r.load(domain)

	r.mutex.Lock()
	old := r.domains[domain]
	r.domains[domain] = values

	affected := make(map[*Watcher]struct{})
	for name := range old {
		r.collectWatchers(affected, name)
	}
	for name := range values {
		r.collectWatchers(affected, name)
	}
	r.mutex.Unlock()

	r.log.Info("reloaded config domain", zap.Stringer("domain", domain))
	r.notify(affected)
}

func (r *Registry) path(domain Domain) string {
	return filepath.Join(r.dir, domainFiles[domain])
}

// load reads one domain file, dropping unknown keys and values of the
// wrong type.  A corrupt file is deleted and treated as empty.
func (r *Registry) load(domain Domain) map[string]any {
	values := make(map[string]any)
	if r.dir == "" {
		return values
	}

	path := r.path(domain)
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			r.log.Warn("failed to read config file",
				zap.String("path", path), zap.Error(err))
		}
		return values
	}

	raw := make(map[string]any)
	if err := json.Unmarshal(data, &raw); err != nil {
		r.log.Warn("config file corrupted, deleting",
			zap.String("path", path), zap.Error(err))
		_ = os.Remove(path)
		return values
	}

	r.log.Info("loaded config file", zap.String("path", path))

	for name, v := range raw {
		key, ok := r.keys[name]
		if !ok {
			continue
		}
		normalized, err := key.Type.Normalize(v)
		if err != nil {
			r.log.Warn("dropping invalid config value",
				zap.String("key", name), zap.Error(err))
			continue
		}
		values[name] = normalized
	}

	return values
}

func (r *Registry) save(domain Domain, values map[string]any) {
	if r.dir == "" {
		return
	}

	data, err := json.Marshal(values)
	if err != nil {
		r.log.Error("failed to encode config", zap.Error(err))
		return
	}
	if err := os.WriteFile(r.path(domain), data, 0o600); err != nil {
		r.log.Error("failed to save config",
			zap.String("path", r.path(domain)), zap.Error(err))
	}
}

// Keys returns the schema keys in sorted order.
func (r *Registry) Keys() []Key {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	out := make([]Key, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.keys[name])
	}
	return out
}

// Get resolves a key through the domain layers, highest priority first.
func (r *Registry) Get(name string) (any, Domain, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.getLocked(name)
}

func (r *Registry) getLocked(name string) (any, Domain, error) {
	key, ok := r.keys[name]
	if !ok {
		return nil, DomainDefault, fmt.Errorf("%w: %q", ErrUnknownKey, name)
	}

	for i := len(storedDomains) - 1; i >= 0; i-- {
		domain := storedDomains[i]
		if v, ok := r.domains[domain][name]; ok {
			return v, domain, nil
		}
	}
	return key.Default, DomainDefault, nil
}

// GetString is a convenience accessor; it returns "" for unset keys.
func (r *Registry) GetString(name string) string {
	v, _, _ := r.Get(name)
	s, _ := v.(string)
	return s
}

// GetBool is a convenience accessor; it returns false for unset keys.
func (r *Registry) GetBool(name string) bool {
	v, _, _ := r.Get(name)
	b, _ := v.(bool)
	return b
}

// GetInt is a convenience accessor; it returns 0 for unset keys.
func (r *Registry) GetInt(name string) int64 {
	v, _, _ := r.Get(name)
	n, _ := v.(int64)
	return n
}

// Set updates keys in one stored domain.  A nil value clears the key from
// the domain.  Unknown keys are rejected; every value must match the key's
// schema type.  The domain is persisted and affected watchers notified.
func (r *Registry) Set(domain Domain, values map[string]any) error {
	if domain != DomainLocal && domain != DomainRemote && domain != DomainLocalOverride {
		return fmt.Errorf("cannot set config in domain %v", domain)
	}

	normalized := make(map[string]any, len(values))
	r.mutex.Lock()
	for name, v := range values {
		key, ok := r.keys[name]
		if !ok {
			r.mutex.Unlock()
			return fmt.Errorf("%w: %q", ErrUnknownKey, name)
		}
		if v == nil {
			normalized[name] = nil
			continue
		}
		nv, err := key.Type.Normalize(v)
		if err != nil {
			r.mutex.Unlock()
			return fmt.Errorf("key %q: %w", name, err)
		}
		normalized[name] = nv
	}

	affected := make(map[*Watcher]struct{})
	domainValues := r.domains[domain]
	for name, v := range normalized {
		if v != nil {
			domainValues[name] = v
		} else {
			delete(domainValues, name)
		}
		r.collectWatchers(affected, name)
	}

	saved := make(map[string]any, len(domainValues))
	for k, v := range domainValues {
		saved[k] = v
	}
	r.mutex.Unlock()

	r.save(domain, saved)
	r.notify(affected)
	return nil
}

// SetRemote replaces the whole remote domain with the values pushed from
// the cloud, clearing remote keys that are no longer present.
func (r *Registry) SetRemote(values map[string]any) error {
	full := make(map[string]any, len(values))

	r.mutex.Lock()
	for name := range r.domains[DomainRemote] {
		full[name] = nil
	}
	r.mutex.Unlock()

	for name, v := range values {
		if _, ok := r.keys[name]; !ok {
			// Cloud side settings can be a superset of this build's
			// schema; ignore the extras.
			r.log.Debug("ignoring unknown remote config key", zap.String("key", name))
			continue
		}
		full[name] = v
	}

	return r.Set(DomainRemote, full)
}
