// Package registry implements Component A, the Service Registry: an
// in-memory store of ServiceManifest records keyed by (id, version),
// seeded at init with built-ins and layered with user-defined manifests
// persisted through the ServiceManifest ent schema. It carries no runtime
// execution state — Stage C (pkg/resolve) is the only consumer that turns a
// lookup into a dispatchable descriptor.
package registry

import (
	"sort"
	"strings"
	"sync"

	"github.com/llm-ir/svm/pkg/ir"
)

// key uniquely identifies a manifest by id+version.
type key struct {
	id      string
	version string
}

// Registry stores service manifests keyed by (id, version). Thread-safe.
type Registry struct {
	mu       sync.RWMutex
	byKey    map[key]*ir.ServiceManifest
	builtins map[key]bool
}

// New returns an empty registry. Call SeedBuiltins to populate it with the
// standard library of built-in services before serving traffic.
func New() *Registry {
	return &Registry{
		byKey:    make(map[key]*ir.ServiceManifest),
		builtins: make(map[key]bool),
	}
}

// Register validates and stores a manifest. Returns a *DuplicateError if
// (id,version) already exists and allowUpdate is false, or a
// *BuiltinImmutableError if the existing entry is a built-in.
func (r *Registry) Register(manifest *ir.ServiceManifest, allowUpdate bool) (*ir.ServiceManifest, error) {
	if errs := manifest.Validate(); len(errs) > 0 {
		return nil, &ValidationError{ID: manifest.ID, Version: manifest.Version, Problems: errs}
	}

	k := key{manifest.ID, manifest.Version}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byKey[k]; ok {
		if r.builtins[k] {
			return nil, &BuiltinImmutableError{ID: manifest.ID, Version: manifest.Version}
		}
		if !allowUpdate {
			return nil, &DuplicateError{ID: manifest.ID, Version: manifest.Version}
		}
		_ = existing
	}

	cp := *manifest
	r.byKey[k] = &cp
	return &cp, nil
}

// registerBuiltin is like Register but marks the entry immutable. Used only
// by SeedBuiltins at startup.
func (r *Registry) registerBuiltin(manifest *ir.ServiceManifest) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key{manifest.ID, manifest.Version}
	cp := *manifest
	r.byKey[k] = &cp
	r.builtins[k] = true
}

// Unregister removes a user-defined manifest. Built-ins cannot be removed.
func (r *Registry) Unregister(id, version string) error {
	k := key{id, version}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.builtins[k] {
		return &BuiltinImmutableError{ID: id, Version: version}
	}
	if _, ok := r.byKey[k]; !ok {
		return &NotFoundError{ID: id, Version: version}
	}
	delete(r.byKey, k)
	return nil
}

// Find looks up a manifest. version="" or "latest" resolves to the highest
// semver registered for id.
func (r *Registry) Find(id, version string) (*ir.ServiceManifest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if version == "" || version == "latest" {
		return r.findLatestLocked(id)
	}
	m, ok := r.byKey[key{id, version}]
	if !ok {
		return nil, &NotFoundError{ID: id, Version: version}
	}
	cp := *m
	return &cp, nil
}

func (r *Registry) findLatestLocked(id string) (*ir.ServiceManifest, error) {
	var best *ir.ServiceManifest
	var bestMajor, bestMinor, bestPatch int
	for k, m := range r.byKey {
		if k.id != id {
			continue
		}
		major, minor, patch, ok := ir.ParseSemver(k.version)
		if !ok {
			continue
		}
		if best == nil || higherSemver(major, minor, patch, bestMajor, bestMinor, bestPatch) {
			best, bestMajor, bestMinor, bestPatch = m, major, minor, patch
		}
	}
	if best == nil {
		return nil, &NotFoundError{ID: id, Version: "latest"}
	}
	cp := *best
	return &cp, nil
}

func higherSemver(major, minor, patch, bMajor, bMinor, bPatch int) bool {
	if major != bMajor {
		return major > bMajor
	}
	if minor != bMinor {
		return minor > bMinor
	}
	return patch > bPatch
}

// ResolveForNode implements resolve-for-node: it looks up the manifest and
// returns the first descriptor (in declared order) whose compatible-tiers
// contains tier or ANY.
func (r *Registry) ResolveForNode(id, version string, tier ir.Tier) (*ir.ServiceManifest, *ir.ExecutionDescriptor, error) {
	manifest, err := r.Find(id, version)
	if err != nil {
		return nil, nil, err
	}
	for i := range manifest.Descriptors {
		d := manifest.Descriptors[i]
		if d.CompatibleWith(tier) {
			return manifest, &d, nil
		}
	}

	var compatible []string
	for _, d := range manifest.Descriptors {
		for _, t := range d.CompatibleTiers {
			compatible = append(compatible, string(t))
		}
	}
	return nil, nil, &NoExecutorForTierError{
		ID:              id,
		Version:         manifest.Version,
		RequestedTier:   string(tier),
		CompatibleTiers: compatible,
	}
}

// Search returns every manifest whose id, category, or description matches
// query (case-insensitive substring), optionally filtered by category and
// by tier compatibility across its descriptors.
func (r *Registry) Search(query, category string, tier ir.Tier) []*ir.ServiceManifest {
	r.mu.RLock()
	defer r.mu.RUnlock()

	query = strings.ToLower(query)
	var out []*ir.ServiceManifest
	for _, m := range r.byKey {
		if category != "" && m.Category != category {
			continue
		}
		if query != "" && !strings.Contains(strings.ToLower(m.ID), query) && !strings.Contains(strings.ToLower(m.Category), query) {
			continue
		}
		if tier != "" {
			compatible := false
			for _, d := range m.Descriptors {
				if d.CompatibleWith(tier) {
					compatible = true
					break
				}
			}
			if !compatible {
				continue
			}
		}
		cp := *m
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ValidationError wraps a manifest's Validate() problems.
type ValidationError struct {
	ID       string
	Version  string
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid manifest " + e.ID + "@" + e.Version + ": " + strings.Join(e.Problems, "; ")
}
