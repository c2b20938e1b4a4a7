package detectors

import (
	"fmt"
	"sort"
	"sync"
)

// Factory builds a Detector from a validated parameter set. key is the
// structure's declared name in the Play (used for error messages and as the
// detector's identity in path lookups); deps maps each declared dependency
// role (e.g. "swing", "source") to its already-constructed Detector.
type Factory func(key string, params map[string]any, deps map[string]Detector) (Detector, error)

// TypeInfo describes a registered detector type for discovery and error
// messages (REGISTRY_UNKNOWN_TYPE corrective listing).
type TypeInfo struct {
	Type           string
	RequiredParams []string
	OptionalParams []string
	DependsOn      []string // dependency role names ("swing", "source")
}

type registryEntry struct {
	info    TypeInfo
	factory Factory
}

// Registry is a thread-safe lookup of detector type name -> constructor.
// Populated once at startup and treated as read-only during runs.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]registryEntry
}

// NewRegistry returns an empty registry. Use DefaultRegistry for the
// built-in detector set.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]registryEntry)}
}

// Register adds a detector type. It panics on duplicate registration since
// this is always a build-time (init-time) programming error, never a
// runtime condition.
func (r *Registry) Register(info TypeInfo, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[info.Type]; exists {
		panic(fmt.Sprintf("detectors: type %q already registered", info.Type))
	}
	r.entries[info.Type] = registryEntry{info: info, factory: factory}
}

// ListTypes returns the sorted list of registered type names.
func (r *Registry) ListTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for t := range r.entries {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Info returns the TypeInfo for a registered type.
func (r *Registry) Info(structType string) (TypeInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[structType]
	return e.info, ok
}

// ValidateAndCreate looks up structType, checks that all required params are
// present and all supplied params are within required+optional, resolves
// every declared dependency role against already-built detectors, and
// invokes the factory. Errors are actionable: unknown type lists the
// registered types; missing params list what's required; unresolved deps
// list which roles or keys were missing.
func (r *Registry) ValidateAndCreate(structType, key string, params map[string]any, dependsOn map[string]string, built map[string]Detector) (Detector, error) {
	r.mu.RLock()
	e, ok := r.entries[structType]
	r.mu.RUnlock()
	if !ok {
		return nil, &ParamError{
			StructType: structType,
			Key:        key,
			Message:    fmt.Sprintf("unknown structure type %q", structType),
			Fix:        fmt.Sprintf("valid types: %v", r.ListTypes()),
		}
	}

	for _, req := range e.info.RequiredParams {
		if _, ok := params[req]; !ok {
			return nil, &ParamError{
				StructType: structType,
				Key:        key,
				Message:    fmt.Sprintf("missing required param %q", req),
				Fix:        fmt.Sprintf("add %q to the structure's params block (required: %v, optional: %v)", req, e.info.RequiredParams, e.info.OptionalParams),
			}
		}
	}

	allowed := make(map[string]bool, len(e.info.RequiredParams)+len(e.info.OptionalParams))
	for _, p := range e.info.RequiredParams {
		allowed[p] = true
	}
	for _, p := range e.info.OptionalParams {
		allowed[p] = true
	}
	for p := range params {
		if !allowed[p] {
			return nil, &ParamError{
				StructType: structType,
				Key:        key,
				Message:    fmt.Sprintf("unrecognized param %q", p),
				Fix:        fmt.Sprintf("recognized params: %v", append(append([]string{}, e.info.RequiredParams...), e.info.OptionalParams...)),
			}
		}
	}

	deps := make(map[string]Detector, len(e.info.DependsOn))
	var missing []string
	for _, role := range e.info.DependsOn {
		depKey, declared := dependsOn[role]
		if !declared {
			missing = append(missing, fmt.Sprintf("%s (role not declared in depends_on)", role))
			continue
		}
		d, okBuilt := built[depKey]
		if !okBuilt {
			missing = append(missing, fmt.Sprintf("%s -> %q (no such structure declared earlier)", role, depKey))
			continue
		}
		deps[role] = d
	}
	if len(missing) > 0 {
		return nil, &DepError{StructType: structType, Key: key, Missing: missing}
	}
	for role := range dependsOn {
		if _, known := deps[role]; !known {
			return nil, &ParamError{
				StructType: structType,
				Key:        key,
				Message:    fmt.Sprintf("unrecognized dependency role %q", role),
				Fix:        fmt.Sprintf("declared roles for type %q: %v", structType, e.info.DependsOn),
			}
		}
	}

	return e.factory(key, params, deps)
}

// DefaultRegistry returns a new registry with all built-in detector types
// registered: swing, trend, fibonacci, rolling_window, zone, derived_zone.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	registerSwing(r)
	registerTrend(r)
	registerFibonacci(r)
	registerRollingWindow(r)
	registerZone(r)
	registerDerivedZone(r)
	return r
}

// Fingerprint returns a deterministic one-line description of the registry
// contents (types plus their params and dependency roles), used by the
// pipeline signature artifact so two runs only hash-compare equal when they
// ran the same detector set.
func (r *Registry) Fingerprint() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for t := range r.entries {
		names = append(names, t)
	}
	sort.Strings(names)
	out := ""
	for _, name := range names {
		info := r.entries[name].info
		out += fmt.Sprintf("%s(required=%v,optional=%v,deps=%v);", name, info.RequiredParams, info.OptionalParams, info.DependsOn)
	}
	return out
}
