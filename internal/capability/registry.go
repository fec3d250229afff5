// Package capability defines the closed set of work classes tool agents can
// execute, together with the dispatch policy attached to each one. Unknown
// capabilities fail fast at decomposition time instead of surfacing as
// undeliverable task messages.
package capability

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Built-in capability names for the building-assistant deployment.
const (
	ElevatorControl = "elevator-control"
	AccessSearch    = "access-search"
	Metering        = "metering"
	ClimateControl  = "climate-control"
	Notification    = "notification"
)

// Policy is the per-capability dispatch policy. It is configuration data, not
// behavior: timeouts and retry bounds come from deployment config.
type Policy struct {
	Timeout     time.Duration `json:"timeout" yaml:"timeout"`
	MaxAttempts int           `json:"max_attempts" yaml:"max_attempts"`
}

// DefaultPolicy is applied when a capability is registered without overrides.
func DefaultPolicy() Policy {
	return Policy{
		Timeout:     30 * time.Second,
		MaxAttempts: 3,
	}
}

// Names returns the built-in capability names in declaration order.
func Names() []string {
	return []string{ElevatorControl, AccessSearch, Metering, ClimateControl, Notification}
}

// Registry holds the closed capability set keyed by name.
type Registry struct {
	mu       sync.RWMutex
	policies map[string]Policy
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{policies: make(map[string]Policy)}
}

// NewDefaultRegistry returns a registry seeded with the built-in capabilities.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	for _, name := range []string{ElevatorControl, AccessSearch, Metering, ClimateControl, Notification} {
		r.Register(name, DefaultPolicy())
	}
	return r
}

// Register adds or replaces a capability with its dispatch policy.
func (r *Registry) Register(name string, policy Policy) {
	if policy.Timeout <= 0 {
		policy.Timeout = DefaultPolicy().Timeout
	}
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = DefaultPolicy().MaxAttempts
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policies[name] = policy
}

// Resolve returns the policy for a known capability.
func (r *Registry) Resolve(name string) (Policy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	policy, ok := r.policies[name]
	if !ok {
		return Policy{}, fmt.Errorf("unknown capability %q", name)
	}
	return policy, nil
}

// Known reports whether the capability is registered.
func (r *Registry) Known(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.policies[name]
	return ok
}

// Names returns the registered capability names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.policies))
	for name := range r.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
