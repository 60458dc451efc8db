package provider

import (
	"fmt"
	"sync"
)

type kernelKey struct {
	op       string
	domain   string
	provider string
}

type kernelEntry struct {
	minVer int64
	maxVer int64 // -1: open-ended
	kernel Kernel
}

// Registry maps (operator, domain, version range, provider) to kernels.
// Lookups return the highest-versioned entry whose range admits the node's
// opset version.
type Registry struct {
	mu      sync.RWMutex
	entries map[kernelKey][]kernelEntry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[kernelKey][]kernelEntry)}
}

// defaultRegistry serves providers built without an explicit registry.
var defaultRegistry = NewRegistry()

// DefaultRegistry returns the process-wide registry that built-in providers
// populate from init.
func DefaultRegistry() *Registry { return defaultRegistry }

// Register adds a kernel for op in domain, valid for opset versions
// [minVer, maxVer] (maxVer -1 means unbounded), on the named provider.
func (r *Registry) Register(op, domain string, minVer, maxVer int64, providerName string, k Kernel) {
	if k == nil {
		panic("provider: nil kernel registered for " + op)
	}
	key := kernelKey{op: op, domain: canonicalDomain(domain), provider: providerName}
	r.mu.Lock()
	r.entries[key] = append(r.entries[key], kernelEntry{minVer: minVer, maxVer: maxVer, kernel: k})
	r.mu.Unlock()
}

// Lookup resolves the kernel for (op, domain) on providerName at the given
// opset version. Among admissible entries the one with the highest minVer
// wins, i.e. the newest kernel not exceeding the node's declared opset.
func (r *Registry) Lookup(op, domain, providerName string, opset int64) (Kernel, error) {
	key := kernelKey{op: op, domain: canonicalDomain(domain), provider: providerName}
	r.mu.RLock()
	entries := r.entries[key]
	r.mu.RUnlock()

	best := -1
	for i, e := range entries {
		if e.minVer > opset {
			continue
		}
		if e.maxVer >= 0 && e.maxVer < opset {
			continue
		}
		if best < 0 || e.minVer > entries[best].minVer {
			best = i
		}
	}
	if best < 0 {
		return nil, fmt.Errorf("provider: no %s kernel for %s (domain %q) at opset %d", providerName, op, domain, opset)
	}
	return entries[best].kernel, nil
}

// Supports reports whether Lookup would succeed.
func (r *Registry) Supports(op, domain, providerName string, opset int64) bool {
	_, err := r.Lookup(op, domain, providerName, opset)
	return err == nil
}

func canonicalDomain(domain string) string {
	if domain == "ai.onnx" {
		return ""
	}
	return domain
}
