// Package registry is the source of truth for action contracts.
//
// A contract is validated once at registration, frozen, and never
// overwritten: re-registering an (actionId, version) key is an error,
// not an upsert. Gateways use Has for their idempotent register-once
// helpers.
package registry

import (
	"sort"
	"strings"
	"sync"

	"golang.org/x/text/unicode/norm"

	"github.com/keel-labs/keel/pkg/contracts"
)

// Registry is the contract catalogue consumed by the pipeline.
type Registry interface {
	// Register validates and stores a frozen copy of the contract.
	Register(contract *contracts.ActionContract) error
	// Get returns the contract for (actionID, version), or a registry
	// error naming both identifiers.
	Get(actionID string, version int) (*contracts.ActionContract, error)
	// Has reports whether (actionID, version) is registered.
	Has(actionID string, version int) bool
	// List returns all registered keys as "actionId@version",
	// lexicographically sorted.
	List() []string
}

// InMemoryRegistry is a mutex-guarded in-process Registry. Multiple
// independent registries can coexist; nothing here is process-global.
type InMemoryRegistry struct {
	mu        sync.RWMutex
	contracts map[string]*contracts.ActionContract
}

// NewInMemoryRegistry returns an empty registry.
func NewInMemoryRegistry() *InMemoryRegistry {
	return &InMemoryRegistry{contracts: make(map[string]*contracts.ActionContract)}
}

func (r *InMemoryRegistry) Register(contract *contracts.ActionContract) error {
	if contract == nil {
		return contracts.NewRegistryError("CONTRACT_MALFORMED", "contract must not be nil", nil)
	}
	frozen := *contract
	// Action ids arrive from manifest files and remote callers; compare
	// them in a single Unicode form.
	frozen.ActionID = norm.NFC.String(strings.TrimSpace(contract.ActionID))

	if err := validateContract(&frozen); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := frozen.Key()
	if _, exists := r.contracts[key]; exists {
		return contracts.NewRegistryError("CONTRACT_DUPLICATE",
			"contract already registered",
			map[string]any{"action_id": frozen.ActionID, "version": frozen.Version})
	}
	r.contracts[key] = &frozen
	return nil
}

func (r *InMemoryRegistry) Get(actionID string, version int) (*contracts.ActionContract, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	key := contracts.ContractKey(norm.NFC.String(strings.TrimSpace(actionID)), version)
	c, ok := r.contracts[key]
	if !ok {
		return nil, contracts.NewRegistryError("CONTRACT_NOT_REGISTERED",
			"no contract registered for action version",
			map[string]any{"action_id": actionID, "version": version})
	}
	// Hand out a copy so callers cannot mutate the stored contract.
	out := *c
	return &out, nil
}

func (r *InMemoryRegistry) Has(actionID string, version int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.contracts[contracts.ContractKey(norm.NFC.String(strings.TrimSpace(actionID)), version)]
	return ok
}

func (r *InMemoryRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.contracts))
	for k := range r.contracts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func validateContract(c *contracts.ActionContract) error {
	malformed := func(msg string) error {
		return contracts.NewRegistryError("CONTRACT_MALFORMED", msg,
			map[string]any{"action_id": c.ActionID, "version": c.Version})
	}

	switch {
	case c.ActionID == "":
		return malformed("action id must not be empty")
	case c.Version <= 0:
		return malformed("version must be a positive integer")
	case c.InputSchema == nil:
		return malformed("input schema is required")
	case c.OutputSchema == nil:
		return malformed("output schema is required")
	case !c.RiskClass.Valid():
		return malformed("risk class is not a member of the fixed set")
	case !c.TrustClass.Valid():
		return malformed("trust class is not a member of the fixed set")
	case c.TimeoutMs <= 0:
		return malformed("timeout_ms must be a positive integer")
	case c.Retry.MaxAttempts <= 0:
		return malformed("retry.max_attempts must be a positive integer")
	}
	return nil
}
