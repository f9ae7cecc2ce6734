// Package risk classifies the aggregate risk of a proposed action
// sequence and decides, against the approval ledger, whether it may run
// unattended or must be gated behind human approval.
package risk

import (
	"github.com/keel-labs/keel/pkg/approval"
	"github.com/keel-labs/keel/pkg/contracts"
)

// StateProvider supplies capability metadata for an extension. A false
// return means the extension is unknown; the evaluator then fails safe.
type StateProvider interface {
	GetState(extensionID string) (*contracts.ExtensionState, bool)
}

// StateProviderFunc adapts a function to StateProvider.
type StateProviderFunc func(extensionID string) (*contracts.ExtensionState, bool)

func (f StateProviderFunc) GetState(extensionID string) (*contracts.ExtensionState, bool) {
	return f(extensionID)
}

// Step is one proposed capability use in an action sequence.
type Step struct {
	Capability  contracts.CapabilityRef `json:"capability"`
	Targets     []string                `json:"targets,omitempty"`
	Constraints map[string]any          `json:"constraints,omitempty"`
}

// Requirement is a step that cannot run unattended without a covering
// grant.
type Requirement struct {
	Capability  contracts.CapabilityRef `json:"capability"`
	Targets     []string                `json:"targets,omitempty"`
	Constraints map[string]any          `json:"constraints,omitempty"`
	RiskLevel   contracts.RiskLevel     `json:"risk_level"`
	SideEffects contracts.SideEffects   `json:"side_effects"`
	DataEgress  contracts.DataEgress    `json:"data_egress"`
	Reason      string                  `json:"reason"`
}

// Requirement reasons.
const (
	ReasonDelegation      = "delegation"
	ReasonExternalEffects = "external_side_effects"
	ReasonDestructive     = "destructive"
	ReasonNetworkEgress   = "network_egress"
)

// Assessment is the derived risk verdict for one action sequence. Each
// aggregate field is the monotonic maximum over the steps.
type Assessment struct {
	RiskLevel     contracts.RiskLevel   `json:"risk_level"`
	SideEffects   contracts.SideEffects `json:"side_effects"`
	DataEgress    contracts.DataEgress  `json:"data_egress"`
	HasDelegation bool                  `json:"has_delegation"`
	Requirements  []Requirement         `json:"requirements,omitempty"`
}

// Evaluator folds step metadata into an Assessment. The zero value is
// not usable; construct with NewEvaluator.
type Evaluator struct {
	delegation map[string]bool
	terminal   map[string]bool
}

// Option customizes an Evaluator.
type Option func(*Evaluator)

// WithDelegationCapabilities replaces the set of capability ids treated
// as delegation primitives.
func WithDelegationCapabilities(ids ...string) Option {
	return func(e *Evaluator) { e.delegation = toSet(ids) }
}

// WithTerminalCapabilities replaces the set of capability ids that
// contribute nothing to risk.
func WithTerminalCapabilities(ids ...string) Option {
	return func(e *Evaluator) { e.terminal = toSet(ids) }
}

// NewEvaluator returns an evaluator with the default delegation
// ("delegate") and terminal ("complete_task") capability sets.
func NewEvaluator(opts ...Option) *Evaluator {
	e := &Evaluator{
		delegation: toSet([]string{"delegate"}),
		terminal:   toSet([]string{"complete_task"}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate classifies the sequence. Delegation steps are always
// requirements and never consult metadata. Steps with unresolvable
// metadata raise the floor to write/internal but add no requirement:
// there is nothing concrete to grant against, and treating the unknown
// as safe would be worse.
func (e *Evaluator) Evaluate(steps []Step, provider StateProvider) Assessment {
	a := Assessment{
		RiskLevel:   contracts.RiskRead,
		SideEffects: contracts.SideEffectsNone,
		DataEgress:  contracts.EgressNone,
	}

	for _, step := range steps {
		capID := step.Capability.CapabilityID

		if e.delegation[capID] {
			a.HasDelegation = true
			a.Requirements = append(a.Requirements, Requirement{
				Capability:  step.Capability,
				Targets:     step.Targets,
				Constraints: step.Constraints,
				RiskLevel:   contracts.RiskWrite,
				SideEffects: contracts.SideEffectsInternal,
				DataEgress:  contracts.EgressNone,
				Reason:      ReasonDelegation,
			})
			continue
		}
		if e.terminal[capID] {
			continue
		}

		var meta contracts.CapabilityMeta
		found := false
		if provider != nil {
			if state, ok := provider.GetState(step.Capability.ExtensionID); ok {
				meta, found = state.Capability(capID)
			}
		}
		if !found {
			a.RiskLevel = contracts.MaxRiskLevel(a.RiskLevel, contracts.RiskWrite)
			a.SideEffects = contracts.MaxSideEffects(a.SideEffects, contracts.SideEffectsInternal)
			continue
		}

		a.RiskLevel = contracts.MaxRiskLevel(a.RiskLevel, meta.RiskLevel)
		a.SideEffects = contracts.MaxSideEffects(a.SideEffects, meta.SideEffects)
		a.DataEgress = contracts.MaxDataEgress(a.DataEgress, meta.DataEgress)

		if reason, required := requirementReason(meta); required {
			a.Requirements = append(a.Requirements, Requirement{
				Capability:  step.Capability,
				Targets:     step.Targets,
				Constraints: step.Constraints,
				RiskLevel:   meta.RiskLevel,
				SideEffects: meta.SideEffects,
				DataEgress:  meta.DataEgress,
				Reason:      reason,
			})
		}
	}
	return a
}

// requirementReason reports whether a single step's own metadata gates
// it behind approval.
func requirementReason(meta contracts.CapabilityMeta) (string, bool) {
	switch {
	case meta.RiskLevel == contracts.RiskDestructive:
		return ReasonDestructive, true
	case meta.SideEffects == contracts.SideEffectsExternal:
		return ReasonExternalEffects, true
	case meta.DataEgress == contracts.EgressNetwork:
		return ReasonNetworkEgress, true
	}
	return "", false
}

// FilterUnmetRequirements drops every requirement already covered by a
// grant for the principal and returns the remainder.
func FilterUnmetRequirements(requirements []Requirement, principal contracts.Principal, store *approval.Store) []Requirement {
	if store == nil {
		return requirements
	}
	var pending []Requirement
	for _, req := range requirements {
		grant := store.FindMatchingGrant(principal, approval.Request{
			Capability:  req.Capability,
			Targets:     req.Targets,
			Constraints: req.Constraints,
		})
		if grant == nil {
			pending = append(pending, req)
		}
	}
	return pending
}

func toSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}
