// Package contracts holds the shared types of the governance kernel:
// action contracts, execution classification enums, capability risk
// metadata, principals, and the typed error taxonomy.
//
// Everything here is plain data. Behavior lives in the packages that
// consume these types (registry, pipeline, approval, risk).
package contracts

import "fmt"

// ExecutionType classifies the trigger of a governed call.
type ExecutionType string

const (
	ExecutionTool       ExecutionType = "tool"
	ExecutionHandoff    ExecutionType = "handoff"
	ExecutionAutomation ExecutionType = "automation"
	ExecutionHeartbeat  ExecutionType = "heartbeat"
)

// Valid reports whether t is a member of the fixed execution-type set.
func (t ExecutionType) Valid() bool {
	switch t {
	case ExecutionTool, ExecutionHandoff, ExecutionAutomation, ExecutionHeartbeat:
		return true
	}
	return false
}

// RiskClass is the contract-level risk classification of an action.
type RiskClass string

const (
	RiskClassLow      RiskClass = "low"
	RiskClassMedium   RiskClass = "medium"
	RiskClassHigh     RiskClass = "high"
	RiskClassCritical RiskClass = "critical"
)

// Valid reports whether c is a member of the fixed risk-class set.
func (c RiskClass) Valid() bool {
	switch c {
	case RiskClassLow, RiskClassMedium, RiskClassHigh, RiskClassCritical:
		return true
	}
	return false
}

// TrustClass classifies how much the runtime trusts an action's executor.
type TrustClass string

const (
	TrustClassSystem    TrustClass = "system"
	TrustClassTrusted   TrustClass = "trusted"
	TrustClassStandard  TrustClass = "standard"
	TrustClassUntrusted TrustClass = "untrusted"
)

// Valid reports whether c is a member of the fixed trust-class set.
func (c TrustClass) Valid() bool {
	switch c {
	case TrustClassSystem, TrustClassTrusted, TrustClassStandard, TrustClassUntrusted:
		return true
	}
	return false
}

// Schema validates a value against a contract schema. Implementations
// must reject unknown fields rather than dropping them.
type Schema interface {
	// ID returns a stable identifier for the schema, used in error details.
	ID() string
	// Validate checks value and returns a *contracts.KernelError of
	// category validation on failure, nil on success.
	Validate(value any) error
}

// RetryPolicy bounds caller-side retries for an action. The kernel does
// not retry internally; this is advisory metadata for callers.
type RetryPolicy struct {
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`
}

// ActionContract is the registered shape and cost of one action version.
// Once registered it is frozen; re-registration under the same
// (ActionID, Version) key is rejected.
type ActionContract struct {
	ActionID     string      `json:"action_id"`
	Version      int         `json:"version"`
	InputSchema  Schema      `json:"-"`
	OutputSchema Schema      `json:"-"`
	RiskClass    RiskClass   `json:"risk_class"`
	TrustClass   TrustClass  `json:"trust_class"`
	TimeoutMs    int         `json:"timeout_ms"`
	Retry        RetryPolicy `json:"retry"`
}

// Key returns the canonical "actionId@version" registry key.
func (c *ActionContract) Key() string {
	return ContractKey(c.ActionID, c.Version)
}

// ContractKey formats the canonical registry key for an action version.
func ContractKey(actionID string, version int) string {
	return fmt.Sprintf("%s@%d", actionID, version)
}
