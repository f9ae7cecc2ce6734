package risk

import (
	"fmt"

	"github.com/keel-labs/keel/pkg/approval"
	"github.com/keel-labs/keel/pkg/contracts"
)

// Verdict is the outcome of weighing an assessment against the ledger.
type Verdict string

const (
	// VerdictExecute: no unmet requirement and no delegation; the
	// sequence may run unattended.
	VerdictExecute Verdict = "execute"
	// VerdictApprovalRequired: at least one requirement lacks a grant,
	// or the sequence delegates.
	VerdictApprovalRequired Verdict = "approval_required"
)

// Decision carries the verdict together with the full risk summary and
// whatever requirements remain unmet, for surfacing to an approver.
type Decision struct {
	Verdict    Verdict       `json:"verdict"`
	Assessment Assessment    `json:"assessment"`
	Pending    []Requirement `json:"pending,omitempty"`
}

// DefaultGrantTTLSeconds bounds grants issued for non-destructive
// manual approvals: 24 hours.
const DefaultGrantTTLSeconds = 24 * 60 * 60

// Decide filters the assessment's requirements through the ledger and
// returns the execution verdict. A sequence with delegation always
// requires approval, covered or not.
func Decide(assessment Assessment, principal contracts.Principal, store *approval.Store) Decision {
	pending := FilterUnmetRequirements(assessment.Requirements, principal, store)
	verdict := VerdictExecute
	if len(pending) > 0 || assessment.HasDelegation {
		verdict = VerdictApprovalRequired
	}
	return Decision{Verdict: verdict, Assessment: assessment, Pending: pending}
}

// RecordApproval converts a manual approval into a reusable grant
// covering exactly the approved requirements, scoped to the approving
// principal, with the default 24h TTL.
//
// Destructive approvals are single-use: when the computed risk level is
// destructive no grant is persisted, and the next run must be approved
// again. The empty grant id with ok=false signals that case.
func RecordApproval(store *approval.Store, principal contracts.Principal, decision Decision, reason string) (string, bool, error) {
	if len(decision.Pending) == 0 {
		return "", false, nil
	}
	if decision.Assessment.RiskLevel == contracts.RiskDestructive {
		return "", false, nil
	}

	caps := make([]contracts.CapabilityRef, 0, len(decision.Pending))
	for _, req := range decision.Pending {
		caps = append(caps, req.Capability)
	}
	grantID, err := store.IssueGrant(principal, approval.Scope{Capabilities: caps},
		DefaultGrantTTLSeconds, reason,
		approval.WithRiskLevel(contracts.RiskWrite),
		approval.WithAudit(map[string]any{
			"approved_requirements": len(decision.Pending),
			"verdict":               string(decision.Verdict),
		}),
	)
	if err != nil {
		return "", false, fmt.Errorf("record approval: %w", err)
	}
	return grantID, true, nil
}
