// Package approval is the in-memory ledger of time-bounded capability
// grants. A grant exempts matching future requests from manual approval
// until it expires or is revoked.
//
// Expiry is lazy: expired grants are purged at the top of every lookup
// and stay logically absent even while still stored.
package approval

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	"github.com/keel-labs/keel/pkg/contracts"
	"github.com/keel-labs/keel/pkg/policy"
)

// Wildcard matches any extension or capability id on the grant side.
const Wildcard = "*"

// Scope bounds what a grant authorizes.
type Scope struct {
	// Capabilities lists the authorized (extensionId, capabilityId)
	// pairs; either field may be the wildcard "*".
	Capabilities []contracts.CapabilityRef `json:"capabilities"`
	// Targets, when non-empty, restricts requests to a subset of these
	// target identifiers.
	Targets []string `json:"targets,omitempty"`
	// Constraints, when non-empty, must all be present on the request
	// with deeply-equal values.
	Constraints map[string]any `json:"constraints,omitempty"`
	// Condition is an optional CEL boolean expression over the request;
	// evaluation errors count as non-match.
	Condition string `json:"condition,omitempty"`
}

// Grant is one issued authorization. ExpiresAt is always derived from
// CreatedAt and TTLSeconds, never set independently.
type Grant struct {
	GrantID    string              `json:"grant_id"`
	Principal  contracts.Principal `json:"principal"`
	Scope      Scope               `json:"scope"`
	RiskLevel  contracts.RiskLevel `json:"risk_level"`
	TTLSeconds int                 `json:"ttl_seconds"`
	CreatedAt  time.Time           `json:"created_at"`
	ExpiresAt  time.Time           `json:"expires_at"`
	Reason     string              `json:"reason"`
	Audit      map[string]any      `json:"audit,omitempty"`
}

// Request is one capability use to match against the ledger.
type Request struct {
	Capability  contracts.CapabilityRef `json:"capability"`
	Targets     []string                `json:"targets,omitempty"`
	Constraints map[string]any          `json:"constraints,omitempty"`
}

// GrantOption customizes an issued grant.
type GrantOption func(*Grant)

// WithRiskLevel tags the grant as covering write or destructive risk.
// The default is write.
func WithRiskLevel(level contracts.RiskLevel) GrantOption {
	return func(g *Grant) { g.RiskLevel = level }
}

// WithAudit attaches free-form audit metadata to the grant.
func WithAudit(meta map[string]any) GrantOption {
	return func(g *Grant) { g.Audit = meta }
}

// Store is a mutex-guarded grant ledger. Lookup order is issuance
// order, so earlier grants win ties.
type Store struct {
	mu         sync.Mutex
	grants     map[string]*Grant
	order      []string
	clock      func() time.Time
	conditions *policy.ConditionEvaluator
}

// NewStore returns an empty ledger.
func NewStore() *Store {
	return &Store{grants: make(map[string]*Grant), clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

// WithConditionEvaluator enables CEL grant conditions. Without one, any
// grant carrying a condition never matches.
func (s *Store) WithConditionEvaluator(e *policy.ConditionEvaluator) *Store {
	s.conditions = e
	return s
}

// IssueGrant validates, normalizes, and stores a new grant, returning
// its id. A non-positive ttl produces an already-expired grant.
func (s *Store) IssueGrant(principal contracts.Principal, scope Scope, ttlSeconds int, reason string, opts ...GrantOption) (string, error) {
	if principal.UserID == "" {
		return "", contracts.NewPolicyError("GRANT_INVALID", "grant principal requires a user id", nil)
	}
	if len(scope.Capabilities) == 0 {
		return "", contracts.NewPolicyError("GRANT_INVALID", "grant scope requires at least one capability", nil)
	}

	now := s.clock()
	grant := &Grant{
		GrantID:    uuid.New().String(),
		Principal:  principal,
		Scope:      normalizeScope(scope),
		RiskLevel:  contracts.RiskWrite,
		TTLSeconds: ttlSeconds,
		CreatedAt:  now,
		ExpiresAt:  now.Add(time.Duration(ttlSeconds) * time.Second),
		Reason:     reason,
	}
	for _, opt := range opts {
		opt(grant)
	}

	if grant.RiskLevel != contracts.RiskWrite && grant.RiskLevel != contracts.RiskDestructive {
		return "", contracts.NewPolicyError("GRANT_INVALID",
			"grant risk level must be write or destructive",
			map[string]any{"risk_level": string(grant.RiskLevel)})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.grants[grant.GrantID] = grant
	s.order = append(s.order, grant.GrantID)
	return grant.GrantID, nil
}

// FindMatchingGrant purges expired grants, then returns the first grant
// (in issuance order) covering the request for the principal, or nil.
func (s *Store) FindMatchingGrant(principal contracts.Principal, req Request) *Grant {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	s.purgeExpiredLocked(now)

	for _, id := range s.order {
		grant := s.grants[id]
		if s.matchesLocked(grant, principal, req, now) {
			out := *grant
			return &out
		}
	}
	return nil
}

// RevokeGrant removes a grant unconditionally. Revoking an unknown id
// is a no-op.
func (s *Store) RevokeGrant(grantID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.grants[grantID]; !ok {
		return
	}
	delete(s.grants, grantID)
	s.removeFromOrderLocked(grantID)
}

// CleanupExpired purges every grant whose expiry has passed and returns
// how many were removed.
func (s *Store) CleanupExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.purgeExpiredLocked(s.clock())
}

// Len returns the number of physically stored grants, expired or not.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.grants)
}

func (s *Store) purgeExpiredLocked(now time.Time) int {
	removed := 0
	for id, grant := range s.grants {
		if !grant.ExpiresAt.After(now) {
			delete(s.grants, id)
			s.removeFromOrderLocked(id)
			removed++
		}
	}
	return removed
}

func (s *Store) removeFromOrderLocked(grantID string) {
	for i, id := range s.order {
		if id == grantID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return
		}
	}
}

func (s *Store) matchesLocked(grant *Grant, principal contracts.Principal, req Request, now time.Time) bool {
	if grant.Principal.UserID != principal.UserID {
		return false
	}
	// A pinned session or workspace must match exactly; an unpinned one
	// matches anything.
	if grant.Principal.SessionID != "" && grant.Principal.SessionID != principal.SessionID {
		return false
	}
	if grant.Principal.WorkspaceID != "" && grant.Principal.WorkspaceID != principal.WorkspaceID {
		return false
	}

	if !capabilityCovered(grant.Scope.Capabilities, req.Capability) {
		return false
	}

	if len(grant.Scope.Targets) > 0 {
		// The request must name a non-empty subset of the granted
		// targets; an empty request cannot ride a restricted grant.
		if len(req.Targets) == 0 {
			return false
		}
		allowed := make(map[string]bool, len(grant.Scope.Targets))
		for _, t := range grant.Scope.Targets {
			allowed[t] = true
		}
		for _, t := range req.Targets {
			if !allowed[norm.NFC.String(t)] {
				return false
			}
		}
	}

	for key, want := range grant.Scope.Constraints {
		got, present := req.Constraints[key]
		if !present || !deepEqual(want, got) {
			return false
		}
	}

	if grant.Scope.Condition != "" {
		if s.conditions == nil {
			return false
		}
		allowed, err := s.conditions.Allowed(grant.Scope.Condition, map[string]any{
			"request": map[string]any{
				"extension_id":  req.Capability.ExtensionID,
				"capability_id": req.Capability.CapabilityID,
				"targets":       req.Targets,
				"constraints":   req.Constraints,
			},
			"principal": map[string]any{
				"user_id":      principal.UserID,
				"session_id":   principal.SessionID,
				"workspace_id": principal.WorkspaceID,
			},
			"now": now.Unix(),
		})
		if err != nil || !allowed {
			return false
		}
	}
	return true
}

func capabilityCovered(granted []contracts.CapabilityRef, requested contracts.CapabilityRef) bool {
	for _, ref := range granted {
		extOK := ref.ExtensionID == Wildcard || ref.ExtensionID == requested.ExtensionID
		capOK := ref.CapabilityID == Wildcard || ref.CapabilityID == requested.CapabilityID
		if extOK && capOK {
			return true
		}
	}
	return false
}

// normalizeScope drops empty target entries, NFC-normalizes the rest,
// and guarantees a non-nil constraint map.
func normalizeScope(scope Scope) Scope {
	out := scope
	out.Targets = nil
	for _, t := range scope.Targets {
		if t == "" {
			continue
		}
		out.Targets = append(out.Targets, norm.NFC.String(t))
	}
	if scope.Constraints == nil {
		out.Constraints = map[string]any{}
	}
	caps := make([]contracts.CapabilityRef, len(scope.Capabilities))
	copy(caps, scope.Capabilities)
	out.Capabilities = caps
	return out
}
