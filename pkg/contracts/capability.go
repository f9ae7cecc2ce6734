package contracts

// RiskLevel orders the impact of a capability: read < write < destructive.
type RiskLevel string

const (
	RiskRead        RiskLevel = "read"
	RiskWrite       RiskLevel = "write"
	RiskDestructive RiskLevel = "destructive"
)

var riskRank = map[RiskLevel]int{RiskRead: 0, RiskWrite: 1, RiskDestructive: 2}

// Valid reports whether l is a member of the fixed risk-level set.
func (l RiskLevel) Valid() bool { _, ok := riskRank[l]; return ok }

// AtLeast reports whether l ranks at or above other.
func (l RiskLevel) AtLeast(other RiskLevel) bool { return riskRank[l] >= riskRank[other] }

// MaxRiskLevel returns the higher-ranked of a and b.
func MaxRiskLevel(a, b RiskLevel) RiskLevel {
	if riskRank[b] > riskRank[a] {
		return b
	}
	return a
}

// SideEffects orders the blast radius of a capability:
// none < internal < external.
type SideEffects string

const (
	SideEffectsNone     SideEffects = "none"
	SideEffectsInternal SideEffects = "internal"
	SideEffectsExternal SideEffects = "external"
)

var sideEffectsRank = map[SideEffects]int{SideEffectsNone: 0, SideEffectsInternal: 1, SideEffectsExternal: 2}

// Valid reports whether s is a member of the fixed side-effects set.
func (s SideEffects) Valid() bool { _, ok := sideEffectsRank[s]; return ok }

// MaxSideEffects returns the higher-ranked of a and b.
func MaxSideEffects(a, b SideEffects) SideEffects {
	if sideEffectsRank[b] > sideEffectsRank[a] {
		return b
	}
	return a
}

// DataEgress orders where a capability can send data: none < network.
type DataEgress string

const (
	EgressNone    DataEgress = "none"
	EgressNetwork DataEgress = "network"
)

var egressRank = map[DataEgress]int{EgressNone: 0, EgressNetwork: 1}

// Valid reports whether e is a member of the fixed data-egress set.
func (e DataEgress) Valid() bool { _, ok := egressRank[e]; return ok }

// MaxDataEgress returns the higher-ranked of a and b.
func MaxDataEgress(a, b DataEgress) DataEgress {
	if egressRank[b] > egressRank[a] {
		return b
	}
	return a
}

// CapabilityRef identifies one controllable operation an action may perform.
type CapabilityRef struct {
	ExtensionID  string `json:"extension_id"`
	CapabilityID string `json:"capability_id"`
}

// CapabilityMeta is the declared risk profile of one capability, as
// published by the extension that provides it.
type CapabilityMeta struct {
	CapabilityID string      `json:"capability_id"`
	RiskLevel    RiskLevel   `json:"risk_level"`
	SideEffects  SideEffects `json:"side_effects"`
	DataEgress   DataEgress  `json:"data_egress"`
}

// ExtensionState is the capability inventory of one installed extension.
type ExtensionState struct {
	Capabilities []CapabilityMeta `json:"capabilities"`
}

// Capability returns the metadata for capabilityID, if declared.
func (s *ExtensionState) Capability(capabilityID string) (CapabilityMeta, bool) {
	if s == nil {
		return CapabilityMeta{}, false
	}
	for _, c := range s.Capabilities {
		if c.CapabilityID == capabilityID {
			return c, true
		}
	}
	return CapabilityMeta{}, false
}
