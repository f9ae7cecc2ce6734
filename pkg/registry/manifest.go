package registry

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/keel-labs/keel/pkg/contracts"
	"github.com/keel-labs/keel/pkg/schema"
)

// Manifest is a declarative bundle of action contracts, usually loaded
// from a YAML file shipped alongside a gateway.
type Manifest struct {
	Contracts []ContractSpec `json:"contracts" yaml:"contracts"`
}

// ContractSpec is the serializable form of one action contract. The
// schemas are inline JSON Schema documents.
type ContractSpec struct {
	Action       string                `json:"action" yaml:"action"`
	Version      int                   `json:"version" yaml:"version"`
	RiskClass    contracts.RiskClass   `json:"risk_class" yaml:"risk_class"`
	TrustClass   contracts.TrustClass  `json:"trust_class" yaml:"trust_class"`
	TimeoutMs    int                   `json:"timeout_ms" yaml:"timeout_ms"`
	Retry        contracts.RetryPolicy `json:"retry" yaml:"retry"`
	InputSchema  string                `json:"input_schema" yaml:"input_schema"`
	OutputSchema string                `json:"output_schema" yaml:"output_schema"`
}

// ParseManifest decodes a YAML manifest.
func ParseManifest(r io.Reader) (*Manifest, error) {
	var m Manifest
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("manifest decode failed: %w", err)
	}
	if len(m.Contracts) == 0 {
		return nil, fmt.Errorf("manifest declares no contracts")
	}
	return &m, nil
}

// Build compiles the inline schemas and produces a contract ready for
// registration.
func (s ContractSpec) Build() (*contracts.ActionContract, error) {
	in, err := schema.Compile(fmt.Sprintf("%s.v%d.input", s.Action, s.Version), []byte(s.InputSchema))
	if err != nil {
		return nil, err
	}
	out, err := schema.Compile(fmt.Sprintf("%s.v%d.output", s.Action, s.Version), []byte(s.OutputSchema))
	if err != nil {
		return nil, err
	}
	return &contracts.ActionContract{
		ActionID:     s.Action,
		Version:      s.Version,
		InputSchema:  in,
		OutputSchema: out,
		RiskClass:    s.RiskClass,
		TrustClass:   s.TrustClass,
		TimeoutMs:    s.TimeoutMs,
		Retry:        s.Retry,
	}, nil
}

// RegisterManifest registers every contract in the manifest that is not
// already present. It is idempotent: a key that exists is skipped, never
// overwritten. Returns the number of newly registered contracts.
func RegisterManifest(reg Registry, m *Manifest) (int, error) {
	registered := 0
	for _, spec := range m.Contracts {
		if reg.Has(spec.Action, spec.Version) {
			continue
		}
		c, err := spec.Build()
		if err != nil {
			return registered, contracts.NewRegistryError("CONTRACT_MALFORMED",
				fmt.Sprintf("manifest contract %s@%d: %v", spec.Action, spec.Version, err),
				map[string]any{"action_id": spec.Action, "version": spec.Version})
		}
		if err := reg.Register(c); err != nil {
			return registered, err
		}
		registered++
	}
	return registered, nil
}
