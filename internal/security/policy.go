package security

import (
	"errors"
	"fmt"
	"slices"
)

// ErrInvalidPolicy is returned when a policy cannot be compiled.
var ErrInvalidPolicy = errors.New("invalid security policy")

// DefaultMaxContentBytes is the content limit when a policy leaves it unset.
const DefaultMaxContentBytes = 16 * 1024

// CustomRule is a CEL boolean expression over content, size and type.
// A true result counts as a threat named "custom:<Name>".
type CustomRule struct {
	Name  string `json:"name" yaml:"name"`
	Expr  string `json:"expr" yaml:"expr"`
	Score int    `json:"score,omitempty" yaml:"score,omitempty"`
}

// Policy controls how content of one message type is classified.
type Policy struct {
	Name            string       `json:"name,omitempty" yaml:"name,omitempty"`
	BlockPII        bool         `json:"block_pii" yaml:"block_pii"`
	AllowedPII      []string     `json:"allowed_pii,omitempty" yaml:"allowed_pii,omitempty"`
	DisabledRules   []string     `json:"disabled_rules,omitempty" yaml:"disabled_rules,omitempty"`
	MaxContentBytes int          `json:"max_content_bytes,omitempty" yaml:"max_content_bytes,omitempty"`
	ScoreThreshold  int          `json:"score_threshold,omitempty" yaml:"score_threshold,omitempty"`
	CustomRules     []CustomRule `json:"custom_rules,omitempty" yaml:"custom_rules,omitempty"`
}

// DefaultPolicy blocks every threat rule and any PII.
func DefaultPolicy() Policy {
	return Policy{
		Name:            "default",
		BlockPII:        true,
		MaxContentBytes: DefaultMaxContentBytes,
	}
}

func (p Policy) ruleEnabled(name string) bool {
	return !slices.Contains(p.DisabledRules, name)
}

func (p Policy) piiAllowed(kind string) bool {
	return slices.Contains(p.AllowedPII, kind)
}

func (p Policy) maxBytes() int {
	if p.MaxContentBytes <= 0 {
		return DefaultMaxContentBytes
	}
	return p.MaxContentBytes
}

// PolicySet selects a policy by message type.
type PolicySet struct {
	Default Policy            `json:"default" yaml:"default"`
	ByType  map[string]Policy `json:"by_type,omitempty" yaml:"by_type,omitempty"`
}

// DefaultPolicySet uses DefaultPolicy for every type.
func DefaultPolicySet() PolicySet {
	return PolicySet{Default: DefaultPolicy()}
}

// For returns the policy for messageType, falling back to Default.
func (s PolicySet) For(messageType string) Policy {
	if p, ok := s.ByType[messageType]; ok {
		return p
	}
	return s.Default
}

// Validate compiles every custom rule in the set.
func (s PolicySet) Validate(sc *Scanner) error {
	if err := sc.Compile(s.Default); err != nil {
		return err
	}
	for typ, p := range s.ByType {
		if err := sc.Compile(p); err != nil {
			return fmt.Errorf("policy for %s: %w", typ, err)
		}
	}
	return nil
}
