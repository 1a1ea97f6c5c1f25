package governance

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/helm/instructions/pkg/instruction"
)

//go:embed default_policy.yaml
var defaultPolicyYAML []byte

// TierBand maps every priority up to and including MaxPriority (and above
// the previous band) to Tier.
type TierBand struct {
	Tier        instruction.Tier `yaml:"tier"`
	MaxPriority int              `yaml:"maxPriority"`
}

// Rule is a CEL requirement evaluated against every entry about to be
// persisted. When "when" is true, "require" must also be true.
type Rule struct {
	Name        string `yaml:"name"`
	When        string `yaml:"when"`
	Require     string `yaml:"require"`
	Error       string `yaml:"error"`
	Requirement string `yaml:"requirement"`
	Hint        string `yaml:"hint"`
}

// Policy holds the tunable parts of governance.
type Policy struct {
	TierBands       []TierBand                         `yaml:"tierBands"`
	ReviewIntervals map[instruction.Tier]time.Duration `yaml:"reviewIntervals"`
	Rules           []Rule                             `yaml:"rules"`
}

// DefaultPolicy returns the embedded policy.
func DefaultPolicy() *Policy {
	p, err := ParsePolicy(defaultPolicyYAML)
	if err != nil {
		panic(fmt.Sprintf("governance: embedded default policy is invalid: %v", err))
	}
	return p
}

// LoadPolicy reads a YAML policy file. An empty path yields the default.
func LoadPolicy(path string) (*Policy, error) {
	if path == "" {
		return DefaultPolicy(), nil
	}
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("read policy %s: %w", path, err)
	}
	return ParsePolicy(data)
}

// ParsePolicy decodes and validates a YAML policy.
func ParsePolicy(data []byte) (*Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse policy: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Marshal renders the policy as YAML.
func (p *Policy) Marshal() ([]byte, error) {
	return yaml.Marshal(p)
}

// Validate checks band ordering, interval coverage and rule syntax.
func (p *Policy) Validate() error {
	if len(p.TierBands) == 0 {
		return errors.New("policy: no tier bands")
	}
	seen := make(map[instruction.Tier]bool, len(p.TierBands))
	prev := -1
	for i, b := range p.TierBands {
		if !b.Tier.Valid() {
			return fmt.Errorf("policy: band %d: unknown tier %q", i, b.Tier)
		}
		if seen[b.Tier] {
			return fmt.Errorf("policy: band %d: duplicate tier %s", i, b.Tier)
		}
		seen[b.Tier] = true
		if b.MaxPriority <= prev {
			return fmt.Errorf("policy: band %d (%s): maxPriority %d must be greater than %d", i, b.Tier, b.MaxPriority, prev)
		}
		prev = b.MaxPriority
	}
	if prev != 100 {
		return fmt.Errorf("policy: last band must end at priority 100, got %d", prev)
	}
	for _, b := range p.TierBands {
		if d, ok := p.ReviewIntervals[b.Tier]; !ok || d <= 0 {
			return fmt.Errorf("policy: missing or non-positive review interval for %s", b.Tier)
		}
	}
	env, err := newRuleEnv()
	if err != nil {
		return err
	}
	for i, r := range p.Rules {
		if r.Error == "" {
			return fmt.Errorf("policy: rule %d (%s): error code is required", i, r.Name)
		}
		if _, err := compileRule(env, r); err != nil {
			return fmt.Errorf("policy: rule %d (%s): %w", i, r.Name, err)
		}
	}
	return nil
}

// TierFor returns the band containing priority. Out-of-range values clamp.
func (p *Policy) TierFor(priority int) instruction.Tier {
	for _, b := range p.TierBands {
		if priority <= b.MaxPriority {
			return b.Tier
		}
	}
	return p.TierBands[len(p.TierBands)-1].Tier
}

// PriorityFor returns the representative priority of a tier, its band's
// upper bound.
func (p *Policy) PriorityFor(tier instruction.Tier) (int, bool) {
	for _, b := range p.TierBands {
		if b.Tier == tier {
			return b.MaxPriority, true
		}
	}
	return 0, false
}

// ReviewInterval returns the review cadence for tier.
func (p *Policy) ReviewInterval(tier instruction.Tier) time.Duration {
	if d, ok := p.ReviewIntervals[tier]; ok {
		return d
	}
	// Tiers outside the bands fall back to the slowest cadence.
	var longest time.Duration
	for _, d := range p.ReviewIntervals {
		longest = max(longest, d)
	}
	return longest
}
