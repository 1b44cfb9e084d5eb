// Package config provides the model tier catalog used for role/cost model
// selection.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/fairyhunter13/deep-research/internal/domain"
)

// Role names the model selection buckets of the pipeline.
type Role string

const (
	RolePlanning  Role = "planning"
	RoleResearch  Role = "research"
	RoleSynthesis Role = "synthesis"
	RoleVision    Role = "vision"
)

// RoleTiers lists models per cost tier, best first within a tier.
type RoleTiers struct {
	Low  []string `yaml:"low"`
	High []string `yaml:"high"`
}

// TierCatalog maps pipeline roles to model tiers. Fallback order inside a
// role is the returned slice order.
type TierCatalog struct {
	Planning  RoleTiers `yaml:"planning"`
	Research  RoleTiers `yaml:"research"`
	Synthesis RoleTiers `yaml:"synthesis"`
	Vision    RoleTiers `yaml:"vision"`
}

// Models returns the fallback chain for a role under a cost preference.
// High-cost requests degrade into the low tier after exhausting the high
// tier; low-cost requests never escalate.
func (c TierCatalog) Models(role Role, pref domain.CostPreference) []string {
	t := c.tiers(role)
	if pref == domain.CostHigh {
		out := make([]string, 0, len(t.High)+len(t.Low))
		out = append(out, t.High...)
		out = append(out, t.Low...)
		return out
	}
	out := make([]string, len(t.Low))
	copy(out, t.Low)
	return out
}

func (c TierCatalog) tiers(role Role) RoleTiers {
	switch role {
	case RolePlanning:
		return c.Planning
	case RoleSynthesis:
		return c.Synthesis
	case RoleVision:
		return c.Vision
	default:
		return c.Research
	}
}

// Validate ensures every text role has at least one low-tier model, since
// the low tier is the terminal fallback.
func (c TierCatalog) Validate() error {
	for _, r := range []struct {
		name Role
		t    RoleTiers
	}{
		{RolePlanning, c.Planning},
		{RoleResearch, c.Research},
		{RoleSynthesis, c.Synthesis},
	} {
		if len(r.t.Low) == 0 {
			return fmt.Errorf("op=config.tiers: role %s has no low-tier models", r.name)
		}
	}
	return nil
}

// LoadTierCatalog reads the catalog from path. A missing file falls back to
// the built-in defaults so the binary runs without a configs directory.
func LoadTierCatalog(path string) (TierCatalog, error) {
	if path == "" {
		return DefaultTierCatalog(), nil
	}
	content, err := os.ReadFile(path) // #nosec G304 -- configuration files are expected to be safe
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultTierCatalog(), nil
		}
		return TierCatalog{}, fmt.Errorf("op=config.tiers: read %s: %w", path, err)
	}
	var c TierCatalog
	if err := yaml.Unmarshal(content, &c); err != nil {
		return TierCatalog{}, fmt.Errorf("op=config.tiers: parse %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return TierCatalog{}, err
	}
	return c, nil
}

// DefaultTierCatalog returns the catalog shipped in configs/tiers.yaml.
func DefaultTierCatalog() TierCatalog {
	return TierCatalog{
		Planning: RoleTiers{
			Low:  []string{"openai/gpt-4o-mini", "meta-llama/llama-3.1-70b-instruct"},
			High: []string{"anthropic/claude-3.5-sonnet", "openai/gpt-4o"},
		},
		Research: RoleTiers{
			Low:  []string{"openai/gpt-4o-mini", "meta-llama/llama-3.1-70b-instruct", "mistralai/mistral-nemo"},
			High: []string{"anthropic/claude-3.5-sonnet", "openai/gpt-4o", "google/gemini-pro-1.5"},
		},
		Synthesis: RoleTiers{
			Low:  []string{"openai/gpt-4o-mini", "meta-llama/llama-3.1-70b-instruct"},
			High: []string{"anthropic/claude-3.5-sonnet", "openai/gpt-4o"},
		},
		Vision: RoleTiers{
			Low:  []string{"openai/gpt-4o-mini"},
			High: []string{"openai/gpt-4o", "anthropic/claude-3.5-sonnet"},
		},
	}
}
