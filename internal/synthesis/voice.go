package synthesis

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// VoicePolicy chooses a voice from what the engine offers
type VoicePolicy struct {
	// Preferences are matched in order, case-insensitively, against voice names
	Preferences []string `yaml:"preferences"`
	// Fallback is a voice ID used when nothing matches
	Fallback string `yaml:"fallback"`
}

// DefaultVoicePolicy returns the built-in preference list
func DefaultVoicePolicy() *VoicePolicy {
	return &VoicePolicy{
		Preferences: []string{"female", "samantha", "karen", "zira", "victoria"},
	}
}

// LoadVoicePolicy reads a policy from a YAML file:
//
//	preferences: [female, samantha]
//	fallback: a0e99841-438c-4a64-b679-ae501e7d6091
func LoadVoicePolicy(path string) (*VoicePolicy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read voice policy: %w", err)
	}

	policy := &VoicePolicy{}
	if err := yaml.Unmarshal(data, policy); err != nil {
		return nil, fmt.Errorf("failed to parse voice policy %s: %w", path, err)
	}
	if len(policy.Preferences) == 0 && policy.Fallback == "" {
		return nil, fmt.Errorf("voice policy %s has no preferences or fallback", path)
	}
	return policy, nil
}

// Select picks the first voice matching the earliest preference, then the
// fallback ID. It reports false when neither is available.
func (p *VoicePolicy) Select(voices []Voice) (Voice, bool) {
	for _, pref := range p.Preferences {
		pref = strings.ToLower(strings.TrimSpace(pref))
		if pref == "" {
			continue
		}
		for _, v := range voices {
			if strings.Contains(strings.ToLower(v.Name), pref) {
				return v, true
			}
		}
	}

	if p.Fallback != "" {
		for _, v := range voices {
			if v.ID == p.Fallback {
				return v, true
			}
		}
		return Voice{ID: p.Fallback}, true
	}
	return Voice{}, false
}
