package poller

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Rule is one keyword-reply rule. Higher priority wins; matching is a
// case-insensitive substring check against the inbound message text.
type Rule struct {
	Priority int      `yaml:"priority"`
	Keywords []string `yaml:"keywords"`
	Reply    string   `yaml:"reply"`
}

// RuleSet is the loaded rule file. Default, when set, catches messages no
// rule matched.
type RuleSet struct {
	Rules   []Rule `yaml:"rules"`
	Default string `yaml:"default"`
}

// LoadRules reads and validates a YAML rule file.
func LoadRules(path string) (*RuleSet, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("poller: read rules: %w", err)
	}
	return ParseRules(raw)
}

// ParseRules parses YAML rule content.
func ParseRules(raw []byte) (*RuleSet, error) {
	var rs RuleSet
	if err := yaml.Unmarshal(raw, &rs); err != nil {
		return nil, fmt.Errorf("poller: parse rules: %w", err)
	}
	for i, r := range rs.Rules {
		if len(r.Keywords) == 0 {
			return nil, fmt.Errorf("poller: rule %d has no keywords", i)
		}
		if r.Reply == "" {
			return nil, fmt.Errorf("poller: rule %d has no reply", i)
		}
	}
	sort.SliceStable(rs.Rules, func(i, j int) bool {
		return rs.Rules[i].Priority > rs.Rules[j].Priority
	})
	return &rs, nil
}

// Match returns the reply for the given message text, falling through to the
// default rule when configured. ok is false if nothing applies.
func (rs *RuleSet) Match(text string) (reply string, ok bool) {
	lowered := strings.ToLower(text)
	for _, r := range rs.Rules {
		for _, kw := range r.Keywords {
			if kw != "" && strings.Contains(lowered, strings.ToLower(kw)) {
				return r.Reply, true
			}
		}
	}
	if rs.Default != "" {
		return rs.Default, true
	}
	return "", false
}
