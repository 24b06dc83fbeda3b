package errclass

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// RuleConfig allows operators to extend or override the built-in code table
// from a YAML file, e.g. when the upstream platform introduces new error
// codes between releases.
type RuleConfig struct {
	Code     string `yaml:"code"`
	Category string `yaml:"category"`
	Severity string `yaml:"severity"`
	Action   string `yaml:"action"`
	Message  string `yaml:"message"`
	HelpLink string `yaml:"help_link"`
}

type RulesFile struct {
	Rules []RuleConfig `yaml:"rules"`
}

// LoadFromFile builds a classifier from the default tables plus the overrides
// in the given YAML file. An empty path yields the default classifier.
func LoadFromFile(path string) (*Classifier, error) {
	if path == "" {
		return New(), nil
	}

	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return New(), err
	}

	var file RulesFile
	if err := yaml.Unmarshal(content, &file); err != nil {
		return nil, err
	}

	rules := defaultRules()
	for _, rc := range file.Rules {
		override := rule{
			Code:     rc.Code,
			Category: Category(rc.Category),
			Severity: Severity(rc.Severity),
			Action:   Action(rc.Action),
			Message:  rc.Message,
			HelpLink: rc.HelpLink,
		}
		replaced := false
		for i, existing := range rules {
			if existing.Code == rc.Code {
				rules[i] = override
				replaced = true
				break
			}
		}
		if !replaced {
			rules = append(rules, override)
		}
	}

	return newWithRules(rules), nil
}

// RetryAfter computes the next attempt time implied by a classification.
func RetryAfter(now time.Time, classified ClassifiedError) time.Time {
	if !classified.Retryable {
		return time.Time{}
	}
	return now.Add(classified.RetryDelay)
}
