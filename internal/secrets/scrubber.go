// Package secrets detects and redacts secret material from event
// payloads before they reach the event log or the audit trail.
//
// Raw tool arguments routinely carry tokens and keys. The pipeline runs
// every observed event through a Scrubber so nothing sensitive is ever
// persisted, even encrypted.
package secrets

import (
	"fmt"
	"regexp"
	"sort"
	"sync"
)

// Scrubber detects and redacts secrets from content.
type Scrubber interface {
	// Scrub redacts secrets from the content.
	Scrub(content string) *Result

	// Check detects secrets without redacting.
	Check(content string) *Result

	// IsEnabled returns whether scrubbing is enabled.
	IsEnabled() bool
}

// Result contains the scrubbing outcome.
type Result struct {
	// Scrubbed is the content with secrets redacted.
	Scrubbed string `json:"scrubbed"`

	// TotalFindings is the count of secrets found.
	TotalFindings int `json:"total_findings"`

	// ByRule maps rule IDs to finding counts. The matched text is never
	// carried in the result.
	ByRule map[string]int `json:"by_rule,omitempty"`
}

// HasFindings returns true if any secrets were found.
func (r *Result) HasFindings() bool {
	return r.TotalFindings > 0
}

// Rule defines a secret detection rule.
type Rule struct {
	// ID is the unique identifier for this rule.
	ID string `koanf:"id"`

	// Description explains what this rule detects.
	Description string `koanf:"description"`

	// Pattern is the regex pattern to match secrets.
	Pattern string `koanf:"pattern"`
}

// Config configures the scrubber.
type Config struct {
	// Enabled controls whether scrubbing is active (default: true).
	Enabled bool `koanf:"enabled"`

	// Rules defines the detection rules.
	Rules []Rule `koanf:"rules"`

	// RedactionString replaces detected secrets (default: "[REDACTED]").
	RedactionString string `koanf:"redaction_string"`

	compiled []compiledRule
}

type compiledRule struct {
	Rule
	pattern *regexp.Regexp
}

// DefaultConfig returns a configuration with the standard rule set.
func DefaultConfig() *Config {
	return &Config{
		Enabled:         true,
		RedactionString: "[REDACTED]",
		Rules:           DefaultRules(),
	}
}

// Validate validates and compiles the configuration.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.RedactionString == "" {
		c.RedactionString = "[REDACTED]"
	}
	c.compiled = make([]compiledRule, 0, len(c.Rules))
	for i, rule := range c.Rules {
		if rule.ID == "" {
			return fmt.Errorf("rule %d: ID is required", i)
		}
		if rule.Pattern == "" {
			return fmt.Errorf("rule %s: pattern is required", rule.ID)
		}
		pattern, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return fmt.Errorf("rule %s: invalid pattern: %w", rule.ID, err)
		}
		c.compiled = append(c.compiled, compiledRule{Rule: rule, pattern: pattern})
	}
	return nil
}

// scrubber is the default implementation using regexp patterns.
type scrubber struct {
	config *Config
	mu     sync.RWMutex
}

// New creates a new Scrubber. If config is nil, DefaultConfig() is used.
func New(cfg *Config) (Scrubber, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &scrubber{config: cfg}, nil
}

// MustNew creates a new Scrubber, panicking on error.
func MustNew(cfg *Config) Scrubber {
	s, err := New(cfg)
	if err != nil {
		panic(err)
	}
	return s
}

// redaction tracks a span to redact.
type redaction struct {
	start, end int
}

// Scrub redacts secrets from the content.
func (s *scrubber) Scrub(content string) *Result {
	result := &Result{
		Scrubbed: content,
		ByRule:   make(map[string]int),
	}
	if !s.config.Enabled {
		return result
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var redactions []redaction
	for _, rule := range s.config.compiled {
		matches := rule.pattern.FindAllStringIndex(content, -1)
		for _, match := range matches {
			result.TotalFindings++
			result.ByRule[rule.ID]++
			redactions = append(redactions, redaction{start: match[0], end: match[1]})
		}
	}

	if len(redactions) > 0 {
		merged := mergeRedactions(redactions)
		// Apply back-to-front so earlier indices stay valid.
		scrubbed := content
		for i := len(merged) - 1; i >= 0; i-- {
			r := merged[i]
			scrubbed = scrubbed[:r.start] + s.config.RedactionString + scrubbed[r.end:]
		}
		result.Scrubbed = scrubbed
	}
	return result
}

// Check detects secrets without redacting.
func (s *scrubber) Check(content string) *Result {
	result := s.Scrub(content)
	result.Scrubbed = content
	return result
}

// IsEnabled returns whether scrubbing is enabled.
func (s *scrubber) IsEnabled() bool {
	return s.config.Enabled
}

// mergeRedactions sorts spans and merges overlapping or adjacent ones.
func mergeRedactions(redactions []redaction) []redaction {
	sort.Slice(redactions, func(i, j int) bool {
		return redactions[i].start < redactions[j].start
	})
	merged := []redaction{redactions[0]}
	for _, curr := range redactions[1:] {
		last := &merged[len(merged)-1]
		if curr.start <= last.end {
			if curr.end > last.end {
				last.end = curr.end
			}
		} else {
			merged = append(merged, curr)
		}
	}
	return merged
}

// NoopScrubber does nothing (for tests or disabled mode).
type NoopScrubber struct{}

func (n *NoopScrubber) Scrub(content string) *Result {
	return &Result{Scrubbed: content, ByRule: make(map[string]int)}
}

func (n *NoopScrubber) Check(content string) *Result {
	return n.Scrub(content)
}

func (n *NoopScrubber) IsEnabled() bool {
	return false
}

var (
	_ Scrubber = (*scrubber)(nil)
	_ Scrubber = (*NoopScrubber)(nil)
)
