package vault

import (
	"time"

	"github.com/google/uuid"
)

// PatternType classifies how a workflow pattern was captured.
type PatternType string

const (
	// PatternCommand is a literal command-line pattern.
	PatternCommand PatternType = "command"

	// PatternSequence is an ordered multi-tool pattern.
	PatternSequence PatternType = "sequence"

	// PatternPrompt is a recurring prompt formulation.
	PatternPrompt PatternType = "prompt"
)

// Pattern is the behavioral signature of a workflow.
type Pattern struct {
	Type PatternType `json:"type"`

	// Value is the raw pattern text. Privacy transforms may replace it
	// with Hash on export.
	Value string `json:"value"`

	// Hash is the hex SHA-256 of the original value, stable across
	// privacy transforms.
	Hash string `json:"hash"`
}

// Privacy records what a workflow consents to reveal.
type Privacy struct {
	ContentHash   string `json:"content_hash"`
	RevealPattern bool   `json:"reveal_pattern"`
}

// Impact tracks the measured benefit of a workflow.
type Impact struct {
	// TimeSavedMinutes accumulates across merges.
	TimeSavedMinutes float64 `json:"time_saved"`
}

// Workflow is one learned behavioral pattern ("gene"). Created from a
// successful tool-use extraction; mutated only by import-time merges;
// never deleted except by full vault revocation.
type Workflow struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Pattern     Pattern   `json:"pattern"`
	Confidence  float64   `json:"confidence"`
	UsageCount  int       `json:"usage_count"`
	SuccessRate float64   `json:"success_rate"`
	Created     time.Time `json:"created"`
	LastEvolved time.Time `json:"last_evolved"`
	Impact      Impact    `json:"impact"`
	Tags        []string  `json:"tags,omitempty"`
	Privacy     Privacy   `json:"privacy"`
}

// CommandTemplate is a reusable parameterized command.
type CommandTemplate struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Template  string    `json:"template"`
	Variables []string  `json:"variables,omitempty"`
	Created   time.Time `json:"created"`
}

// Integration is a configured external tool hookup, keyed by Key.
type Integration struct {
	Key     string            `json:"key"`
	Type    string            `json:"type"`
	Config  map[string]string `json:"config,omitempty"`
	Enabled bool              `json:"enabled"`
}

// ContextMemoryEntry is a remembered fragment of working context.
type ContextMemoryEntry struct {
	ID          string    `json:"id"`
	Content     string    `json:"content"`
	ContentHash string    `json:"content_hash"`
	Reveal      bool      `json:"reveal"`
	Timestamp   time.Time `json:"timestamp"`
	Tags        []string  `json:"tags,omitempty"`
}

// State is the aggregate learning-state document: one logical ChittyDNA
// per user.
type State struct {
	Workflows        []Workflow           `json:"workflows"`
	Preferences      map[string]string    `json:"preferences"`
	CommandTemplates []CommandTemplate    `json:"command_templates"`
	Integrations     []Integration        `json:"integrations"`
	ContextMemory    []ContextMemoryEntry `json:"context_memory"`
}

// NewState returns an empty aggregate state with allocated collections.
func NewState() *State {
	return &State{
		Workflows:        []Workflow{},
		Preferences:      map[string]string{},
		CommandTemplates: []CommandTemplate{},
		Integrations:     []Integration{},
		ContextMemory:    []ContextMemoryEntry{},
	}
}

// FindWorkflow returns the workflow with the given ID, or nil.
func (s *State) FindWorkflow(id string) *Workflow {
	for i := range s.Workflows {
		if s.Workflows[i].ID == id {
			return &s.Workflows[i]
		}
	}
	return nil
}

// NewWorkflowID returns a fresh workflow identifier.
func NewWorkflowID() string {
	return "wf_" + uuid.New().String()
}
