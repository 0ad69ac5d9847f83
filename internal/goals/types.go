package goals

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Common errors for goal operations.
var (
	ErrGoalNotFound = errors.New("goals: goal not found")
	ErrEmptyConcept = errors.New("goals: concept cannot be empty")
	ErrTooFewGoals  = errors.New("goals: merge needs at least two goals")
	ErrNotDormant   = errors.New("goals: only dormant goals can be reactivated")
)

// Status is the lifecycle state of a learning goal.
type Status string

const (
	// StatusActive goals participate in reflection and clustering.
	StatusActive Status = "active"

	// StatusMastered goals are kept for attribution but no longer
	// accrue insights.
	StatusMastered Status = "mastered"

	// StatusDormant goals have not been reflected on for 30 days.
	// Reactivate is the only path back to active.
	StatusDormant Status = "dormant"
)

// Goal is a tracked learning topic, clustered and merged over time.
type Goal struct {
	ID              string     `json:"id"`
	Concept         string     `json:"concept"`
	RelatedCLI      *string    `json:"related_cli"`
	CreatedAt       time.Time  `json:"created_at"`
	LastReflectedAt time.Time  `json:"last_reflected_at"`
	ReflectionCount int        `json:"reflection_count"`

	// Insights has set semantics: AddInsight deduplicates, and merges
	// union. Order is first-seen.
	Insights []string `json:"insights"`

	Status Status `json:"status"`
}

// NewGoal creates an active goal for a concept.
func NewGoal(concept string, relatedCLI *string, now time.Time) (*Goal, error) {
	if concept == "" {
		return nil, ErrEmptyConcept
	}
	return &Goal{
		ID:              "goal_" + uuid.New().String(),
		Concept:         concept,
		RelatedCLI:      relatedCLI,
		CreatedAt:       now,
		LastReflectedAt: now,
		Insights:        []string{},
		Status:          StatusActive,
	}, nil
}

// AddInsight appends an insight if not already present and returns
// whether it was added.
func (g *Goal) AddInsight(insight string) bool {
	for _, existing := range g.Insights {
		if existing == insight {
			return false
		}
	}
	g.Insights = append(g.Insights, insight)
	return true
}

// Reflect records a reflection pass over this goal.
func (g *Goal) Reflect(now time.Time) {
	g.ReflectionCount++
	g.LastReflectedAt = now
}
