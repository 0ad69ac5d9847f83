// Package goals tracks learning goals: similarity scoring, greedy
// clustering, conflict-free merging, and stale archival.
package goals

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/chittyos/chittydna/internal/goals"

// Recommendation is the suggested action for a cluster.
type Recommendation string

const (
	// RecommendMerge means the cluster's goals are near-duplicates.
	RecommendMerge Recommendation = "merge"

	// RecommendLink means the goals are related but distinct.
	RecommendLink Recommendation = "link"
)

// Cluster is one group of related goals found by overlap analysis.
type Cluster struct {
	// SeedID is the goal that anchored the cluster.
	SeedID string `json:"seed_id"`

	// GoalIDs lists the seed followed by its gathered members.
	GoalIDs []string `json:"goal_ids"`

	// MaxSimilarity is the highest pairwise score between the seed and
	// any member.
	MaxSimilarity float64 `json:"max_similarity"`

	Recommendation Recommendation `json:"recommendation"`
}

// CrossPattern is an insight keyword shared by two or more goals.
type CrossPattern struct {
	Keyword string   `json:"keyword"`
	GoalIDs []string `json:"goal_ids"`
}

// Config configures the synthesizer.
type Config struct {
	// LinkThreshold is the minimum similarity for cluster membership.
	LinkThreshold float64

	// MergeThreshold is the minimum max-pairwise similarity for a merge
	// recommendation.
	MergeThreshold float64

	// StaleAfter is how long without reflection before an active goal
	// goes dormant.
	StaleAfter time.Duration

	// MaxConceptWords bounds the resynthesized concept after a merge.
	MaxConceptWords int
}

// DefaultConfig returns the thresholds the learning loop is tuned for.
func DefaultConfig() *Config {
	return &Config{
		LinkThreshold:   0.4,
		MergeThreshold:  0.7,
		StaleAfter:      30 * 24 * time.Hour,
		MaxConceptWords: 4,
	}
}

// Synthesizer performs overlap analysis and merging over goal sets. It
// holds no goal state itself; callers own the slice.
type Synthesizer struct {
	config *Config
	logger *zap.Logger

	meter        metric.Meter
	mergeCounter metric.Int64Counter
}

// NewSynthesizer creates a synthesizer.
func NewSynthesizer(cfg *Config, logger *zap.Logger) *Synthesizer {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Synthesizer{
		config: cfg,
		logger: logger,
		meter:  otel.Meter(instrumentationName),
	}
	var err error
	s.mergeCounter, err = s.meter.Int64Counter(
		"chittydna.goals.merges_total",
		metric.WithDescription("Goal merges performed"),
		metric.WithUnit("{merge}"),
	)
	if err != nil {
		s.logger.Warn("failed to create merge counter", zap.Error(err))
	}
	return s
}

// AnalyzeOverlap performs single-pass greedy clustering over active
// goals. Each unclustered goal seeds at most one cluster from the goals
// scoring at or above the link threshold; when the best of those scores
// reaches the merge threshold the cluster is recommended for merge,
// otherwise for link. Clustered goals never seed again, so the result
// is deterministic in input order.
func (s *Synthesizer) AnalyzeOverlap(allGoals []Goal) []Cluster {
	active := make([]*Goal, 0, len(allGoals))
	for i := range allGoals {
		if allGoals[i].Status == StatusActive {
			active = append(active, &allGoals[i])
		}
	}

	clustered := make(map[string]bool)
	var clusters []Cluster

	for _, seed := range active {
		if clustered[seed.ID] {
			continue
		}

		var members []string
		maxSim := 0.0
		for _, other := range active {
			if other.ID == seed.ID {
				continue
			}
			sim := Similarity(seed, other)
			if sim >= s.config.LinkThreshold {
				members = append(members, other.ID)
				if sim > maxSim {
					maxSim = sim
				}
			}
		}
		if len(members) == 0 {
			continue
		}

		rec := RecommendLink
		if maxSim >= s.config.MergeThreshold {
			rec = RecommendMerge
		}
		cluster := Cluster{
			SeedID:         seed.ID,
			GoalIDs:        append([]string{seed.ID}, members...),
			MaxSimilarity:  maxSim,
			Recommendation: rec,
		}
		clusters = append(clusters, cluster)

		for _, id := range cluster.GoalIDs {
			clustered[id] = true
		}
	}
	return clusters
}

// MergeGoals merges the goals named by ids into one master and returns
// the surviving goal list plus the master.
//
// The master is the input goal with the highest reflection count, ties
// broken by ids order. Insights are unioned in first-seen order, the
// related CLI is the first non-nil among inputs, and the concept is
// resynthesized from the most frequent words shared between input
// concepts, falling back to the master's own concept.
func (s *Synthesizer) MergeGoals(ctx context.Context, allGoals []Goal, ids []string) ([]Goal, *Goal, error) {
	if len(ids) < 2 {
		return nil, nil, ErrTooFewGoals
	}

	byID := make(map[string]*Goal, len(allGoals))
	for i := range allGoals {
		byID[allGoals[i].ID] = &allGoals[i]
	}

	inputs := make([]*Goal, 0, len(ids))
	for _, id := range ids {
		g, ok := byID[id]
		if !ok {
			return nil, nil, fmt.Errorf("%w: %s", ErrGoalNotFound, id)
		}
		inputs = append(inputs, g)
	}

	master := inputs[0]
	for _, g := range inputs[1:] {
		if g.ReflectionCount > master.ReflectionCount {
			master = g
		}
	}

	for _, g := range inputs {
		if g == master {
			continue
		}
		for _, insight := range g.Insights {
			master.AddInsight(insight)
		}
	}

	// CLI follows input order, not master choice: the first non-nil
	// value among the inputs wins even when the master has its own.
	var mergedCLI *string
	for _, g := range inputs {
		if g.RelatedCLI != nil {
			cli := *g.RelatedCLI
			mergedCLI = &cli
			break
		}
	}
	master.RelatedCLI = mergedCLI

	if concept := sharedConcept(inputs, s.config.MaxConceptWords); concept != "" {
		master.Concept = concept
	}

	removed := make(map[string]bool, len(ids))
	for _, g := range inputs {
		if g != master {
			removed[g.ID] = true
		}
	}
	survivors := make([]Goal, 0, len(allGoals)-len(removed))
	for _, g := range allGoals {
		if !removed[g.ID] {
			survivors = append(survivors, g)
		}
	}

	if s.mergeCounter != nil {
		s.mergeCounter.Add(ctx, 1)
	}
	s.logger.Info("goals merged",
		zap.String("master", master.ID),
		zap.Int("absorbed", len(removed)))

	// The master in survivors is a copy; re-resolve it.
	for i := range survivors {
		if survivors[i].ID == master.ID {
			return survivors, &survivors[i], nil
		}
	}
	return survivors, nil, fmt.Errorf("%w: %s", ErrGoalNotFound, master.ID)
}

// sharedConcept builds the merged concept from the top words shared by
// at least two input concepts, most frequent first, ties alphabetical.
func sharedConcept(inputs []*Goal, maxWords int) string {
	freq := make(map[string]int)
	for _, g := range inputs {
		for token := range words(g.Concept) {
			freq[token]++
		}
	}

	var shared []string
	for token, n := range freq {
		if n >= 2 {
			shared = append(shared, token)
		}
	}
	if len(shared) == 0 {
		return ""
	}
	sort.Slice(shared, func(i, j int) bool {
		if freq[shared[i]] != freq[shared[j]] {
			return freq[shared[i]] > freq[shared[j]]
		}
		return shared[i] < shared[j]
	})
	if len(shared) > maxWords {
		shared = shared[:maxWords]
	}
	return strings.Join(shared, " ")
}

// FindCrossPatterns inverts insight keywords to goal-id lists and keeps
// keywords shared by at least two goals, sorted by goal count
// descending, ties alphabetical.
func (s *Synthesizer) FindCrossPatterns(allGoals []Goal) []CrossPattern {
	byKeyword := make(map[string][]string)
	for i := range allGoals {
		for token := range insightWords(&allGoals[i]) {
			byKeyword[token] = append(byKeyword[token], allGoals[i].ID)
		}
	}

	var patterns []CrossPattern
	for keyword, ids := range byKeyword {
		if len(ids) >= 2 {
			patterns = append(patterns, CrossPattern{Keyword: keyword, GoalIDs: ids})
		}
	}
	sort.Slice(patterns, func(i, j int) bool {
		if len(patterns[i].GoalIDs) != len(patterns[j].GoalIDs) {
			return len(patterns[i].GoalIDs) > len(patterns[j].GoalIDs)
		}
		return patterns[i].Keyword < patterns[j].Keyword
	})
	return patterns
}

// ArchiveStale flips active goals whose last reflection is older than
// the stale window to dormant, returning the IDs archived.
func (s *Synthesizer) ArchiveStale(allGoals []Goal, now time.Time) []string {
	cutoff := now.Add(-s.config.StaleAfter)
	var archived []string
	for i := range allGoals {
		g := &allGoals[i]
		if g.Status == StatusActive && g.LastReflectedAt.Before(cutoff) {
			g.Status = StatusDormant
			archived = append(archived, g.ID)
		}
	}
	if len(archived) > 0 {
		s.logger.Info("stale goals archived", zap.Int("count", len(archived)))
	}
	return archived
}

// Reactivate returns a dormant goal to active and resets its reflection
// clock. This is the only dormant-to-active path.
func (s *Synthesizer) Reactivate(allGoals []Goal, id string, now time.Time) error {
	for i := range allGoals {
		g := &allGoals[i]
		if g.ID != id {
			continue
		}
		if g.Status != StatusDormant {
			return ErrNotDormant
		}
		g.Status = StatusActive
		g.LastReflectedAt = now
		return nil
	}
	return fmt.Errorf("%w: %s", ErrGoalNotFound, id)
}
