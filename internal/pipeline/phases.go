package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/chittyos/chittydna/internal/audit"
	"github.com/chittyos/chittydna/internal/goals"
	"github.com/chittyos/chittydna/internal/remote"
	"github.com/chittyos/chittydna/internal/vault"
)

// reflectDue reports whether the reflect trigger currently fires.
func (s *service) reflectDue() (bool, error) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	state, err := s.loadStateLocked()
	if err != nil {
		return false, err
	}
	if state.EventCount == 0 {
		return false, nil
	}
	return state.EventCount%s.config.ReflectEvery == 0 || s.failureDensityLocked(), nil
}

// cadenceDue reports whether the event count sits on a cadence
// boundary.
func (s *service) cadenceDue(every int) (bool, error) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	state, err := s.loadStateLocked()
	if err != nil {
		return false, err
	}
	return state.EventCount > 0 && state.EventCount%every == 0, nil
}

// markPhase updates one phase timestamp and persists the state.
func (s *service) markPhase(update func(*State, time.Time)) error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	state, err := s.loadStateLocked()
	if err != nil {
		return err
	}
	update(state, time.Now().UTC())
	return s.saveStateLocked()
}

// toolTally aggregates one tool's appearances in the working window.
type toolTally struct {
	uses     int
	failures int
}

// tallyTools counts tool usage in first-seen order.
func tallyTools(events []Event) (map[string]*toolTally, []string) {
	tallies := map[string]*toolTally{}
	var order []string
	for i := range events {
		e := &events[i]
		if e.ToolName == "" {
			continue
		}
		t, ok := tallies[e.ToolName]
		if !ok {
			t = &toolTally{}
			tallies[e.ToolName] = t
			order = append(order, e.ToolName)
		}
		t.uses++
		if e.failed() {
			t.failures++
		}
	}
	return tallies, order
}

// Reflect accrues insights onto matching goals, creating goals for
// recurring tools that have none. Idempotent for an unchanged window:
// insights deduplicate and goal creation keys on the tool name.
func (s *service) Reflect(ctx context.Context, force bool) (*ReflectResult, error) {
	if !force {
		due, err := s.reflectDue()
		if err != nil {
			return nil, err
		}
		if !due {
			return &ReflectResult{Skipped: true}, nil
		}
	}

	events, err := s.RecentEvents(ctx, s.config.Window)
	if err != nil {
		return nil, err
	}
	result := &ReflectResult{WindowSize: len(events)}

	tallies, order := tallyTools(events)
	list, err := s.goals.Load(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	for _, tool := range order {
		t := tallies[tool]
		if t.uses < 2 {
			continue
		}

		insight := fmt.Sprintf("frequent use of %s", tool)
		if t.failures >= 2 {
			insight = fmt.Sprintf("repeated failures with %s", tool)
		}

		idx := matchGoal(list, tool)
		if idx >= 0 {
			list[idx].Reflect(now)
			list[idx].AddInsight(insight)
			result.GoalsUpdated++
			continue
		}

		name := tool
		goal, err := goals.NewGoal(fmt.Sprintf("learn %s workflows", tool), &name, now)
		if err != nil {
			return nil, err
		}
		goal.AddInsight(insight)
		list = append(list, *goal)
		result.GoalsCreated++
	}

	if result.GoalsCreated+result.GoalsUpdated > 0 {
		if err := s.goals.Save(ctx, list); err != nil {
			return nil, err
		}
	}
	if err := s.markPhase(func(st *State, now time.Time) { st.LastReflection = now }); err != nil {
		return nil, err
	}

	s.logger.Debug("reflection completed",
		zap.Int("window", result.WindowSize),
		zap.Int("created", result.GoalsCreated),
		zap.Int("updated", result.GoalsUpdated))
	return result, nil
}

// matchGoal finds the first active goal tracking the tool, by related
// CLI first and concept text second.
func matchGoal(list []goals.Goal, tool string) int {
	for i := range list {
		if list[i].Status != goals.StatusActive {
			continue
		}
		if list[i].RelatedCLI != nil && *list[i].RelatedCLI == tool {
			return i
		}
	}
	lower := strings.ToLower(tool)
	for i := range list {
		if list[i].Status != goals.StatusActive {
			continue
		}
		if strings.Contains(strings.ToLower(list[i].Concept), lower) {
			return i
		}
	}
	return -1
}

// Synthesize clusters active goals, merges near-duplicates, and
// archives stale goals.
func (s *service) Synthesize(ctx context.Context, force bool) (*SynthesizeResult, error) {
	if !force {
		due, err := s.cadenceDue(s.config.SynthesizeEvery)
		if err != nil {
			return nil, err
		}
		if !due {
			return &SynthesizeResult{Skipped: true}, nil
		}
	}

	list, err := s.goals.Load(ctx)
	if err != nil {
		return nil, err
	}

	result := &SynthesizeResult{Clusters: s.synth.AnalyzeOverlap(list)}
	for _, cluster := range result.Clusters {
		if cluster.Recommendation != goals.RecommendMerge {
			continue
		}
		merged, master, err := s.synth.MergeGoals(ctx, list, cluster.GoalIDs)
		if err != nil {
			s.logger.Warn("cluster merge failed",
				zap.String("seed", cluster.SeedID),
				zap.Error(err))
			continue
		}
		list = merged
		result.Merged++

		if err := s.auditLog.Append(ctx, audit.Entry{
			Event:       audit.EventGoalMerged,
			PatternHash: audit.HashPattern(master.Concept),
			Confidence:  cluster.MaxSimilarity,
			Details:     fmt.Sprintf("merged %d goals", len(cluster.GoalIDs)),
		}); err != nil {
			s.logger.Warn("audit append failed for goal merge", zap.Error(err))
		}
	}

	result.Archived = s.synth.ArchiveStale(list, time.Now().UTC())

	if err := s.goals.Save(ctx, list); err != nil {
		return nil, err
	}
	if err := s.markPhase(func(st *State, now time.Time) { st.LastSynthesis = now }); err != nil {
		return nil, err
	}

	s.logger.Debug("synthesis completed",
		zap.Int("clusters", len(result.Clusters)),
		zap.Int("merged", result.Merged),
		zap.Int("archived", len(result.Archived)))
	return result, nil
}

// Propose extracts candidate workflows from the window and persists the
// ones meeting the confidence floor. A tool already covered by a
// workflow with the same pattern hash is never proposed again.
func (s *service) Propose(ctx context.Context, force bool) (*ProposeResult, error) {
	if !force {
		due, err := s.cadenceDue(s.config.ProposeEvery)
		if err != nil {
			return nil, err
		}
		if !due {
			return &ProposeResult{Skipped: true}, nil
		}
	}

	events, err := s.RecentEvents(ctx, s.config.Window)
	if err != nil {
		return nil, err
	}

	tallies, order := tallyTools(events)
	result := &ProposeResult{}
	now := time.Now().UTC()

	var state *vault.State
	changed := false
	for _, tool := range order {
		t := tallies[tool]
		if t.uses < 3 {
			continue
		}
		result.Candidates++

		confidence := float64(t.uses-t.failures) / float64(t.uses)
		if confidence < s.config.MinProposalConfidence {
			continue
		}

		if state == nil {
			state, err = s.vault.LoadOrInit(ctx)
			if err != nil {
				return nil, err
			}
		}

		hash := audit.HashPattern(tool)
		if hasPattern(state, hash) {
			continue
		}

		state.Workflows = append(state.Workflows, vault.Workflow{
			ID:          vault.NewWorkflowID(),
			Name:        fmt.Sprintf("%s routine", tool),
			Pattern:     vault.Pattern{Type: vault.PatternCommand, Value: tool, Hash: hash},
			Confidence:  confidence,
			UsageCount:  t.uses,
			SuccessRate: confidence,
			Created:     now,
			LastEvolved: now,
			Impact:      vault.Impact{},
			Privacy:     vault.Privacy{ContentHash: hash, RevealPattern: false},
		})
		changed = true
		result.Accepted = append(result.Accepted, tool)

		if err := s.auditLog.Append(ctx, audit.Entry{
			Event:       audit.EventPatternLearned,
			PatternHash: hash,
			Confidence:  confidence,
		}); err != nil {
			s.logger.Warn("audit append failed for learned pattern", zap.Error(err))
		}
	}

	if changed {
		if err := s.vault.Save(ctx, state); err != nil {
			return nil, err
		}
	}
	if err := s.markPhase(func(st *State, now time.Time) { st.LastProposal = now }); err != nil {
		return nil, err
	}

	s.logger.Debug("proposal completed",
		zap.Int("candidates", result.Candidates),
		zap.Int("accepted", len(result.Accepted)))
	return result, nil
}

// hasPattern reports whether any workflow already carries the pattern
// hash.
func hasPattern(state *vault.State, hash string) bool {
	for i := range state.Workflows {
		if state.Workflows[i].Pattern.Hash == hash {
			return true
		}
	}
	return false
}

// Sync shares hash-only learned items with the remote collaborators.
// Every failure is captured into the result; Sync itself never raises.
func (s *service) Sync(ctx context.Context) *SyncResult {
	result := &SyncResult{}
	if s.remote == nil {
		result.Errors = append(result.Errors, "remote client not configured")
		return result
	}

	// A failed health check short-circuits the pass: the chronicle
	// entry goes straight to the pending queue and every other remote
	// call is skipped instead of timing out one by one.
	if !s.remote.HealthCheck(ctx) {
		result.Skipped = true
		result.Errors = append(result.Errors, "remote unhealthy, sync skipped")
		if s.pending != nil {
			entry := remote.ChronicleEntry{
				Timestamp: time.Now().UTC(),
				Event:     audit.EventRemoteSync,
			}
			if err := s.pending.Enqueue(entry); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("queue chronicle event: %v", err))
			}
		}
		if err := s.markPhase(func(st *State, now time.Time) { st.LastSync = now }); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("persist state: %v", err))
		}
		if err := s.auditLog.Append(ctx, audit.Entry{
			Event:   audit.EventRemoteSync,
			Outcome: "skipped",
		}); err != nil {
			s.logger.Warn("audit append failed for sync", zap.Error(err))
		}
		return result
	}

	if _, err := s.remote.Authenticate(ctx); err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("authenticate: %v", err))
	}

	state, err := s.vault.LoadOrInit(ctx)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("load vault: %v", err))
	} else if len(state.Workflows) > 0 {
		items := make([]remote.LearnedItem, 0, len(state.Workflows))
		for i := range state.Workflows {
			wf := &state.Workflows[i]
			items = append(items, remote.LearnedItem{
				ID:          wf.ID,
				Name:        wf.Name,
				PatternHash: wf.Pattern.Hash,
				Confidence:  wf.Confidence,
			})
		}
		if err := s.remote.RegisterLearnedItems(ctx, items); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("register learned items: %v", err))
		} else {
			result.Registered = len(items)
		}
	}

	patterns, err := s.remote.FetchCommunityPatterns(ctx)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("fetch community patterns: %v", err))
	} else {
		result.CommunityPatterns = len(patterns)
	}

	tools, err := s.remote.DiscoverTools(ctx)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("discover tools: %v", err))
	} else {
		result.ToolsDiscovered = len(tools)
	}

	entry := remote.ChronicleEntry{
		Timestamp: time.Now().UTC(),
		Event:     audit.EventRemoteSync,
	}
	if err := s.remote.LogEvent(ctx, entry); err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("log chronicle event: %v", err))
		if s.pending != nil {
			if qErr := s.pending.Enqueue(entry); qErr != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("queue chronicle event: %v", qErr))
			}
		}
	}

	if s.pending != nil {
		flushed, err := s.pending.RetryPending(ctx)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("retry pending: %v", err))
		}
		result.PendingFlushed = flushed
	}

	if err := s.markPhase(func(st *State, now time.Time) { st.LastSync = now }); err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("persist state: %v", err))
	}

	outcome := "success"
	if len(result.Errors) > 0 {
		outcome = "partial"
	}
	if err := s.auditLog.Append(ctx, audit.Entry{
		Event:   audit.EventRemoteSync,
		Outcome: outcome,
		Details: fmt.Sprintf("registered=%d errors=%d", result.Registered, len(result.Errors)),
	}); err != nil {
		s.logger.Warn("audit append failed for sync", zap.Error(err))
	}
	return result
}
