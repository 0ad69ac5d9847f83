package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chittyos/chittydna/internal/storage"
)

func newTestLog(t *testing.T) (*Log, *storage.Memory) {
	t.Helper()
	backend := storage.NewMemory()
	log, err := NewLog(backend, nil)
	require.NoError(t, err)
	return log, backend
}

func TestAppendAndAll(t *testing.T) {
	ctx := context.Background()
	log, _ := newTestLog(t)

	require.NoError(t, log.Append(ctx, Entry{Event: EventVaultSaved}))
	require.NoError(t, log.Append(ctx, Entry{
		Event:       EventPatternLearned,
		PatternHash: HashPattern("git rebase -i"),
		Confidence:  0.8,
	}))

	entries, err := log.All(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, EventVaultSaved, entries[0].Event)
	assert.False(t, entries[0].Timestamp.IsZero())
	assert.Equal(t, HashPattern("git rebase -i"), entries[1].PatternHash)
}

func TestAppend_RejectsEmptyEvent(t *testing.T) {
	log, _ := newTestLog(t)
	err := log.Append(context.Background(), Entry{})
	assert.ErrorIs(t, err, ErrEmptyEvent)
}

func TestRecent(t *testing.T) {
	ctx := context.Background()
	log, _ := newTestLog(t)

	for i := 0; i < 5; i++ {
		require.NoError(t, log.Append(ctx, Entry{Event: EventToolInvocation, Outcome: "success"}))
	}
	require.NoError(t, log.Append(ctx, Entry{Event: EventVaultSaved}))

	entries, err := log.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, EventVaultSaved, entries[1].Event)
}

func TestLastEvent(t *testing.T) {
	ctx := context.Background()
	log, _ := newTestLog(t)

	first := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	second := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, log.Append(ctx, Entry{Event: EventDNAExported, Timestamp: first}))
	require.NoError(t, log.Append(ctx, Entry{Event: EventVaultSaved}))
	require.NoError(t, log.Append(ctx, Entry{Event: EventDNAExported, Timestamp: second}))

	got, err := log.LastEvent(ctx, EventDNAExported)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Timestamp.Equal(second))

	none, err := log.LastEvent(ctx, EventGoalMerged)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestVerifyIntegrity_CleanLog(t *testing.T) {
	ctx := context.Background()
	log, _ := newTestLog(t)

	require.NoError(t, log.Append(ctx, Entry{Event: EventVaultSaved}))
	require.NoError(t, log.Append(ctx, Entry{Event: EventDNAExported}))

	result, err := log.VerifyIntegrity(ctx)
	require.NoError(t, err)
	assert.True(t, result.OK())
	assert.Equal(t, 2, result.ValidEntries)
	assert.Equal(t, 0, result.SecurityViolations)
}

func TestVerifyIntegrity_Findings(t *testing.T) {
	ctx := context.Background()
	log, backend := newTestLog(t)

	require.NoError(t, backend.AppendLine(LogPath, []byte(`not json at all`)))
	require.NoError(t, backend.AppendLine(LogPath, []byte(`{"event":"vault_saved"}`)))
	require.NoError(t, backend.AppendLine(LogPath, []byte(`{"timestamp":"2026-01-01T00:00:00Z"}`)))
	require.NoError(t, backend.AppendLine(LogPath, []byte(`{"timestamp":"yesterday-ish","event":"vault_saved"}`)))

	result, err := log.VerifyIntegrity(ctx)
	require.NoError(t, err)
	assert.False(t, result.OK())
	assert.Equal(t, 4, result.TotalLines)
	assert.Equal(t, 0, result.ValidEntries)
	// One finding per line; parse errors never abort the pass.
	assert.Len(t, result.Findings, 4)
}

// A raw pattern field without pattern_hash is a security violation, and
// exactly one is reported for the offending line.
func TestVerifyIntegrity_RawPatternIsSecurityViolation(t *testing.T) {
	ctx := context.Background()
	log, backend := newTestLog(t)

	line := `{"timestamp":"2026-01-01T00:00:00Z","event":"pattern_learned","pattern":"rm -rf /tmp/cache"}`
	require.NoError(t, backend.AppendLine(LogPath, []byte(line)))

	result, err := log.VerifyIntegrity(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.SecurityViolations)

	var violations []Finding
	for _, f := range result.Findings {
		if f.Severity == SeveritySecurityViolation {
			violations = append(violations, f)
		}
	}
	require.Len(t, violations, 1)
	assert.Equal(t, 1, violations[0].Line)
}

func TestVerifyIntegrity_PatternWithHashIsAllowed(t *testing.T) {
	ctx := context.Background()
	log, backend := newTestLog(t)

	line := `{"timestamp":"2026-01-01T00:00:00Z","event":"pattern_learned","pattern":"x","pattern_hash":"abc123"}`
	require.NoError(t, backend.AppendLine(LogPath, []byte(line)))

	result, err := log.VerifyIntegrity(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.SecurityViolations)
}

func TestGetStats(t *testing.T) {
	ctx := context.Background()
	log, _ := newTestLog(t)

	require.NoError(t, log.Append(ctx, Entry{Event: EventToolInvocation, Outcome: "success"}))
	require.NoError(t, log.Append(ctx, Entry{Event: EventToolInvocation, Outcome: "success"}))
	require.NoError(t, log.Append(ctx, Entry{Event: EventToolInvocation, Outcome: "failure"}))
	require.NoError(t, log.Append(ctx, Entry{Event: EventVaultSaved}))

	stats, err := log.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.TotalEntries)
	assert.Equal(t, 3, stats.ByEvent[EventToolInvocation])
	assert.Equal(t, 1, stats.ByEvent[EventVaultSaved])
	assert.InDelta(t, 2.0/3.0, stats.SuccessRate, 1e-9)
}

func TestGetStats_EmptyLog(t *testing.T) {
	log, _ := newTestLog(t)
	stats, err := log.GetStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.TotalEntries)
	assert.Zero(t, stats.SuccessRate)
}
