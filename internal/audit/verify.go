package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/chittyos/chittydna/internal/storage"
)

// FindingSeverity classifies an integrity finding.
type FindingSeverity string

const (
	// SeverityError marks a malformed but otherwise harmless line.
	SeverityError FindingSeverity = "error"

	// SeveritySecurityViolation marks a line that exposes raw pattern
	// content. This is a privacy breach, not a formatting problem.
	SeveritySecurityViolation FindingSeverity = "security_violation"
)

// Finding is one problem discovered during integrity verification.
type Finding struct {
	Line     int             `json:"line"`
	Severity FindingSeverity `json:"severity"`
	Message  string          `json:"message"`
}

// VerifyResult is the outcome of an integrity pass.
type VerifyResult struct {
	TotalLines         int       `json:"total_lines"`
	ValidEntries       int       `json:"valid_entries"`
	Findings           []Finding `json:"findings"`
	SecurityViolations int       `json:"security_violations"`
}

// OK reports whether the log passed without findings.
func (r *VerifyResult) OK() bool {
	return len(r.Findings) == 0
}

// VerifyIntegrity re-parses every line of the log and reports malformed
// JSON, missing timestamp/event fields, malformed timestamps, and —
// critically — any entry carrying a raw "pattern" field without a
// corresponding "pattern_hash". A bad line never aborts the pass.
func (l *Log) VerifyIntegrity(ctx context.Context) (*VerifyResult, error) {
	result := &VerifyResult{Findings: []Finding{}}

	lines, err := l.backend.ReadLines(LogPath)
	if errors.Is(err, storage.ErrNotFound) {
		return result, nil
	}
	if err != nil {
		return nil, fmt.Errorf("audit: read log: %w", err)
	}

	for i, line := range lines {
		lineNo := i + 1
		result.TotalLines++

		if len(line) == 0 {
			result.Findings = append(result.Findings, Finding{
				Line:     lineNo,
				Severity: SeverityError,
				Message:  "empty line",
			})
			continue
		}

		var raw map[string]json.RawMessage
		if err := json.Unmarshal(line, &raw); err != nil {
			result.Findings = append(result.Findings, Finding{
				Line:     lineNo,
				Severity: SeverityError,
				Message:  fmt.Sprintf("malformed JSON: %v", err),
			})
			continue
		}

		valid := true

		if _, ok := raw["timestamp"]; !ok {
			result.Findings = append(result.Findings, Finding{
				Line:     lineNo,
				Severity: SeverityError,
				Message:  "missing timestamp field",
			})
			valid = false
		} else {
			var ts time.Time
			if err := json.Unmarshal(raw["timestamp"], &ts); err != nil {
				result.Findings = append(result.Findings, Finding{
					Line:     lineNo,
					Severity: SeverityError,
					Message:  "malformed timestamp",
				})
				valid = false
			}
		}

		if eventRaw, ok := raw["event"]; !ok {
			result.Findings = append(result.Findings, Finding{
				Line:     lineNo,
				Severity: SeverityError,
				Message:  "missing event field",
			})
			valid = false
		} else {
			var event string
			if err := json.Unmarshal(eventRaw, &event); err != nil || event == "" {
				result.Findings = append(result.Findings, Finding{
					Line:     lineNo,
					Severity: SeverityError,
					Message:  "event field is not a non-empty string",
				})
				valid = false
			}
		}

		// Raw pattern content in the audit log is a privacy breach.
		if _, hasPattern := raw["pattern"]; hasPattern {
			if _, hasHash := raw["pattern_hash"]; !hasHash {
				result.Findings = append(result.Findings, Finding{
					Line:     lineNo,
					Severity: SeveritySecurityViolation,
					Message:  "raw pattern field without pattern_hash",
				})
				result.SecurityViolations++
				valid = false
			}
		}

		if valid {
			result.ValidEntries++
		}
	}
	return result, nil
}

// Stats aggregates entry counts per event kind and the invocation
// success rate over entries that carry an outcome.
type Stats struct {
	TotalEntries int            `json:"total_entries"`
	ByEvent      map[string]int `json:"by_event"`
	SuccessRate  float64        `json:"success_rate"`
}

// GetStats computes aggregate statistics over the whole log.
func (l *Log) GetStats(ctx context.Context) (*Stats, error) {
	entries, err := l.All(ctx)
	if err != nil {
		return nil, err
	}

	stats := &Stats{ByEvent: make(map[string]int)}
	var successes, outcomes int
	for _, e := range entries {
		stats.TotalEntries++
		stats.ByEvent[e.Event]++
		switch e.Outcome {
		case "success":
			successes++
			outcomes++
		case "failure":
			outcomes++
		}
	}
	if outcomes > 0 {
		stats.SuccessRate = float64(successes) / float64(outcomes)
	}
	return stats, nil
}
