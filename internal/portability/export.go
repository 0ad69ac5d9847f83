package portability

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/chittyos/chittydna/internal/audit"
	"github.com/chittyos/chittydna/internal/vault"
)

// Export builds the portable export document.
func (s *service) Export(ctx context.Context, opts ExportOptions) (*ExportResult, error) {
	ctx, span := s.tracer.Start(ctx, "portability.export",
		trace.WithAttributes(
			attribute.String("privacy", string(opts.Privacy)),
		),
	)
	defer span.End()

	switch opts.Privacy {
	case PrivacyFull, PrivacyHashOnly:
	case PrivacyZK:
		return nil, ErrZKUnsupported
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPrivacy, opts.Privacy)
	}

	// One export per rolling 24-hour window, gated by the audit trail.
	last, err := s.auditLog.LastEvent(ctx, audit.EventDNAExported)
	if err != nil {
		return nil, err
	}
	if last != nil {
		next := last.Timestamp.Add(ExportInterval)
		if time.Now().UTC().Before(next) {
			return &ExportResult{Allowed: false, NextAllowed: next}, nil
		}
	}

	state, err := s.vault.Load(ctx)
	if err != nil {
		return nil, err
	}

	transformed, err := applyPrivacy(state, opts.Privacy)
	if err != nil {
		return nil, err
	}

	canonical, err := json.Marshal(transformed)
	if err != nil {
		return nil, fmt.Errorf("portability: marshal state: %w", err)
	}
	sum := sha256.Sum256(canonical)

	key, err := s.signingKey()
	if err != nil {
		return nil, err
	}
	signature := ed25519.Sign(key, canonical)

	consent := opts.Consent
	if consent.Timestamp.IsZero() {
		consent.Timestamp = time.Now().UTC()
	}

	doc := &Document{
		Type:         DocumentType,
		Version:      DocumentVersion,
		OwnerConsent: consent,
		License:      opts.License,
		State:        transformed,
		Metadata: Metadata{
			Integrity: Integrity{
				Algorithm: HashAlgorithm,
				Hash:      hex.EncodeToString(sum[:]),
				Signature: hex.EncodeToString(signature),
			},
		},
	}

	if err := s.auditLog.Append(ctx, audit.Entry{
		Event:   audit.EventDNAExported,
		Details: string(opts.Privacy),
	}); err != nil {
		return nil, fmt.Errorf("portability: record export: %w", err)
	}

	if s.exportCounter != nil {
		s.exportCounter.Add(ctx, 1)
	}
	s.logger.Info("vault exported",
		zap.String("privacy", string(opts.Privacy)),
		zap.Int("workflows", len(transformed.Workflows)))

	return &ExportResult{Allowed: true, Document: doc}, nil
}

// applyPrivacy returns a transformed deep copy of state. The input is
// never mutated.
func applyPrivacy(state *vault.State, mode PrivacyMode) (*vault.State, error) {
	copied, err := cloneState(state)
	if err != nil {
		return nil, err
	}
	if mode == PrivacyFull {
		return copied, nil
	}

	for i := range copied.Workflows {
		wf := &copied.Workflows[i]
		if wf.Pattern.Hash == "" {
			wf.Pattern.Hash = audit.HashPattern(wf.Pattern.Value)
		}
		wf.Pattern.Value = wf.Pattern.Hash
		wf.Privacy.RevealPattern = false
	}
	for i := range copied.ContextMemory {
		entry := &copied.ContextMemory[i]
		if entry.ContentHash == "" {
			entry.ContentHash = audit.HashPattern(entry.Content)
		}
		entry.Content = entry.ContentHash
		entry.Reveal = false
	}
	return copied, nil
}

// cloneState deep-copies the aggregate state through its JSON form.
func cloneState(state *vault.State) (*vault.State, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("portability: clone state: %w", err)
	}
	out := vault.NewState()
	if err := json.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("portability: clone state: %w", err)
	}
	return out, nil
}
