package portability

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/chittyos/chittydna/internal/audit"
	"github.com/chittyos/chittydna/internal/vault"
)

// Import merges a verified document into the local vault. The hash
// check is the gate: a mismatch rejects the import wholesale with no
// partial merge. The vault is saved exactly once, after every
// collection has merged.
func (s *service) Import(ctx context.Context, doc *Document, opts ImportOptions) (*ImportResult, error) {
	ctx, span := s.tracer.Start(ctx, "portability.import",
		trace.WithAttributes(
			attribute.String("policy", string(opts.Policy)),
		),
	)
	defer span.End()

	if doc == nil {
		return nil, errors.New("portability: document is required")
	}
	if doc.Type != DocumentType {
		return nil, fmt.Errorf("%w: got %q", ErrWrongType, doc.Type)
	}

	policy := opts.Policy
	if policy == "" {
		policy = PolicyMerge
	}
	switch policy {
	case PolicyMerge, PolicyReplace, PolicyRename, PolicySkip:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPolicy, policy)
	}

	canonical, err := json.Marshal(doc.State)
	if err != nil {
		return nil, fmt.Errorf("portability: marshal document state: %w", err)
	}
	sum := sha256.Sum256(canonical)
	if hex.EncodeToString(sum[:]) != doc.Metadata.Integrity.Hash {
		return nil, ErrIntegrity
	}
	s.verifySignature(doc, canonical)

	if !doc.OwnerConsent.Portability {
		return nil, ErrNoConsent
	}

	local, err := s.vault.LoadOrInit(ctx)
	if err != nil {
		return nil, err
	}

	result := &ImportResult{}
	now := time.Now().UTC()
	s.mergeWorkflows(local, doc.State, policy, now, result)
	s.mergeTemplates(local, doc.State, policy, result)
	s.mergeIntegrations(local, doc.State, policy, result)

	if err := s.vault.Save(ctx, local); err != nil {
		return nil, err
	}

	if err := s.auditLog.Append(ctx, audit.Entry{
		Event:   audit.EventDNAImported,
		Details: fmt.Sprintf("policy=%s imported=%d errors=%d", policy, result.PatternsImported, len(result.Errors)),
	}); err != nil {
		s.logger.Warn("audit append failed after import", zap.Error(err))
	}
	if s.importCounter != nil {
		s.importCounter.Add(ctx, 1)
	}
	s.logger.Info("vault imported",
		zap.String("policy", string(policy)),
		zap.Int("patterns", result.PatternsImported),
		zap.Int("errors", len(result.Errors)))
	return result, nil
}

// verifySignature checks the detached signature against the local
// keypair. A document exported by another installation legitimately
// carries a foreign signature, so failure is surfaced as a warning
// while the hash remains the gate.
func (s *service) verifySignature(doc *Document, canonical []byte) {
	sig := doc.Metadata.Integrity.Signature
	if sig == "" {
		return
	}
	raw, err := hex.DecodeString(sig)
	if err != nil {
		s.logger.Warn("import document carries a malformed signature")
		return
	}
	key, err := s.signingKey()
	if err != nil {
		s.logger.Warn("cannot derive local signing key for verification", zap.Error(err))
		return
	}
	pub, ok := key.Public().(ed25519.PublicKey)
	if !ok || !ed25519.Verify(pub, canonical, raw) {
		s.logger.Warn("import document signature does not match the local keypair")
	}
}

func (s *service) mergeWorkflows(local, incoming *vault.State, policy MergePolicy, now time.Time, result *ImportResult) {
	for i := range incoming.Workflows {
		wf := incoming.Workflows[i]
		existing := local.FindWorkflow(wf.ID)
		if existing == nil {
			local.Workflows = append(local.Workflows, wf)
			result.PatternsImported++
			continue
		}

		switch policy {
		case PolicyMerge:
			existing.UsageCount += wf.UsageCount
			if wf.Confidence > existing.Confidence {
				existing.Confidence = wf.Confidence
			}
			existing.Impact.TimeSavedMinutes += wf.Impact.TimeSavedMinutes
			existing.LastEvolved = now
			result.PatternsImported++
		case PolicyReplace:
			*existing = wf
			result.PatternsImported++
		case PolicyRename:
			renamed := wf
			renamed.ID = vault.NewWorkflowID()
			renamed.Name = wf.Name + " (imported)"
			local.Workflows = append(local.Workflows, renamed)
			result.PatternsImported++
		case PolicySkip:
			result.Errors = append(result.Errors,
				fmt.Sprintf("workflow %s skipped: already exists", wf.ID))
		}
	}
}

func (s *service) mergeTemplates(local, incoming *vault.State, policy MergePolicy, result *ImportResult) {
	for i := range incoming.CommandTemplates {
		tpl := incoming.CommandTemplates[i]
		idx := -1
		for j := range local.CommandTemplates {
			if local.CommandTemplates[j].ID == tpl.ID {
				idx = j
				break
			}
		}
		if idx < 0 {
			local.CommandTemplates = append(local.CommandTemplates, tpl)
			continue
		}
		switch policy {
		case PolicyReplace:
			local.CommandTemplates[idx] = tpl
		case PolicySkip:
			result.Errors = append(result.Errors,
				fmt.Sprintf("template %s skipped: already exists", tpl.ID))
		default:
			// merge and rename keep the existing template.
		}
	}
}

func (s *service) mergeIntegrations(local, incoming *vault.State, policy MergePolicy, result *ImportResult) {
	for i := range incoming.Integrations {
		integ := incoming.Integrations[i]
		idx := -1
		for j := range local.Integrations {
			if local.Integrations[j].Key == integ.Key {
				idx = j
				break
			}
		}
		if idx < 0 {
			local.Integrations = append(local.Integrations, integ)
			continue
		}
		switch policy {
		case PolicyReplace:
			local.Integrations[idx] = integ
		case PolicySkip:
			result.Errors = append(result.Errors,
				fmt.Sprintf("integration %s skipped: already exists", integ.Key))
		default:
			// merge and rename keep the existing integration.
		}
	}
}
