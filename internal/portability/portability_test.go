package portability

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chittyos/chittydna/internal/audit"
	"github.com/chittyos/chittydna/internal/storage"
	"github.com/chittyos/chittydna/internal/vault"
)

func newTestService(t *testing.T) (Service, vault.Vault, *audit.Log) {
	t.Helper()
	logger := zap.NewNop()
	backend := storage.NewMemory()

	auditLog, err := audit.NewLog(backend, logger)
	require.NoError(t, err)
	vlt, err := vault.NewVault(vault.DefaultConfig(), backend, auditLog, logger)
	require.NoError(t, err)
	svc, err := New(vlt, auditLog, logger)
	require.NoError(t, err)
	return svc, vlt, auditLog
}

func sampleState() *vault.State {
	state := vault.NewState()
	state.Workflows = append(state.Workflows, vault.Workflow{
		ID:          "wf1",
		Name:        "git rebase helper",
		Pattern:     vault.Pattern{Type: vault.PatternCommand, Value: "git rebase -i", Hash: audit.HashPattern("git rebase -i")},
		Confidence:  0.9,
		UsageCount:  5,
		SuccessRate: 0.9,
		Privacy:     vault.Privacy{ContentHash: audit.HashPattern("git rebase -i"), RevealPattern: true},
	})
	state.Preferences["editor"] = "vim"
	state.CommandTemplates = append(state.CommandTemplates, vault.CommandTemplate{
		ID:       "tpl1",
		Name:     "deploy",
		Template: "make deploy ENV={{env}}",
	})
	state.Integrations = append(state.Integrations, vault.Integration{
		Key:     "github",
		Type:    "vcs",
		Enabled: true,
	})
	state.ContextMemory = append(state.ContextMemory, vault.ContextMemoryEntry{
		ID:      "cm1",
		Content: "working on the billing service",
		Reveal:  true,
	})
	return state
}

// makeDocument wraps a state the way Export does, without the rate
// limit or signature.
func makeDocument(t *testing.T, state *vault.State) *Document {
	t.Helper()
	canonical, err := json.Marshal(state)
	require.NoError(t, err)
	sum := sha256.Sum256(canonical)
	return &Document{
		Type:    DocumentType,
		Version: DocumentVersion,
		OwnerConsent: Consent{
			Learning:    true,
			Portability: true,
			Timestamp:   time.Now().UTC(),
		},
		State: state,
		Metadata: Metadata{
			Integrity: Integrity{
				Algorithm: HashAlgorithm,
				Hash:      hex.EncodeToString(sum[:]),
			},
		},
	}
}

func consented() Consent {
	return Consent{Learning: true, Portability: true, Attribution: true}
}

func TestExport_FullRoundTrip(t *testing.T) {
	svc, vlt, _ := newTestService(t)
	ctx := context.Background()
	require.NoError(t, vlt.Save(ctx, sampleState()))

	result, err := svc.Export(ctx, ExportOptions{Privacy: PrivacyFull, Consent: consented()})
	require.NoError(t, err)
	require.True(t, result.Allowed)
	doc := result.Document
	require.NotNil(t, doc)

	assert.Equal(t, DocumentType, doc.Type)
	assert.Equal(t, DocumentVersion, doc.Version)
	assert.True(t, doc.OwnerConsent.Portability)
	assert.False(t, doc.OwnerConsent.Timestamp.IsZero())
	assert.Equal(t, "git rebase -i", doc.State.Workflows[0].Pattern.Value)

	// The integrity hash covers the document state exactly.
	canonical, err := json.Marshal(doc.State)
	require.NoError(t, err)
	sum := sha256.Sum256(canonical)
	assert.Equal(t, hex.EncodeToString(sum[:]), doc.Metadata.Integrity.Hash)
	assert.Equal(t, HashAlgorithm, doc.Metadata.Integrity.Algorithm)
	assert.NotEmpty(t, doc.Metadata.Integrity.Signature)
}

func TestExport_HashOnlyTransform(t *testing.T) {
	svc, vlt, _ := newTestService(t)
	ctx := context.Background()
	require.NoError(t, vlt.Save(ctx, sampleState()))

	result, err := svc.Export(ctx, ExportOptions{Privacy: PrivacyHashOnly, Consent: consented()})
	require.NoError(t, err)
	require.True(t, result.Allowed)

	wf := result.Document.State.Workflows[0]
	assert.Equal(t, audit.HashPattern("git rebase -i"), wf.Pattern.Value)
	assert.False(t, wf.Privacy.RevealPattern)

	cm := result.Document.State.ContextMemory[0]
	assert.NotEqual(t, "working on the billing service", cm.Content)
	assert.False(t, cm.Reveal)

	// The stored vault keeps the raw values.
	stored, err := vlt.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "git rebase -i", stored.Workflows[0].Pattern.Value)
	assert.True(t, stored.Workflows[0].Privacy.RevealPattern)
}

func TestExport_ZKFailsLoudly(t *testing.T) {
	svc, vlt, _ := newTestService(t)
	ctx := context.Background()
	require.NoError(t, vlt.Save(ctx, sampleState()))

	_, err := svc.Export(ctx, ExportOptions{Privacy: PrivacyZK, Consent: consented()})
	assert.ErrorIs(t, err, ErrZKUnsupported)

	_, err = svc.Export(ctx, ExportOptions{Privacy: "anonymize", Consent: consented()})
	assert.ErrorIs(t, err, ErrUnknownPrivacy)
}

func TestExport_RateLimitedWithinWindow(t *testing.T) {
	svc, vlt, _ := newTestService(t)
	ctx := context.Background()
	require.NoError(t, vlt.Save(ctx, sampleState()))

	first, err := svc.Export(ctx, ExportOptions{Privacy: PrivacyFull, Consent: consented()})
	require.NoError(t, err)
	require.True(t, first.Allowed)

	second, err := svc.Export(ctx, ExportOptions{Privacy: PrivacyFull, Consent: consented()})
	require.NoError(t, err)
	assert.False(t, second.Allowed)
	assert.Nil(t, second.Document)
	assert.WithinDuration(t, time.Now().UTC().Add(ExportInterval), second.NextAllowed, time.Minute)
}

func TestExport_AllowedAfterWindow(t *testing.T) {
	svc, vlt, auditLog := newTestService(t)
	ctx := context.Background()
	require.NoError(t, vlt.Save(ctx, sampleState()))

	// A previous export 25 hours ago no longer blocks.
	require.NoError(t, auditLog.Append(ctx, audit.Entry{
		Timestamp: time.Now().UTC().Add(-25 * time.Hour),
		Event:     audit.EventDNAExported,
	}))

	result, err := svc.Export(ctx, ExportOptions{Privacy: PrivacyFull, Consent: consented()})
	require.NoError(t, err)
	assert.True(t, result.Allowed)
}

func TestExport_UninitializedVault(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.Export(context.Background(), ExportOptions{Privacy: PrivacyFull})
	assert.ErrorIs(t, err, vault.ErrNotInitialized)
}

func TestImport_TypeAndPolicyValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Import(ctx, nil, ImportOptions{})
	require.Error(t, err)

	doc := makeDocument(t, sampleState())
	doc.Type = "NotDNA"
	_, err = svc.Import(ctx, doc, ImportOptions{})
	assert.ErrorIs(t, err, ErrWrongType)

	doc = makeDocument(t, sampleState())
	_, err = svc.Import(ctx, doc, ImportOptions{Policy: "fuse"})
	assert.ErrorIs(t, err, ErrUnknownPolicy)
}

func TestImport_IntegrityMismatchRejectsWholesale(t *testing.T) {
	svc, vlt, _ := newTestService(t)
	ctx := context.Background()

	doc := makeDocument(t, sampleState())
	doc.State.Workflows[0].UsageCount = 999

	_, err := svc.Import(ctx, doc, ImportOptions{Policy: PolicyMerge})
	assert.ErrorIs(t, err, ErrIntegrity)

	// No partial merge: the vault was never written.
	_, err = vlt.Load(ctx)
	assert.ErrorIs(t, err, vault.ErrNotInitialized)
}

func TestImport_ConsentRequired(t *testing.T) {
	svc, _, _ := newTestService(t)

	state := sampleState()
	doc := makeDocument(t, state)
	doc.OwnerConsent.Portability = false

	_, err := svc.Import(context.Background(), doc, ImportOptions{Policy: PolicyMerge})
	assert.ErrorIs(t, err, ErrNoConsent)
}

func TestImport_IntoEmptyVault(t *testing.T) {
	svc, vlt, _ := newTestService(t)
	ctx := context.Background()

	result, err := svc.Import(ctx, makeDocument(t, sampleState()), ImportOptions{Policy: PolicyMerge})
	require.NoError(t, err)
	assert.Equal(t, 1, result.PatternsImported)
	assert.Empty(t, result.Errors)

	state, err := vlt.Load(ctx)
	require.NoError(t, err)
	require.Len(t, state.Workflows, 1)
	assert.Len(t, state.CommandTemplates, 1)
	assert.Len(t, state.Integrations, 1)
}

func TestImport_MergePolicyCombines(t *testing.T) {
	svc, vlt, _ := newTestService(t)
	ctx := context.Background()

	local := sampleState()
	local.Workflows[0].Confidence = 0.6
	local.Workflows[0].Impact.TimeSavedMinutes = 10
	require.NoError(t, vlt.Save(ctx, local))

	incoming := sampleState()
	incoming.Workflows[0].UsageCount = 3
	incoming.Workflows[0].Confidence = 0.9
	incoming.Workflows[0].Impact.TimeSavedMinutes = 4

	result, err := svc.Import(ctx, makeDocument(t, incoming), ImportOptions{Policy: PolicyMerge})
	require.NoError(t, err)
	assert.Equal(t, 1, result.PatternsImported)

	state, err := vlt.Load(ctx)
	require.NoError(t, err)
	require.Len(t, state.Workflows, 1)
	wf := state.Workflows[0]
	assert.Equal(t, 8, wf.UsageCount)
	assert.Equal(t, 0.9, wf.Confidence)
	assert.Equal(t, 14.0, wf.Impact.TimeSavedMinutes)
	assert.True(t, wf.UsageCount >= 5)
}

func TestImport_SkipPolicyKeepsLocal(t *testing.T) {
	svc, vlt, _ := newTestService(t)
	ctx := context.Background()
	require.NoError(t, vlt.Save(ctx, sampleState()))

	incoming := vault.NewState()
	incoming.Workflows = append(incoming.Workflows, sampleState().Workflows[0])
	incoming.Workflows[0].UsageCount = 3

	result, err := svc.Import(ctx, makeDocument(t, incoming), ImportOptions{Policy: PolicySkip})
	require.NoError(t, err)
	assert.Equal(t, 0, result.PatternsImported)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "wf1")

	state, err := vlt.Load(ctx)
	require.NoError(t, err)
	require.Len(t, state.Workflows, 1)
	assert.Equal(t, 5, state.Workflows[0].UsageCount)
}

func TestImport_ReplacePolicyOverwrites(t *testing.T) {
	svc, vlt, _ := newTestService(t)
	ctx := context.Background()
	require.NoError(t, vlt.Save(ctx, sampleState()))

	incoming := sampleState()
	incoming.Workflows[0].UsageCount = 3
	incoming.Workflows[0].Name = "rebase helper v2"

	result, err := svc.Import(ctx, makeDocument(t, incoming), ImportOptions{Policy: PolicyReplace})
	require.NoError(t, err)
	assert.Equal(t, 1, result.PatternsImported)

	state, err := vlt.Load(ctx)
	require.NoError(t, err)
	require.Len(t, state.Workflows, 1)
	assert.Equal(t, 3, state.Workflows[0].UsageCount)
	assert.Equal(t, "rebase helper v2", state.Workflows[0].Name)
}

func TestImport_RenamePolicyNeverCollides(t *testing.T) {
	svc, vlt, _ := newTestService(t)
	ctx := context.Background()
	require.NoError(t, vlt.Save(ctx, sampleState()))

	result, err := svc.Import(ctx, makeDocument(t, sampleState()), ImportOptions{Policy: PolicyRename})
	require.NoError(t, err)
	assert.Equal(t, 1, result.PatternsImported)

	state, err := vlt.Load(ctx)
	require.NoError(t, err)
	require.Len(t, state.Workflows, 2)
	assert.NotEqual(t, state.Workflows[0].ID, state.Workflows[1].ID)
	assert.Equal(t, "git rebase helper (imported)", state.Workflows[1].Name)
	assert.Equal(t, 5, state.Workflows[0].UsageCount)
}

func TestImport_DefaultsToMerge(t *testing.T) {
	svc, vlt, _ := newTestService(t)
	ctx := context.Background()
	require.NoError(t, vlt.Save(ctx, sampleState()))

	result, err := svc.Import(ctx, makeDocument(t, sampleState()), ImportOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, result.PatternsImported)

	state, err := vlt.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, state.Workflows[0].UsageCount)
}

func TestImport_RecordsAuditEntry(t *testing.T) {
	svc, _, auditLog := newTestService(t)
	ctx := context.Background()

	_, err := svc.Import(ctx, makeDocument(t, sampleState()), ImportOptions{Policy: PolicyMerge})
	require.NoError(t, err)

	last, err := auditLog.LastEvent(ctx, audit.EventDNAImported)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Contains(t, last.Details, "policy=merge")
}

func TestExportImport_RoundTrip(t *testing.T) {
	source, sourceVault, _ := newTestService(t)
	target, targetVault, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, sourceVault.Save(ctx, sampleState()))
	exported, err := source.Export(ctx, ExportOptions{Privacy: PrivacyFull, Consent: consented()})
	require.NoError(t, err)
	require.True(t, exported.Allowed)

	result, err := target.Import(ctx, exported.Document, ImportOptions{Policy: PolicyMerge})
	require.NoError(t, err)
	assert.Equal(t, 1, result.PatternsImported)

	state, err := targetVault.Load(ctx)
	require.NoError(t, err)
	require.Len(t, state.Workflows, 1)
	assert.Equal(t, "git rebase helper", state.Workflows[0].Name)
	assert.Equal(t, "vim", state.Preferences["editor"])
}
