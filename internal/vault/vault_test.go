package vault

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chittyos/chittydna/internal/audit"
	"github.com/chittyos/chittydna/internal/storage"
)

func newTestVault(t *testing.T, cfg *Config) (Vault, *storage.Memory, *audit.Log) {
	t.Helper()
	backend := storage.NewMemory()
	log, err := audit.NewLog(backend, nil)
	require.NoError(t, err)
	v, err := NewVault(cfg, backend, log, nil)
	require.NoError(t, err)
	return v, backend, log
}

func sampleState() *State {
	s := NewState()
	s.Workflows = append(s.Workflows, Workflow{
		ID:   "wf1",
		Name: "git rebase helper",
		Pattern: Pattern{
			Type:  PatternCommand,
			Value: "git rebase -i HEAD~3",
			Hash:  audit.HashPattern("git rebase -i HEAD~3"),
		},
		Confidence:  0.9,
		UsageCount:  5,
		SuccessRate: 0.8,
		Created:     time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Impact:      Impact{TimeSavedMinutes: 12},
		Privacy:     Privacy{ContentHash: audit.HashPattern("git rebase -i HEAD~3"), RevealPattern: true},
	})
	s.Preferences["editor"] = "vim"
	return s
}

func TestSaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	v, _, _ := newTestVault(t, nil)

	want := sampleState()
	require.NoError(t, v.Save(ctx, want))

	got, err := v.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestLoad_NotInitialized(t *testing.T) {
	v, _, _ := newTestVault(t, nil)
	_, err := v.Load(context.Background())
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestLoadOrInit(t *testing.T) {
	ctx := context.Background()
	v, _, _ := newTestVault(t, nil)

	state, err := v.LoadOrInit(ctx)
	require.NoError(t, err)
	assert.Empty(t, state.Workflows)
	assert.NotNil(t, state.Preferences)
}

// Vault content must never reach disk unencrypted.
func TestSave_NoPlaintextOnDisk(t *testing.T) {
	ctx := context.Background()
	v, backend, _ := newTestVault(t, nil)

	require.NoError(t, v.Save(ctx, sampleState()))

	frame, err := backend.ReadFile(PrimaryPath)
	require.NoError(t, err)
	assert.NotContains(t, string(frame), "git rebase")
	assert.NotContains(t, string(frame), "workflows")
}

func TestBlobFraming(t *testing.T) {
	ctx := context.Background()
	v, backend, _ := newTestVault(t, nil)

	require.NoError(t, v.Save(ctx, sampleState()))

	frame, err := backend.ReadFile(PrimaryPath)
	require.NoError(t, err)
	// nonce(16) || tag(16) || non-empty ciphertext
	assert.Greater(t, len(frame), nonceSize+tagSize)
}

// Flipping any single bit of the tag or ciphertext must fail
// authentication; no partial plaintext is ever returned.
func TestTamperDetection(t *testing.T) {
	ctx := context.Background()

	regions := []struct {
		name   string
		offset func(frame []byte) int
	}{
		{name: "nonce", offset: func([]byte) int { return 0 }},
		{name: "tag", offset: func([]byte) int { return nonceSize }},
		{name: "ciphertext first byte", offset: func([]byte) int { return nonceSize + tagSize }},
		{name: "ciphertext last byte", offset: func(frame []byte) int { return len(frame) - 1 }},
	}

	for _, region := range regions {
		t.Run(region.name, func(t *testing.T) {
			v, backend, _ := newTestVault(t, nil)
			require.NoError(t, v.Save(ctx, sampleState()))

			frame, err := backend.ReadFile(PrimaryPath)
			require.NoError(t, err)

			tampered := append([]byte(nil), frame...)
			tampered[region.offset(tampered)] ^= 0x01
			require.NoError(t, backend.WriteFile(PrimaryPath, tampered, 0600))

			_, err = v.Load(ctx)
			assert.ErrorIs(t, err, ErrAuthentication)
		})
	}
}

func TestLoad_TruncatedBlob(t *testing.T) {
	ctx := context.Background()
	v, backend, _ := newTestVault(t, nil)

	require.NoError(t, backend.WriteFile(PrimaryPath, []byte("short"), 0600))
	_, err := v.Load(ctx)
	assert.ErrorIs(t, err, ErrMalformedBlob)
}

// Each save uses a fresh nonce, so identical states produce different
// frames.
func TestSave_FreshNoncePerCall(t *testing.T) {
	ctx := context.Background()
	v, backend, _ := newTestVault(t, nil)

	state := sampleState()
	require.NoError(t, v.Save(ctx, state))
	first, err := backend.ReadFile(PrimaryPath)
	require.NoError(t, err)

	require.NoError(t, v.Save(ctx, state))
	second, err := backend.ReadFile(PrimaryPath)
	require.NoError(t, err)

	assert.False(t, bytes.Equal(first[:nonceSize], second[:nonceSize]))
}

func TestKeyPersistsAcrossInstances(t *testing.T) {
	ctx := context.Background()
	backend := storage.NewMemory()
	log, err := audit.NewLog(backend, nil)
	require.NoError(t, err)

	v1, err := NewVault(nil, backend, log, nil)
	require.NoError(t, err)
	require.NoError(t, v1.Save(ctx, sampleState()))

	// A second vault over the same backend reuses the stored key.
	v2, err := NewVault(nil, backend, log, nil)
	require.NoError(t, err)
	got, err := v2.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "wf1", got.Workflows[0].ID)
}

func TestDeriveKey_DeterministicPerPurpose(t *testing.T) {
	v, _, _ := newTestVault(t, nil)

	a1, err := v.DeriveKey("pdx-signing", 32)
	require.NoError(t, err)
	a2, err := v.DeriveKey("pdx-signing", 32)
	require.NoError(t, err)
	b, err := v.DeriveKey("other", 32)
	require.NoError(t, err)

	assert.Equal(t, a1, a2)
	assert.NotEqual(t, a1, b)
}

func TestSave_AppendsHashOnlyAuditEntry(t *testing.T) {
	ctx := context.Background()
	v, _, log := newTestVault(t, nil)

	require.NoError(t, v.Save(ctx, sampleState()))

	entries, err := log.All(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, audit.EventVaultSaved, entries[0].Event)
	assert.Len(t, entries[0].PatternHash, 64)
	assert.NotContains(t, entries[0].Details, "git rebase")
}

func TestWatch_UnsupportedBackend(t *testing.T) {
	v, _, _ := newTestVault(t, nil)
	err := v.Watch(context.Background())
	assert.ErrorIs(t, err, ErrWatchUnsupported)
}
