package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chittyos/chittydna/internal/audit"
	"github.com/chittyos/chittydna/internal/goals"
	"github.com/chittyos/chittydna/internal/pipeline"
	"github.com/chittyos/chittydna/internal/portability"
	"github.com/chittyos/chittydna/internal/remote"
	"github.com/chittyos/chittydna/internal/secrets"
	"github.com/chittyos/chittydna/internal/storage"
	"github.com/chittyos/chittydna/internal/vault"
)

type stack struct {
	server   *Server
	vault    vault.Vault
	auditLog *audit.Log
}

func newTestServer(t *testing.T) *stack {
	t.Helper()
	logger := zap.NewNop()
	backend := storage.NewMemory()

	auditLog, err := audit.NewLog(backend, logger)
	require.NoError(t, err)
	vlt, err := vault.NewVault(vault.DefaultConfig(), backend, auditLog, logger)
	require.NoError(t, err)
	goalStore, err := goals.NewStore(backend)
	require.NoError(t, err)
	synth := goals.NewSynthesizer(nil, logger)
	scrubber, err := secrets.New(secrets.DefaultConfig())
	require.NoError(t, err)
	client := remote.NewStubClient()
	pending, err := remote.NewPendingQueue(backend, client, logger)
	require.NoError(t, err)

	pipe, err := pipeline.New(nil, backend, vlt, goalStore, synth, auditLog, scrubber, client, pending, logger)
	require.NoError(t, err)
	port, err := portability.New(vlt, auditLog, logger)
	require.NoError(t, err)

	srv, err := New(nil, pipe, port, auditLog, goalStore, nil, logger)
	require.NoError(t, err)
	return &stack{server: srv, vault: vlt, auditLog: auditLog}
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(echoContentType, "application/json")
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}

const echoContentType = "Content-Type"

func TestHealth(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s.server, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestObserve(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s.server, http.MethodPost, "/api/v1/events", map[string]any{
		"kind":      "tool_post",
		"tool_name": "git",
	})
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = doJSON(t, s.server, http.MethodPost, "/api/v1/events", map[string]any{
		"kind": "bogus",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPhases(t *testing.T) {
	s := newTestServer(t)

	for _, phase := range []string{"reflect", "synthesize", "propose", "sync"} {
		rec := doJSON(t, s.server, http.MethodPost, "/api/v1/phases/"+phase, nil)
		assert.Equal(t, http.StatusOK, rec.Code, phase)
	}

	rec := doJSON(t, s.server, http.MethodPost, "/api/v1/phases/meditate", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestExport(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	state := vault.NewState()
	state.Preferences["editor"] = "vim"
	require.NoError(t, s.vault.Save(ctx, state))

	rec := doJSON(t, s.server, http.MethodPost, "/api/v1/export", ExportRequest{
		Privacy: "full",
		Consent: portability.Consent{Learning: true, Portability: true},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var result portability.ExportResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.True(t, result.Allowed)
	require.NotNil(t, result.Document)
	assert.Equal(t, portability.DocumentType, result.Document.Type)

	// Second export inside the window is refused, not failed.
	rec = doJSON(t, s.server, http.MethodPost, "/api/v1/export", ExportRequest{
		Privacy: "full",
		Consent: portability.Consent{Portability: true},
	})
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.False(t, result.Allowed)
	assert.False(t, result.NextAllowed.IsZero())
}

func TestExport_ZKRejected(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, s.vault.Save(context.Background(), vault.NewState()))

	rec := doJSON(t, s.server, http.MethodPost, "/api/v1/export", ExportRequest{Privacy: "zk"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestImport(t *testing.T) {
	s := newTestServer(t)

	state := vault.NewState()
	state.Workflows = append(state.Workflows, vault.Workflow{
		ID:      "wf1",
		Name:    "rebase helper",
		Pattern: vault.Pattern{Type: vault.PatternCommand, Value: "git rebase", Hash: audit.HashPattern("git rebase")},
	})
	doc := makeDocument(t, state)

	rec := doJSON(t, s.server, http.MethodPost, "/api/v1/import", ImportRequest{
		Document: doc,
		Policy:   "merge",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var result portability.ImportResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, 1, result.PatternsImported)

	// A tampered document is rejected.
	doc.State.Workflows[0].UsageCount = 42
	rec = doJSON(t, s.server, http.MethodPost, "/api/v1/import", ImportRequest{
		Document: doc,
		Policy:   "merge",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuditEndpoints(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, s.auditLog.Append(ctx, audit.Entry{
		Event:   audit.EventToolInvocation,
		Outcome: "success",
	}))

	rec := doJSON(t, s.server, http.MethodGet, "/api/v1/audit/verify", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var verify audit.VerifyResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &verify))
	assert.True(t, verify.OK())

	rec = doJSON(t, s.server, http.MethodGet, "/api/v1/audit/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats audit.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.TotalEntries)
}

func TestGoals(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s.server, http.MethodGet, "/api/v1/goals", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var list []goals.Goal
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Empty(t, list)
}

// makeDocument wraps a state in a consented, integrity-hashed document.
func makeDocument(t *testing.T, state *vault.State) *portability.Document {
	t.Helper()
	canonical, err := json.Marshal(state)
	require.NoError(t, err)
	return &portability.Document{
		Type:         portability.DocumentType,
		Version:      portability.DocumentVersion,
		OwnerConsent: portability.Consent{Portability: true},
		State:        state,
		Metadata: portability.Metadata{
			Integrity: portability.Integrity{
				Algorithm: portability.HashAlgorithm,
				Hash:      sha256Hex(canonical),
			},
		},
	}
}

func sha256Hex(data []byte) string {
	return audit.HashPattern(string(data))
}
