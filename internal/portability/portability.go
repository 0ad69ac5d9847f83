// Package portability serializes the vault into a signed, privacy
// transformed export document and merges an imported document back in
// under a caller-chosen conflict policy.
package portability

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/chittyos/chittydna/internal/audit"
	"github.com/chittyos/chittydna/internal/vault"
)

const instrumentationName = "github.com/chittyos/chittydna/internal/portability"

// Document framing constants.
const (
	DocumentType    = "ChittyDNA"
	DocumentVersion = "1.0"

	// HashAlgorithm names the integrity hash in the document.
	HashAlgorithm = "sha256"

	// SignatureScheme names the detached signature in the document.
	SignatureScheme = "ed25519"

	// signingPurpose binds the signing seed derivation to exports.
	signingPurpose = "pdx-signing"

	// ExportInterval is the rolling rate-limit window.
	ExportInterval = 24 * time.Hour
)

// PrivacyMode selects the transform applied to the state before export.
type PrivacyMode string

const (
	// PrivacyFull exports the state as-is.
	PrivacyFull PrivacyMode = "full"

	// PrivacyHashOnly replaces pattern values and context-memory
	// content with their hashes.
	PrivacyHashOnly PrivacyMode = "hash-only"

	// PrivacyZK is declared but unsupported. Selecting it fails loudly,
	// never degrades to another mode.
	PrivacyZK PrivacyMode = "zk"
)

// MergePolicy resolves collisions between imported and local entities.
type MergePolicy string

const (
	// PolicyMerge combines colliding workflows: usage counts sum,
	// confidence takes the max, time saved sums.
	PolicyMerge MergePolicy = "merge"

	// PolicyReplace overwrites the local entity with the incoming one.
	PolicyReplace MergePolicy = "replace"

	// PolicyRename keeps the incoming workflow under a derived
	// identity, never overwriting.
	PolicyRename MergePolicy = "rename"

	// PolicySkip drops the incoming entity and records an error.
	PolicySkip MergePolicy = "skip"
)

// Errors for portability operations.
var (
	// ErrZKUnsupported is returned for the zk privacy mode.
	ErrZKUnsupported = errors.New("portability: zk privacy transform is not supported")

	// ErrUnknownPrivacy is returned for an unrecognized privacy mode.
	ErrUnknownPrivacy = errors.New("portability: unknown privacy mode")

	// ErrUnknownPolicy is returned for an unrecognized merge policy.
	ErrUnknownPolicy = errors.New("portability: unknown merge policy")

	// ErrWrongType means the document does not declare itself ChittyDNA.
	ErrWrongType = errors.New("portability: document type mismatch")

	// ErrIntegrity means the recomputed content hash does not match the
	// stored one. The import is rejected wholesale.
	ErrIntegrity = errors.New("portability: integrity hash mismatch")

	// ErrNoConsent means the document's portability consent is not set.
	ErrNoConsent = errors.New("portability: document lacks portability consent")
)

// Consent records what the owner agreed to when exporting.
type Consent struct {
	Learning    bool      `json:"learning"`
	Portability bool      `json:"portability"`
	Attribution bool      `json:"attribution"`
	Marketplace bool      `json:"marketplace"`
	Timestamp   time.Time `json:"timestamp"`
	Signature   string    `json:"signature,omitempty"`
}

// License scopes what the receiving side may do with the document.
type License struct {
	Type    string    `json:"type"`
	Grant   string    `json:"grant"`
	Scope   string    `json:"scope"`
	Expires time.Time `json:"expires,omitempty"`
}

// Integrity carries the content hash and detached signature.
type Integrity struct {
	Algorithm string `json:"algorithm"`
	Hash      string `json:"hash"`
	Signature string `json:"signature,omitempty"`
}

// Metadata wraps the integrity block.
type Metadata struct {
	Integrity Integrity `json:"integrity"`
}

// Document is the portable export document (PDX).
type Document struct {
	Type         string       `json:"type"`
	Version      string       `json:"version"`
	OwnerConsent Consent      `json:"ownerConsent"`
	License      License      `json:"license"`
	State        *vault.State `json:"state"`
	Metadata     Metadata     `json:"metadata"`
}

// ExportOptions configures one export.
type ExportOptions struct {
	Privacy PrivacyMode
	Consent Consent
	License License
}

// ExportResult is the outcome of an export attempt. A rate-limited
// attempt is not an error: Allowed is false and NextAllowed says when
// to come back.
type ExportResult struct {
	Allowed     bool      `json:"allowed"`
	NextAllowed time.Time `json:"next_allowed,omitempty"`
	Document    *Document `json:"document,omitempty"`
}

// ImportOptions configures one import.
type ImportOptions struct {
	Policy MergePolicy
}

// ImportResult reports what an import changed.
type ImportResult struct {
	PatternsImported int      `json:"patterns_imported"`
	Errors           []string `json:"errors,omitempty"`
}

// Service is the portability subsystem.
type Service interface {
	// Export loads the vault, applies the privacy transform, signs the
	// result, and wraps it in a consented document. One export per
	// rolling 24-hour window.
	Export(ctx context.Context, opts ExportOptions) (*ExportResult, error)

	// Import merges a verified document into the local vault under the
	// chosen policy, saving the vault once after all collections merge.
	Import(ctx context.Context, doc *Document, opts ImportOptions) (*ImportResult, error)
}

// service implements Service.
type service struct {
	vault    vault.Vault
	auditLog *audit.Log
	logger   *zap.Logger

	tracer        trace.Tracer
	meter         metric.Meter
	exportCounter metric.Int64Counter
	importCounter metric.Int64Counter
}

// New creates the portability service.
func New(vlt vault.Vault, auditLog *audit.Log, logger *zap.Logger) (Service, error) {
	if vlt == nil {
		return nil, errors.New("portability: vault is required")
	}
	if auditLog == nil {
		return nil, errors.New("portability: audit log is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &service{
		vault:    vlt,
		auditLog: auditLog,
		logger:   logger,
		tracer:   otel.Tracer(instrumentationName),
		meter:    otel.Meter(instrumentationName),
	}
	s.initMetrics()
	return s, nil
}

func (s *service) initMetrics() {
	var err error

	s.exportCounter, err = s.meter.Int64Counter(
		"chittydna.portability.exports_total",
		metric.WithDescription("Completed exports"),
		metric.WithUnit("{export}"),
	)
	if err != nil {
		s.logger.Warn("failed to create export counter", zap.Error(err))
	}

	s.importCounter, err = s.meter.Int64Counter(
		"chittydna.portability.imports_total",
		metric.WithDescription("Completed imports"),
		metric.WithUnit("{import}"),
	)
	if err != nil {
		s.logger.Warn("failed to create import counter", zap.Error(err))
	}
}

// signingKey derives the export keypair from the vault master key.
func (s *service) signingKey() (ed25519.PrivateKey, error) {
	seed, err := s.vault.DeriveKey(signingPurpose, ed25519.SeedSize)
	if err != nil {
		return nil, fmt.Errorf("portability: derive signing seed: %w", err)
	}
	return ed25519.NewKeyFromSeed(seed), nil
}
