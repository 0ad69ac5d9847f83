// Package vault provides the encrypted-at-rest container for the
// aggregate learning state.
//
// The blob on disk is framed as nonce(16) || tag(16) || ciphertext and
// sealed with AES-256-GCM. Content never touches disk unencrypted, and
// a failed authentication on load is fatal: there is no best-effort
// decrypt. The key is generated once, stored owner-only, and losing it
// makes the vault unrecoverable.
package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/crypto/hkdf"

	"github.com/chittyos/chittydna/internal/audit"
	"github.com/chittyos/chittydna/internal/storage"
)

const instrumentationName = "github.com/chittyos/chittydna/internal/vault"

// Storage layout inside the data directory.
const (
	PrimaryPath  = "vault/dna.blob"
	KeyPath      = "vault/vault.key"
	SnapshotDir  = "vault/snapshots"
	ManifestPath = "vault/snapshots/manifest.json"
)

const (
	keySize   = 32
	nonceSize = 16
	tagSize   = 16
)

// Errors for vault operations.
var (
	// ErrAuthentication means the stored blob failed AEAD verification.
	// The vault returns no data in this case, partial or otherwise.
	ErrAuthentication = errors.New("vault: authentication failed")

	// ErrNotInitialized means no vault blob exists yet.
	ErrNotInitialized = errors.New("vault: not initialized")

	// ErrMalformedBlob means the blob is too short to carry a frame.
	ErrMalformedBlob = errors.New("vault: malformed blob")

	// ErrSnapshotNotFound means no snapshot matches the timestamp.
	ErrSnapshotNotFound = errors.New("vault: snapshot not found")

	// ErrWatchUnsupported means the backend cannot be watched.
	ErrWatchUnsupported = errors.New("vault: backend does not support watching")
)

// Config configures the vault service.
type Config struct {
	// SnapshotCap bounds the snapshot ring (default: 30). The oldest
	// snapshot is evicted first on overflow.
	SnapshotCap int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{SnapshotCap: 30}
}

// Vault is the encrypted learning-state store.
type Vault interface {
	// Save canonicalizes, encrypts, and atomically persists state, then
	// appends a snapshot and a hash-only audit entry.
	Save(ctx context.Context, state *State) error

	// Load decrypts and deserializes the primary blob. Returns
	// ErrNotInitialized when no blob exists and ErrAuthentication when
	// the frame fails verification.
	Load(ctx context.Context) (*State, error)

	// LoadOrInit is Load, returning a fresh empty state when the vault
	// has never been saved.
	LoadOrInit(ctx context.Context) (*State, error)

	// Snapshots lists the snapshot ring, oldest first.
	Snapshots(ctx context.Context) ([]SnapshotInfo, error)

	// RestoreSnapshot overwrites the primary blob with the snapshot
	// taken at the given timestamp. The next Load re-authenticates.
	RestoreSnapshot(ctx context.Context, timestamp time.Time) error

	// DeriveKey derives purpose-bound key material from the vault key.
	DeriveKey(purpose string, size int) ([]byte, error)

	// Watch reports external modification of the primary blob until ctx
	// is cancelled. Only filesystem backends support watching.
	Watch(ctx context.Context) error
}

// service implements Vault.
type service struct {
	config   *Config
	backend  storage.Backend
	auditLog *audit.Log
	logger   *zap.Logger

	tracer          trace.Tracer
	meter           metric.Meter
	saveCounter     metric.Int64Counter
	evictionCounter metric.Int64Counter
	externalCounter metric.Int64Counter
	authFailCounter metric.Int64Counter

	// mu serializes Save/Restore within this process. Cross-process
	// writers are not serialized; the watcher surfaces that risk.
	mu sync.Mutex

	key []byte

	// lastWrittenSum is the SHA-256 of the last frame this process
	// wrote, used by the watcher to tell self-writes from foreign ones.
	lastWrittenSum [sha256.Size]byte
	wroteOnce      bool
}

// NewVault creates a vault on the given backend. The key is created on
// first use and stored owner-only.
func NewVault(cfg *Config, backend storage.Backend, auditLog *audit.Log, logger *zap.Logger) (Vault, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.SnapshotCap < 1 {
		return nil, fmt.Errorf("vault: snapshot cap must be >= 1, got %d", cfg.SnapshotCap)
	}
	if backend == nil {
		return nil, errors.New("vault: storage backend is required")
	}
	if auditLog == nil {
		return nil, errors.New("vault: audit log is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &service{
		config:   cfg,
		backend:  backend,
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

	s.saveCounter, err = s.meter.Int64Counter(
		"chittydna.vault.saves_total",
		metric.WithDescription("Total vault saves"),
		metric.WithUnit("{save}"),
	)
	if err != nil {
		s.logger.Warn("failed to create save counter", zap.Error(err))
	}

	s.evictionCounter, err = s.meter.Int64Counter(
		"chittydna.vault.snapshot_evictions_total",
		metric.WithDescription("Snapshots evicted from the ring"),
		metric.WithUnit("{snapshot}"),
	)
	if err != nil {
		s.logger.Warn("failed to create eviction counter", zap.Error(err))
	}

	s.externalCounter, err = s.meter.Int64Counter(
		"chittydna.vault.external_rewrites_total",
		metric.WithDescription("Primary blob writes not performed by this process"),
		metric.WithUnit("{write}"),
	)
	if err != nil {
		s.logger.Warn("failed to create external rewrite counter", zap.Error(err))
	}

	s.authFailCounter, err = s.meter.Int64Counter(
		"chittydna.vault.auth_failures_total",
		metric.WithDescription("Blob authentication failures on load"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		s.logger.Warn("failed to create auth failure counter", zap.Error(err))
	}
}

// loadKey returns the master key, generating and persisting it on first
// use.
func (s *service) loadKey() ([]byte, error) {
	if s.key != nil {
		return s.key, nil
	}

	data, err := s.backend.ReadFile(KeyPath)
	if errors.Is(err, storage.ErrNotFound) {
		key := make([]byte, keySize)
		if _, err := io.ReadFull(rand.Reader, key); err != nil {
			return nil, fmt.Errorf("vault: generate key: %w", err)
		}
		if err := s.backend.WriteFileAtomic(KeyPath, key, 0600); err != nil {
			return nil, fmt.Errorf("vault: persist key: %w", err)
		}
		s.logger.Info("vault key generated",
			zap.String("path", KeyPath))
		s.key = key
		return key, nil
	}
	if err != nil {
		return nil, fmt.Errorf("vault: read key: %w", err)
	}
	if len(data) != keySize {
		return nil, fmt.Errorf("vault: key file is %d bytes, want %d", len(data), keySize)
	}
	s.key = data
	return data, nil
}

// DeriveKey derives purpose-bound key material from the master key via
// HKDF-SHA256.
func (s *service) DeriveKey(purpose string, size int) ([]byte, error) {
	key, err := s.loadKey()
	if err != nil {
		return nil, err
	}
	out := make([]byte, size)
	r := hkdf.New(sha256.New, key, nil, []byte(purpose))
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("vault: derive key for %q: %w", purpose, err)
	}
	return out, nil
}

// canonicalize produces the deterministic byte sequence that gets
// encrypted. encoding/json marshals struct fields in declaration order
// and map keys sorted, so equal states always produce equal bytes.
func canonicalize(state *State) ([]byte, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("vault: canonicalize state: %w", err)
	}
	return data, nil
}

// newAEAD builds the AES-256-GCM cipher with the frame's 16-byte nonce.
func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault: cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, fmt.Errorf("vault: gcm: %w", err)
	}
	return gcm, nil
}

// encrypt seals plaintext into the framed blob nonce || tag || ciphertext
// with a freshly random nonce per call.
func encrypt(key, plaintext []byte) ([]byte, error) {
	gcm, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("vault: nonce: %w", err)
	}

	// Seal appends the tag after the ciphertext; the frame wants it in
	// front, so split and reorder.
	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	ciphertext := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	frame := make([]byte, 0, nonceSize+tagSize+len(ciphertext))
	frame = append(frame, nonce...)
	frame = append(frame, tag...)
	frame = append(frame, ciphertext...)
	return frame, nil
}

// decrypt opens a framed blob. Any authentication failure is reported
// as ErrAuthentication with no plaintext.
func decrypt(key, frame []byte) ([]byte, error) {
	if len(frame) < nonceSize+tagSize {
		return nil, ErrMalformedBlob
	}
	gcm, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	nonce := frame[:nonceSize]
	tag := frame[nonceSize : nonceSize+tagSize]
	ciphertext := frame[nonceSize+tagSize:]

	sealed := make([]byte, 0, len(ciphertext)+tagSize)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrAuthentication
	}
	return plaintext, nil
}

// Save canonicalizes, encrypts, and atomically persists state.
func (s *service) Save(ctx context.Context, state *State) error {
	if state == nil {
		return errors.New("vault: state is required")
	}

	ctx, span := s.tracer.Start(ctx, "vault.save",
		trace.WithAttributes(
			attribute.Int("workflows", len(state.Workflows)),
		),
	)
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	key, err := s.loadKey()
	if err != nil {
		return err
	}

	plaintext, err := canonicalize(state)
	if err != nil {
		return err
	}

	frame, err := encrypt(key, plaintext)
	if err != nil {
		return err
	}

	if err := s.backend.WriteFileAtomic(PrimaryPath, frame, 0600); err != nil {
		return fmt.Errorf("vault: write primary blob: %w", err)
	}
	s.lastWrittenSum = sha256.Sum256(frame)
	s.wroteOnce = true

	if err := s.appendSnapshotLocked(ctx, frame); err != nil {
		return err
	}

	contentSum := sha256.Sum256(plaintext)
	if err := s.auditLog.Append(ctx, audit.Entry{
		Event:       audit.EventVaultSaved,
		PatternHash: hex.EncodeToString(contentSum[:]),
	}); err != nil {
		// The state is already durable; a failed audit append is
		// logged, not propagated.
		s.logger.Warn("audit append failed after vault save", zap.Error(err))
	}

	if s.saveCounter != nil {
		s.saveCounter.Add(ctx, 1)
	}
	s.logger.Debug("vault saved",
		zap.Int("workflows", len(state.Workflows)),
		zap.Int("blob_bytes", len(frame)))
	return nil
}

// Load decrypts and deserializes the primary blob.
func (s *service) Load(ctx context.Context) (*State, error) {
	ctx, span := s.tracer.Start(ctx, "vault.load")
	defer span.End()

	frame, err := s.backend.ReadFile(PrimaryPath)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotInitialized
	}
	if err != nil {
		return nil, fmt.Errorf("vault: read primary blob: %w", err)
	}

	key, err := s.loadKey()
	if err != nil {
		return nil, err
	}

	plaintext, err := decrypt(key, frame)
	if err != nil {
		if errors.Is(err, ErrAuthentication) && s.authFailCounter != nil {
			s.authFailCounter.Add(ctx, 1)
		}
		return nil, err
	}

	state := NewState()
	if err := json.Unmarshal(plaintext, state); err != nil {
		return nil, fmt.Errorf("vault: unmarshal state: %w", err)
	}
	return state, nil
}

// LoadOrInit is Load with a fresh state for an uninitialized vault.
func (s *service) LoadOrInit(ctx context.Context) (*State, error) {
	state, err := s.Load(ctx)
	if errors.Is(err, ErrNotInitialized) {
		return NewState(), nil
	}
	return state, err
}
