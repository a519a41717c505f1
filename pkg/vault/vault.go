package vault

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"

	"github.com/openmesh/dws/pkg/audit"
	"github.com/openmesh/dws/pkg/errdefs"
	"github.com/openmesh/dws/pkg/log"
	"github.com/openmesh/dws/pkg/metrics"
	"github.com/openmesh/dws/pkg/types"
)

// StoreRequest carries the material for a new credential
type StoreRequest struct {
	Provider         types.CloudProvider
	Name             string
	APIKey           string
	APISecret        string
	ProjectID        string
	Region           string
	Scopes           []string
	ExpiresAt        *time.Time
	SkipVerification bool
}

// Config configures the vault
type Config struct {
	// MasterKey must be at least 32 bytes in production. In
	// development a key is derived from a fixed fallback and flagged
	// with a single warning.
	MasterKey  string
	Production bool
	// VerifyTimeout bounds provider verification calls (default 15s)
	VerifyTimeout time.Duration
}

// Vault is the encrypt-at-rest credential store with owner scoping
// and an audit trail.
type Vault struct {
	masterKey []byte
	store     Store
	auditLog  *audit.Log
	verifier  *verifier
	logger    zerolog.Logger

	// verifiedCache remembers recently verified credentials so
	// re-verification does not hammer provider APIs.
	verifiedCache *gocache.Cache

	mu         sync.RWMutex
	creds      map[string]*types.Credential
	ownerCreds map[string][]string // owner -> credential ids
	idLocks    map[string]*sync.Mutex
}

// New creates a vault backed by store, recording events to auditLog
func New(cfg Config, store Store, auditLog *audit.Log) (*Vault, error) {
	masterKey := []byte(cfg.MasterKey)
	logger := log.WithComponent("vault")

	if len(masterKey) < 32 {
		if cfg.Production {
			return nil, errdefs.Validation.New("vault master key must be at least 32 bytes in production")
		}
		logger.Warn().Msg("master key shorter than 32 bytes, deriving development fallback key")
		sum := sha256.Sum256([]byte("dws-dev-master-key:" + cfg.MasterKey))
		masterKey = sum[:]
	}

	v := &Vault{
		masterKey:     masterKey,
		store:         store,
		auditLog:      auditLog,
		verifier:      newVerifier(cfg.VerifyTimeout),
		logger:        logger,
		verifiedCache: gocache.New(5*time.Minute, 10*time.Minute),
		creds:         make(map[string]*types.Credential),
		ownerCreds:    make(map[string][]string),
		idLocks:       make(map[string]*sync.Mutex),
	}

	if store != nil {
		existing, err := store.LoadAll()
		if err != nil {
			return nil, errdefs.Transient.Wrap(err)
		}
		for _, cred := range existing {
			v.creds[cred.ID] = cred
			v.ownerCreds[cred.Owner] = append(v.ownerCreds[cred.Owner], cred.ID)
		}
	}
	return v, nil
}

// Store validates, verifies, encrypts and persists a new credential
// for owner, returning its metadata projection.
func (v *Vault) Store(ctx context.Context, owner string, req StoreRequest) (*types.CredentialMetadata, error) {
	owner = strings.ToLower(owner)

	if !req.Provider.Valid() {
		return nil, errdefs.Validation.New("unsupported provider %q", req.Provider)
	}
	if req.Name == "" {
		return nil, errdefs.Validation.New("credential name is required")
	}
	if req.APIKey == "" {
		return nil, errdefs.Validation.New("api key is required")
	}

	if !req.SkipVerification {
		if err := v.verifyCached(ctx, req); err != nil {
			metrics.CredentialVerifications.WithLabelValues(string(req.Provider), "failure").Inc()
			return nil, err
		}
		metrics.CredentialVerifications.WithLabelValues(string(req.Provider), "success").Inc()
	}

	ownerKey, err := deriveOwnerKey(v.masterKey, owner)
	if err != nil {
		return nil, err
	}

	cred := &types.Credential{
		ID:        "cred-" + uuid.NewString(),
		Provider:  req.Provider,
		Name:      req.Name,
		Owner:     owner,
		Region:    req.Region,
		Scopes:    req.Scopes,
		ExpiresAt: req.ExpiresAt,
		CreatedAt: time.Now(),
		Status:    types.CredentialActive,
	}

	if cred.EncAPIKey, err = encryptField(ownerKey, req.APIKey); err != nil {
		return nil, err
	}
	if req.APISecret != "" {
		if cred.EncAPISecret, err = encryptField(ownerKey, req.APISecret); err != nil {
			return nil, err
		}
	}
	if req.ProjectID != "" {
		if cred.EncProjectID, err = encryptField(ownerKey, req.ProjectID); err != nil {
			return nil, err
		}
	}

	v.mu.Lock()
	v.creds[cred.ID] = cred
	v.ownerCreds[owner] = append(v.ownerCreds[owner], cred.ID)
	v.mu.Unlock()

	if err := v.persist(cred); err != nil {
		return nil, err
	}

	v.auditLog.Record(types.AuditEntry{
		Action:       types.AuditCreate,
		CredentialID: cred.ID,
		Owner:        owner,
		Details:      fmt.Sprintf("stored %s credential %q", cred.Provider, cred.Name),
	})
	v.logger.Info().Str("credential_id", cred.ID).Str("provider", string(cred.Provider)).Msg("credential stored")
	v.refreshMetrics()

	meta := cred.Metadata()
	return &meta, nil
}

// GetDecrypted returns the plaintext credential material iff requester
// owns the credential and it is active and unexpired. Unauthorized
// attempts are audited and answered with NotFound so callers cannot
// probe for existence.
func (v *Vault) GetDecrypted(credID, requester string) (*types.DecryptedCredential, error) {
	requester = strings.ToLower(requester)

	v.mu.RLock()
	cred, ok := v.creds[credID]
	v.mu.RUnlock()
	if !ok {
		return nil, errdefs.NotFound.New("credential not found")
	}

	if cred.Owner != requester {
		v.auditLog.Record(types.AuditEntry{
			Action:       types.AuditUse,
			CredentialID: credID,
			Owner:        cred.Owner,
			Details:      fmt.Sprintf("Unauthorized access attempt by %s", requester),
		})
		return nil, errdefs.NotFound.New("credential not found")
	}

	if cred.Status != types.CredentialActive {
		return nil, errdefs.NotFound.New("credential not found")
	}
	if cred.ExpiresAt != nil && time.Now().After(*cred.ExpiresAt) {
		v.withIDLock(credID, func() {
			cred.Status = types.CredentialExpired
			_ = v.persist(cred)
		})
		return nil, errdefs.NotFound.New("credential not found")
	}

	ownerKey, err := deriveOwnerKey(v.masterKey, cred.Owner)
	if err != nil {
		return nil, err
	}

	out := &types.DecryptedCredential{}
	if out.APIKey, err = decryptField(ownerKey, cred.EncAPIKey); err != nil {
		return nil, err
	}
	if cred.EncAPISecret != "" {
		if out.APISecret, err = decryptField(ownerKey, cred.EncAPISecret); err != nil {
			return nil, err
		}
	}
	if cred.EncProjectID != "" {
		if out.ProjectID, err = decryptField(ownerKey, cred.EncProjectID); err != nil {
			return nil, err
		}
	}

	v.withIDLock(credID, func() {
		cred.UsageCount++
		cred.LastUsedAt = time.Now()
		_ = v.persist(cred)
	})

	v.auditLog.Record(types.AuditEntry{
		Action:       types.AuditUse,
		CredentialID: credID,
		Owner:        cred.Owner,
		Details:      "credential decrypted for use",
	})
	return out, nil
}

// List returns metadata for the owner's active credentials
func (v *Vault) List(owner string) []types.CredentialMetadata {
	owner = strings.ToLower(owner)

	v.mu.RLock()
	defer v.mu.RUnlock()

	var out []types.CredentialMetadata
	for _, id := range v.ownerCreds[owner] {
		cred, ok := v.creds[id]
		if !ok || cred.Status != types.CredentialActive {
			continue
		}
		out = append(out, cred.Metadata())
	}
	return out
}

// Revoke marks the credential revoked. Returns false when the
// credential does not exist or the caller does not own it; revoking an
// already revoked credential is a no-op success.
func (v *Vault) Revoke(credID, owner string) bool {
	owner = strings.ToLower(owner)

	v.mu.RLock()
	cred, ok := v.creds[credID]
	v.mu.RUnlock()
	if !ok || cred.Owner != owner {
		return false
	}

	v.withIDLock(credID, func() {
		if cred.Status == types.CredentialRevoked {
			return
		}
		cred.Status = types.CredentialRevoked
		_ = v.persist(cred)
		v.auditLog.Record(types.AuditEntry{
			Action:       types.AuditRevoke,
			CredentialID: credID,
			Owner:        owner,
			Details:      "credential revoked",
		})
	})
	v.refreshMetrics()
	return true
}

// Delete removes the credential entirely, unlinking it from the
// owner index. Idempotent for the owner; false for anyone else.
func (v *Vault) Delete(credID, owner string) bool {
	owner = strings.ToLower(owner)

	v.mu.Lock()
	cred, ok := v.creds[credID]
	if !ok || cred.Owner != owner {
		v.mu.Unlock()
		return false
	}
	delete(v.creds, credID)
	ids := v.ownerCreds[owner]
	for i, id := range ids {
		if id == credID {
			v.ownerCreds[owner] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	v.mu.Unlock()

	if v.store != nil {
		if err := v.store.Delete(credID); err != nil {
			v.logger.Error().Err(err).Str("credential_id", credID).Msg("failed to delete persisted credential")
		}
	}
	v.auditLog.Record(types.AuditEntry{
		Action:       types.AuditDelete,
		CredentialID: credID,
		Owner:        owner,
		Details:      "credential deleted",
	})
	v.refreshMetrics()
	return true
}

// MarkError transitions a credential to error state. Internal: used by
// CloudGateway callers when a provider rejects stored material.
func (v *Vault) MarkError(credID, message string) {
	v.mu.RLock()
	cred, ok := v.creds[credID]
	v.mu.RUnlock()
	if !ok {
		return
	}

	v.withIDLock(credID, func() {
		if cred.Status == types.CredentialRevoked {
			return
		}
		now := time.Now()
		cred.Status = types.CredentialError
		cred.LastError = message
		cred.LastErrorAt = &now
		_ = v.persist(cred)
	})
	v.refreshMetrics()
}

// VerifyAgain re-runs provider verification with the stored material.
// Success lifts an errored credential back to active; this is the only
// path out of the error state.
func (v *Vault) VerifyAgain(ctx context.Context, credID, owner string) error {
	owner = strings.ToLower(owner)

	v.mu.RLock()
	cred, ok := v.creds[credID]
	v.mu.RUnlock()
	if !ok || cred.Owner != owner {
		return errdefs.NotFound.New("credential not found")
	}
	if cred.Status == types.CredentialRevoked {
		return errdefs.Conflict.New("credential is revoked")
	}

	ownerKey, err := deriveOwnerKey(v.masterKey, owner)
	if err != nil {
		return err
	}
	apiKey, err := decryptField(ownerKey, cred.EncAPIKey)
	if err != nil {
		return err
	}
	var apiSecret, projectID string
	if cred.EncAPISecret != "" {
		if apiSecret, err = decryptField(ownerKey, cred.EncAPISecret); err != nil {
			return err
		}
	}
	if cred.EncProjectID != "" {
		if projectID, err = decryptField(ownerKey, cred.EncProjectID); err != nil {
			return err
		}
	}

	err = v.verifier.verify(ctx, StoreRequest{
		Provider:  cred.Provider,
		Name:      cred.Name,
		APIKey:    apiKey,
		APISecret: apiSecret,
		ProjectID: projectID,
	})
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	metrics.CredentialVerifications.WithLabelValues(string(cred.Provider), outcome).Inc()
	v.withIDLock(credID, func() {
		if err != nil {
			now := time.Now()
			cred.Status = types.CredentialError
			cred.LastError = err.Error()
			cred.LastErrorAt = &now
		} else {
			cred.Status = types.CredentialActive
			cred.LastError = ""
			cred.LastErrorAt = nil
		}
		_ = v.persist(cred)
	})
	v.refreshMetrics()
	return err
}

// Audit returns audit entries, optionally filtered by owner
func (v *Vault) Audit(owner string, limit int) []types.AuditEntry {
	return v.auditLog.Query(owner, limit)
}

func (v *Vault) verifyCached(ctx context.Context, req StoreRequest) error {
	sum := sha256.Sum256([]byte(string(req.Provider) + ":" + req.APIKey + ":" + req.APISecret))
	cacheKey := hex.EncodeToString(sum[:])
	if _, ok := v.verifiedCache.Get(cacheKey); ok {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, v.verifier.client.Timeout)
	defer cancel()
	if err := v.verifier.verify(ctx, req); err != nil {
		return err
	}
	v.verifiedCache.SetDefault(cacheKey, true)
	return nil
}

func (v *Vault) refreshMetrics() {
	v.mu.RLock()
	defer v.mu.RUnlock()
	metrics.CredentialsTotal.Reset()
	for _, cred := range v.creds {
		metrics.CredentialsTotal.WithLabelValues(string(cred.Provider), string(cred.Status)).Inc()
	}
}

func (v *Vault) persist(cred *types.Credential) error {
	if v.store == nil {
		return nil
	}
	if err := v.store.Save(cred); err != nil {
		return errdefs.Transient.Wrap(err)
	}
	return nil
}

func (v *Vault) withIDLock(id string, fn func()) {
	v.mu.Lock()
	l, ok := v.idLocks[id]
	if !ok {
		l = &sync.Mutex{}
		v.idLocks[id] = l
	}
	v.mu.Unlock()

	l.Lock()
	defer l.Unlock()
	fn()
}
