package confidentialdb

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openmesh/dws/pkg/audit"
	"github.com/openmesh/dws/pkg/auth"
	"github.com/openmesh/dws/pkg/cloud"
	"github.com/openmesh/dws/pkg/errdefs"
	"github.com/openmesh/dws/pkg/log"
	"github.com/openmesh/dws/pkg/metrics"
	"github.com/openmesh/dws/pkg/scheduler"
	"github.com/openmesh/dws/pkg/types"
)

const (
	dbPort         = 5432
	dbUsername     = "dbadmin"
	hardenedImage  = "dws-hardened-db"
	passwordLength = 32
	passwordChars  = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// CredentialSource supplies decrypted provider credentials, owner-scoped
type CredentialSource interface {
	GetDecrypted(credID, requester string) (*types.DecryptedCredential, error)
}

// Config tunes the manager
type Config struct {
	DefaultIdleTimeout   time.Duration
	MaxDatabasesPerOwner int
	ProvisionTimeout     time.Duration
	HealthCheckInterval  time.Duration
	CostCheckInterval    time.Duration
	ProbeInterval        time.Duration
	ProbeTimeout         time.Duration
	// DomainSuffix names the TLS CN domain for provisioned databases
	DomainSuffix string
	// Prober overrides the TCP readiness probe (tests, dev mode)
	Prober Prober
}

func (c *Config) applyDefaults() {
	if c.DefaultIdleTimeout <= 0 {
		c.DefaultIdleTimeout = time.Hour
	}
	if c.MaxDatabasesPerOwner <= 0 {
		c.MaxDatabasesPerOwner = 5
	}
	if c.ProvisionTimeout <= 0 {
		c.ProvisionTimeout = 10 * time.Minute
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 30 * time.Second
	}
	if c.CostCheckInterval <= 0 {
		c.CostCheckInterval = time.Minute
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = 10 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 5 * time.Second
	}
	if c.DomainSuffix == "" {
		c.DomainSuffix = "db.dws.internal"
	}
}

// ProvisionRequest asks for a new confidential database
type ProvisionRequest struct {
	Owner         string
	Name          string
	Tier          types.DBTier
	Region        string
	Provider      types.CloudProvider
	CredentialID  string
	IdleTimeoutMs int64
	AutoTerminate bool
}

// Manager provisions and lifecycle-manages confidential databases
type Manager struct {
	cfg      Config
	creds    CredentialSource
	registry *cloud.Registry
	// defaultGW serves requests without a credential (development mode)
	defaultGW cloud.Gateway
	store     Store
	auditLog  *audit.Log
	prober    Prober
	logger    zerolog.Logger

	mu      sync.RWMutex
	dbs     map[string]*types.ConfidentialDB
	byOwner map[string][]string
	locks   map[string]*sync.Mutex

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewManager creates a manager. creds and registry may be nil when a
// defaultGW is supplied.
func NewManager(cfg Config, creds CredentialSource, registry *cloud.Registry, defaultGW cloud.Gateway, store Store, auditLog *audit.Log) (*Manager, error) {
	cfg.applyDefaults()

	prober := cfg.Prober
	if prober == nil {
		prober = newTCPProber(cfg.ProbeInterval, cfg.ProbeTimeout, cfg.ProvisionTimeout)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:       cfg,
		creds:     creds,
		registry:  registry,
		defaultGW: defaultGW,
		store:     store,
		auditLog:  auditLog,
		prober:    prober,
		logger:    log.WithComponent("confidentialdb"),
		dbs:       make(map[string]*types.ConfidentialDB),
		byOwner:   make(map[string][]string),
		locks:     make(map[string]*sync.Mutex),
		baseCtx:   ctx,
		cancel:    cancel,
	}

	if store != nil {
		existing, err := store.LoadAll()
		if err != nil {
			cancel()
			return nil, errdefs.Transient.Wrap(err)
		}
		for _, rec := range existing {
			m.dbs[rec.ID] = rec
			m.byOwner[rec.Owner] = append(m.byOwner[rec.Owner], rec.ID)
		}
	}
	return m, nil
}

// Close aborts in-flight provisions and waits for them to drain
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
}

// Provision validates the request, reserves the quota slot, inserts
// the record and kicks off asynchronous provisioning. The returned
// record carries a placeholder connection string with the cleartext
// password; this is the only time the password leaves the process.
func (m *Manager) Provision(req ProvisionRequest) (*types.ConfidentialDB, error) {
	owner := strings.ToLower(req.Owner)

	if !types.DBNamePattern.MatchString(req.Name) {
		return nil, errdefs.Validation.New("database name %q must match [a-z][a-z0-9_]{0,62}", req.Name)
	}
	if _, ok := types.Tiers[req.Tier]; !ok {
		return nil, errdefs.Validation.New("unknown tier %q", req.Tier)
	}
	if req.Region == "" {
		return nil, errdefs.Validation.New("region is required")
	}

	gw, err := m.gatewayFor(req, owner)
	if err != nil {
		return nil, err
	}

	password, err := generatePassword()
	if err != nil {
		return nil, errdefs.Encryption.Wrap(err)
	}
	sum := sha256.Sum256([]byte(password))

	idleTimeout := req.IdleTimeoutMs
	if idleTimeout < 60_000 {
		idleTimeout = m.cfg.DefaultIdleTimeout.Milliseconds()
	}

	rec := &types.ConfidentialDB{
		ID:             fmt.Sprintf("nitro-db-%d-%s", time.Now().UnixMilli(), uuid.NewString()[:8]),
		Owner:          owner,
		Name:           req.Name,
		Tier:           req.Tier,
		Status:         types.DBPending,
		Provider:       req.Provider,
		CredentialID:   req.CredentialID,
		Region:         req.Region,
		Port:           dbPort,
		Database:       req.Name,
		Username:       dbUsername,
		PasswordHash:   hex.EncodeToString(sum[:]),
		CreatedAt:      time.Now(),
		LastActivityAt: time.Now(),
		IdleTimeoutMs:  idleTimeout,
		AutoTerminate:  req.AutoTerminate,
	}

	// Quota check and insert must be one atomic step so concurrent
	// provisions cannot oversubscribe an owner.
	m.mu.Lock()
	live := 0
	for _, id := range m.byOwner[owner] {
		if db := m.dbs[id]; db != nil && db.Status != types.DBTerminated {
			live++
		}
	}
	if live >= m.cfg.MaxDatabasesPerOwner {
		m.mu.Unlock()
		return nil, errdefs.Conflict.New("owner %s already has %d databases (limit %d)", owner, live, m.cfg.MaxDatabasesPerOwner)
	}
	m.dbs[rec.ID] = rec
	m.byOwner[owner] = append(m.byOwner[owner], rec.ID)
	m.mu.Unlock()

	if err := m.persist(rec); err != nil {
		return nil, err
	}

	m.auditLog.Record(types.AuditEntry{
		Action:       types.AuditCreate,
		CredentialID: rec.ID,
		Owner:        owner,
		Details:      fmt.Sprintf("provisioning %s database %q in %s", rec.Tier, rec.Name, rec.Region),
	})

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.provisionAsync(rec.ID, password, gw)
	}()

	out := *rec
	out.ConnectionString = connectionString(rec, password)
	return &out, nil
}

// Start re-provisions a stopped database with a fresh password. The
// prior password hash is invalidated. Returns the record with the new
// password disclosed once in the connection string.
func (m *Manager) Start(id, owner string) (*types.ConfidentialDB, error) {
	rec, err := m.getOwned(id, owner)
	if err != nil {
		return nil, err
	}

	gw, err := m.gatewayForRecord(rec)
	if err != nil {
		return nil, err
	}

	password, err := generatePassword()
	if err != nil {
		return nil, errdefs.Encryption.Wrap(err)
	}
	sum := sha256.Sum256([]byte(password))

	var out types.ConfidentialDB
	err = m.mutate(id, func(db *types.ConfidentialDB) error {
		if db.Status != types.DBStopped {
			return errdefs.Conflict.New("database %s is %s, only stopped databases can start", id, db.Status)
		}
		db.Status = types.DBPending
		db.PasswordHash = hex.EncodeToString(sum[:])
		db.LastActivityAt = time.Now()
		out = *db
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.provisionAsync(id, password, gw)
	}()

	out.ConnectionString = connectionString(rec, password)
	return &out, nil
}

// Stop deletes the instance and clears network state, keeping the record
func (m *Manager) Stop(ctx context.Context, id, owner string) error {
	rec, err := m.getOwned(id, owner)
	if err != nil {
		return err
	}

	var instanceID string
	err = m.mutate(id, func(db *types.ConfidentialDB) error {
		if !db.Status.Live() {
			return errdefs.Conflict.New("database %s is %s, only running or idle databases can stop", id, db.Status)
		}
		db.Status = types.DBStopping
		instanceID = db.InstanceID
		return nil
	})
	if err != nil {
		return err
	}

	if instanceID != "" {
		m.deleteInstance(ctx, rec, instanceID)
	}

	return m.mutate(id, func(db *types.ConfidentialDB) error {
		if err := setStatus(db, types.DBStopped); err != nil {
			return err
		}
		db.InstanceID = ""
		db.PublicIP = ""
		db.PrivateIP = ""
		db.ConnectionString = ""
		return nil
	})
}

// Terminate deletes the instance and marks the record terminated.
// Idempotent: terminating a terminated database succeeds.
func (m *Manager) Terminate(ctx context.Context, id, owner string) error {
	rec, err := m.getOwned(id, owner)
	if err != nil {
		return err
	}
	if rec.Status == types.DBTerminated {
		return nil
	}

	if rec.InstanceID != "" {
		m.deleteInstance(ctx, rec, rec.InstanceID)
	}

	err = m.mutate(id, func(db *types.ConfidentialDB) error {
		if db.Status == types.DBTerminated {
			return nil
		}
		now := time.Now()
		db.Status = types.DBTerminated
		db.TerminatedAt = &now
		db.InstanceID = ""
		db.PublicIP = ""
		db.PrivateIP = ""
		db.ConnectionString = ""
		return nil
	})
	if err != nil {
		return err
	}

	m.auditLog.Record(types.AuditEntry{
		Action:       types.AuditDelete,
		CredentialID: id,
		Owner:        rec.Owner,
		Details:      "database terminated",
	})
	return nil
}

// RecordActivity bumps the activity clock and lifts idle back to running
func (m *Manager) RecordActivity(id string) error {
	return m.mutate(id, func(db *types.ConfidentialDB) error {
		now := time.Now()
		if now.After(db.LastActivityAt) {
			db.LastActivityAt = now
		}
		if db.Status == types.DBIdle {
			db.Status = types.DBRunning
		}
		return nil
	})
}

// Get returns the owner's database record
func (m *Manager) Get(id, owner string) (*types.ConfidentialDB, error) {
	rec, err := m.getOwned(id, owner)
	if err != nil {
		return nil, err
	}
	out := *rec
	return &out, nil
}

// List returns the owner's database records
func (m *Manager) List(owner string) []*types.ConfidentialDB {
	owner = strings.ToLower(owner)

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*types.ConfidentialDB
	for _, id := range m.byOwner[owner] {
		if db := m.dbs[id]; db != nil {
			cp := *db
			out = append(out, &cp)
		}
	}
	return out
}

// GetStats aggregates tier, region and status counts plus total cost
func (m *Manager) GetStats() types.DBStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := types.DBStats{
		ByStatus: make(map[types.DBStatus]int),
		ByTier:   make(map[types.DBTier]int),
		ByRegion: make(map[string]int),
	}
	for _, db := range m.dbs {
		stats.Total++
		stats.ByStatus[db.Status]++
		stats.ByTier[db.Tier]++
		stats.ByRegion[db.Region]++
		stats.TotalCostUSD += db.TotalCostUSD
	}
	return stats
}

// RunLoops starts the idle and cost background loops
func (m *Manager) RunLoops(ctx context.Context, sched *scheduler.Scheduler) []*scheduler.Handle {
	return []*scheduler.Handle{
		sched.Every(ctx, "db-idle", m.cfg.HealthCheckInterval, m.idleSweep, scheduler.Options{}),
		sched.Every(ctx, "db-cost", m.cfg.CostCheckInterval, m.costSweep, scheduler.Options{}),
	}
}

// idleSweep transitions inactive databases to idle, or terminates them
// when auto-terminate is set.
func (m *Manager) idleSweep(ctx context.Context) error {
	for _, id := range m.liveIDs() {
		m.mu.RLock()
		db := m.dbs[id]
		m.mu.RUnlock()
		if db == nil || !db.Status.Live() {
			continue
		}

		idleFor := time.Since(db.LastActivityAt)
		if idleFor <= time.Duration(db.IdleTimeoutMs)*time.Millisecond {
			continue
		}

		if db.AutoTerminate {
			m.logger.Info().Str("database_id", id).Dur("idle_for", idleFor).Msg("auto-terminating idle database")
			if err := m.Terminate(ctx, id, db.Owner); err != nil {
				m.logger.Error().Err(err).Str("database_id", id).Msg("auto-terminate failed")
			}
			continue
		}

		_ = m.mutate(id, func(db *types.ConfidentialDB) error {
			if db.Status == types.DBRunning {
				db.Status = types.DBIdle
			}
			return nil
		})
	}
	m.refreshMetrics()
	return nil
}

// costSweep accrues billed hours for live databases
func (m *Manager) costSweep(ctx context.Context) error {
	for _, id := range m.liveIDs() {
		_ = m.mutate(id, func(db *types.ConfidentialDB) error {
			if !db.Status.Live() || db.ProvisionedAt == nil {
				return nil
			}
			hours := int(math.Ceil(time.Since(*db.ProvisionedAt).Hours()))
			if hours < 1 {
				hours = 1
			}
			db.BilledHours = hours
			db.TotalCostUSD = float64(hours) * types.Tiers[db.Tier].PricePerHourUSD
			return nil
		})
	}
	m.refreshMetrics()
	return nil
}

func (m *Manager) provisionAsync(id, password string, gw cloud.Gateway) {
	ctx := m.baseCtx
	started := time.Now()

	m.mu.RLock()
	rec := m.dbs[id]
	m.mu.RUnlock()
	if rec == nil {
		return
	}
	spec := types.Tiers[rec.Tier]

	fail := func(cause error) {
		m.logger.Error().Err(cause).Str("database_id", id).Msg("provisioning failed")
		metrics.ProvisionsTotal.WithLabelValues("error").Inc()
		_ = m.mutate(id, func(db *types.ConfidentialDB) error {
			if db.Status != types.DBTerminated {
				db.Status = types.DBError
			}
			return nil
		})
	}

	if err := m.mutate(id, func(db *types.ConfidentialDB) error {
		return setStatus(db, types.DBProvisioning)
	}); err != nil {
		fail(err)
		return
	}

	userData := composeCloudInit(id, rec.Database, rec.Username, rec.PasswordHash, m.cfg.DomainSuffix, spec, rec.Port)
	inst, err := gw.Create(ctx, types.CreateInstanceRequest{
		Name:         id,
		InstanceType: spec.InstanceType,
		Region:       rec.Region,
		ImageID:      hardenedImage,
		UserData:     userData,
		Tags:         map[string]string{"dws:database": rec.Name, "dws:owner": rec.Owner},
		Extensions: map[string]string{
			types.ExtEnclaveEnabled:  "true",
			types.ExtEnclaveMemoryMB: fmt.Sprintf("%d", spec.EnclaveMemoryMB),
			types.ExtEnclaveCPUs:     fmt.Sprintf("%d", spec.EnclaveCPUs),
		},
	})
	if err != nil {
		fail(err)
		return
	}

	_ = m.mutate(id, func(db *types.ConfidentialDB) error {
		db.InstanceID = inst.ID
		return nil
	})

	cleanup := func() {
		if _, derr := gw.Delete(ctx, inst.ID); derr != nil {
			m.logger.Error().Err(derr).Str("database_id", id).Msg("instance cleanup failed")
		}
	}

	running, err := cloud.WaitRunning(ctx, gw, inst.ID, m.cfg.ProvisionTimeout)
	if err != nil {
		cleanup()
		fail(err)
		return
	}

	if err := m.mutate(id, func(db *types.ConfidentialDB) error {
		if err := setStatus(db, types.DBInitializing); err != nil {
			return err
		}
		db.PublicIP = running.PublicIP
		db.PrivateIP = running.PrivateIP
		return nil
	}); err != nil {
		cleanup()
		fail(err)
		return
	}

	addr := fmt.Sprintf("%s:%d", running.PublicIP, rec.Port)
	if err := m.prober.Probe(ctx, addr); err != nil {
		cleanup()
		fail(err)
		return
	}

	now := time.Now()
	if err := m.mutate(id, func(db *types.ConfidentialDB) error {
		if err := setStatus(db, types.DBRunning); err != nil {
			return err
		}
		db.ProvisionedAt = &now
		db.LastActivityAt = now
		db.EnclaveID = "enclave-" + inst.ID
		redacted := *db
		db.ConnectionString = connectionString(&redacted, "****")
		return nil
	}); err != nil {
		// A terminate won the race; the instance must not outlive it.
		cleanup()
		fail(err)
		return
	}

	metrics.ProvisionsTotal.WithLabelValues("success").Inc()
	metrics.ProvisionDuration.Observe(time.Since(started).Seconds())
	m.logger.Info().Str("database_id", id).Str("public_ip", running.PublicIP).Msg("database running")
}

// gatewayForRecord resolves the gateway a record was provisioned
// through, so lifecycle operations reach the same provider account
func (m *Manager) gatewayForRecord(rec *types.ConfidentialDB) (cloud.Gateway, error) {
	return m.gatewayFor(ProvisionRequest{
		Provider:     rec.Provider,
		CredentialID: rec.CredentialID,
		Region:       rec.Region,
	}, rec.Owner)
}

// setStatus advances the lifecycle state machine, refusing moves it
// does not define (a terminate that raced ahead stays terminated)
func setStatus(db *types.ConfidentialDB, to types.DBStatus) error {
	if !db.Status.CanTransition(to) {
		return errdefs.Conflict.New("database %s cannot move from %s to %s", db.ID, db.Status, to)
	}
	db.Status = to
	return nil
}

// deleteInstance is best-effort: a failed delete is logged, never fatal
// to the lifecycle transition that requested it
func (m *Manager) deleteInstance(ctx context.Context, rec *types.ConfidentialDB, instanceID string) {
	gw, err := m.gatewayForRecord(rec)
	if err != nil {
		m.logger.Error().Err(err).Str("database_id", rec.ID).Msg("no gateway to delete instance")
		return
	}
	if _, err := gw.Delete(ctx, instanceID); err != nil {
		m.logger.Error().Err(err).Str("database_id", rec.ID).Str("instance_id", instanceID).Msg("failed to delete instance")
	}
}

func (m *Manager) gatewayFor(req ProvisionRequest, owner string) (cloud.Gateway, error) {
	if req.CredentialID != "" {
		if m.creds == nil || m.registry == nil {
			return nil, errdefs.Validation.New("credential-backed provisioning is not configured")
		}
		dec, err := m.creds.GetDecrypted(req.CredentialID, owner)
		if err != nil {
			return nil, err
		}
		return m.registry.Gateway(req.Provider, *dec, req.Region)
	}
	if m.defaultGW != nil {
		return m.defaultGW, nil
	}
	return nil, errdefs.Validation.New("credential_id is required")
}

func (m *Manager) getOwned(id, owner string) (*types.ConfidentialDB, error) {
	m.mu.RLock()
	rec, ok := m.dbs[id]
	m.mu.RUnlock()
	if !ok {
		return nil, errdefs.NotFound.New("database %s not found", id)
	}
	if !auth.SameOwner(rec.Owner, owner) {
		return nil, errdefs.Unauthorized.New("address does not own database %s", id)
	}
	return rec, nil
}

// mutate applies fn to the record under its per-id lock and persists
func (m *Manager) mutate(id string, fn func(db *types.ConfidentialDB) error) error {
	m.mu.Lock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	m.mu.Unlock()

	l.Lock()
	defer l.Unlock()

	m.mu.RLock()
	rec, ok := m.dbs[id]
	m.mu.RUnlock()
	if !ok {
		return errdefs.NotFound.New("database %s not found", id)
	}
	if err := fn(rec); err != nil {
		return err
	}
	return m.persist(rec)
}

func (m *Manager) liveIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.dbs))
	for id := range m.dbs {
		ids = append(ids, id)
	}
	return ids
}

func (m *Manager) persist(rec *types.ConfidentialDB) error {
	if m.store == nil {
		return nil
	}
	if err := m.store.Save(rec); err != nil {
		return errdefs.Transient.Wrap(err)
	}
	return nil
}

func (m *Manager) refreshMetrics() {
	m.mu.RLock()
	defer m.mu.RUnlock()

	metrics.DatabasesTotal.Reset()
	var cost float64
	for _, db := range m.dbs {
		metrics.DatabasesTotal.WithLabelValues(string(db.Tier), string(db.Status)).Inc()
		cost += db.TotalCostUSD
	}
	metrics.AccruedCostUSD.Set(cost)
}

func connectionString(db *types.ConfidentialDB, password string) string {
	host := db.PublicIP
	if host == "" {
		host = "pending"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?tls=required", db.Username, password, host, db.Port, db.Database)
}

func generatePassword() (string, error) {
	buf := make([]byte, passwordLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i, b := range buf {
		buf[i] = passwordChars[int(b)%len(passwordChars)]
	}
	return string(buf), nil
}
