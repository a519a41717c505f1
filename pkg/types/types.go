package types

import (
	"regexp"
	"time"
)

// CloudProvider identifies a supported cloud provider
type CloudProvider string

const (
	ProviderAWS          CloudProvider = "aws"
	ProviderGCP          CloudProvider = "gcp"
	ProviderAzure        CloudProvider = "azure"
	ProviderHetzner      CloudProvider = "hetzner"
	ProviderOVH          CloudProvider = "ovh"
	ProviderDigitalOcean CloudProvider = "digitalocean"
	ProviderVultr        CloudProvider = "vultr"
	ProviderLinode       CloudProvider = "linode"
)

// Valid reports whether p is a recognized provider
func (p CloudProvider) Valid() bool {
	switch p {
	case ProviderAWS, ProviderGCP, ProviderAzure, ProviderHetzner,
		ProviderOVH, ProviderDigitalOcean, ProviderVultr, ProviderLinode:
		return true
	}
	return false
}

// CredentialStatus represents the lifecycle state of a credential
type CredentialStatus string

const (
	CredentialActive  CredentialStatus = "active"
	CredentialExpired CredentialStatus = "expired"
	CredentialRevoked CredentialStatus = "revoked"
	CredentialError   CredentialStatus = "error"
)

// Credential is a stored cloud provider credential. The ApiKey, ApiSecret
// and ProjectID fields hold AES-256-GCM ciphertext encoded as
// base64(iv || ct || tag); plaintext never persists.
type Credential struct {
	ID           string           `json:"id"`
	Provider     CloudProvider    `json:"provider"`
	Name         string           `json:"name"`
	Owner        string           `json:"owner"` // lowercase 0x address
	EncAPIKey    string           `json:"enc_api_key"`
	EncAPISecret string           `json:"enc_api_secret,omitempty"`
	EncProjectID string           `json:"enc_project_id,omitempty"`
	Region       string           `json:"region,omitempty"`
	Scopes       []string         `json:"scopes,omitempty"` // "*" means any
	CreatedAt    time.Time        `json:"created_at"`
	LastUsedAt   time.Time        `json:"last_used_at,omitempty"`
	UsageCount   int64            `json:"usage_count"`
	ExpiresAt    *time.Time       `json:"expires_at,omitempty"`
	Status       CredentialStatus `json:"status"`
	LastError    string           `json:"last_error,omitempty"`
	LastErrorAt  *time.Time       `json:"last_error_at,omitempty"`
}

// CredentialMetadata is the caller-visible projection of a credential
// with all encrypted fields stripped.
type CredentialMetadata struct {
	ID         string           `json:"id"`
	Provider   CloudProvider    `json:"provider"`
	Name       string           `json:"name"`
	Owner      string           `json:"owner"`
	Region     string           `json:"region,omitempty"`
	Scopes     []string         `json:"scopes,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
	LastUsedAt time.Time        `json:"last_used_at,omitempty"`
	UsageCount int64            `json:"usage_count"`
	ExpiresAt  *time.Time       `json:"expires_at,omitempty"`
	Status     CredentialStatus `json:"status"`
}

// Metadata returns the projection of c without encrypted fields
func (c *Credential) Metadata() CredentialMetadata {
	return CredentialMetadata{
		ID:         c.ID,
		Provider:   c.Provider,
		Name:       c.Name,
		Owner:      c.Owner,
		Region:     c.Region,
		Scopes:     c.Scopes,
		CreatedAt:  c.CreatedAt,
		LastUsedAt: c.LastUsedAt,
		UsageCount: c.UsageCount,
		ExpiresAt:  c.ExpiresAt,
		Status:     c.Status,
	}
}

// DecryptedCredential carries plaintext credential material. It is
// returned only to the owning caller and must never be persisted.
type DecryptedCredential struct {
	APIKey    string
	APISecret string
	ProjectID string
}

// DBTier sizes a confidential database instance
type DBTier string

const (
	TierSmall  DBTier = "small"
	TierMedium DBTier = "medium"
	TierLarge  DBTier = "large"
	TierXLarge DBTier = "xlarge"
)

// TierSpec describes the resources and price of a tier
type TierSpec struct {
	InstanceType    string
	CPUCores        int
	MemoryMB        int
	StorageMB       int
	MaxConnections  int
	PricePerHourUSD float64
	EnclaveMemoryMB int
	EnclaveCPUs     int
}

// Tiers is the confidential database tier catalog
var Tiers = map[DBTier]TierSpec{
	TierSmall:  {InstanceType: "m5.xlarge", CPUCores: 4, MemoryMB: 8192, StorageMB: 102400, MaxConnections: 100, PricePerHourUSD: 0.17, EnclaveMemoryMB: 4096, EnclaveCPUs: 2},
	TierMedium: {InstanceType: "m5.2xlarge", CPUCores: 4, MemoryMB: 16384, StorageMB: 256000, MaxConnections: 200, PricePerHourUSD: 0.192, EnclaveMemoryMB: 8192, EnclaveCPUs: 2},
	TierLarge:  {InstanceType: "m5.4xlarge", CPUCores: 4, MemoryMB: 32768, StorageMB: 512000, MaxConnections: 400, PricePerHourUSD: 0.252, EnclaveMemoryMB: 16384, EnclaveCPUs: 2},
	TierXLarge: {InstanceType: "m5.8xlarge", CPUCores: 8, MemoryMB: 65536, StorageMB: 1048576, MaxConnections: 800, PricePerHourUSD: 0.504, EnclaveMemoryMB: 32768, EnclaveCPUs: 4},
}

// DBStatus represents the lifecycle state of a confidential database
type DBStatus string

const (
	DBPending      DBStatus = "pending"
	DBProvisioning DBStatus = "provisioning"
	DBInitializing DBStatus = "initializing"
	DBRunning      DBStatus = "running"
	DBIdle         DBStatus = "idle"
	DBStopping     DBStatus = "stopping"
	DBStopped      DBStatus = "stopped"
	DBTerminated   DBStatus = "terminated"
	DBError        DBStatus = "error"
)

var dbTransitions = map[DBStatus][]DBStatus{
	DBPending:      {DBProvisioning, DBError, DBTerminated},
	DBProvisioning: {DBInitializing, DBError, DBTerminated},
	DBInitializing: {DBRunning, DBError, DBTerminated},
	DBRunning:      {DBIdle, DBStopping, DBTerminated, DBError},
	DBIdle:         {DBRunning, DBStopping, DBTerminated, DBError},
	DBStopping:     {DBStopped, DBError, DBTerminated},
	DBStopped:      {DBPending, DBTerminated},
	DBError:        {DBPending, DBTerminated},
	DBTerminated:   {},
}

// CanTransition reports whether the database state machine allows
// moving from one status to another. Terminated is terminal.
func (s DBStatus) CanTransition(to DBStatus) bool {
	for _, next := range dbTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Live reports whether the database is billed and subject to idle checks
func (s DBStatus) Live() bool {
	return s == DBRunning || s == DBIdle
}

// DBNamePattern constrains confidential database names
var DBNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,62}$`)

// ConfidentialDB is a hardware-isolated database instance
type ConfidentialDB struct {
	ID                  string        `json:"id"`
	Owner               string        `json:"owner"`
	Name                string        `json:"name"`
	Tier                DBTier        `json:"tier"`
	Status              DBStatus      `json:"status"`
	Provider            CloudProvider `json:"provider,omitempty"`
	CredentialID        string        `json:"credential_id,omitempty"`
	InstanceID          string        `json:"instance_id,omitempty"`
	PublicIP            string        `json:"public_ip,omitempty"`
	PrivateIP           string        `json:"private_ip,omitempty"`
	Region              string        `json:"region"`
	Port                int           `json:"port"`
	Database            string        `json:"database"`
	Username            string        `json:"username"`
	PasswordHash        string        `json:"password_hash"` // SHA-256 hex
	ConnectionString    string        `json:"connection_string,omitempty"`
	AttestationDocument string        `json:"attestation_document,omitempty"`
	EnclaveID           string        `json:"enclave_id,omitempty"`
	CreatedAt           time.Time     `json:"created_at"`
	ProvisionedAt       *time.Time    `json:"provisioned_at,omitempty"`
	LastActivityAt      time.Time     `json:"last_activity_at"`
	TerminatedAt        *time.Time    `json:"terminated_at,omitempty"`
	TotalCostUSD        float64       `json:"total_cost_usd"`
	BilledHours         int           `json:"billed_hours"`
	IdleTimeoutMs       int64         `json:"idle_timeout_ms"`
	AutoTerminate       bool          `json:"auto_terminate"`
}

// DBStats aggregates confidential database counts and cost
type DBStats struct {
	Total        int                `json:"total"`
	ByStatus     map[DBStatus]int   `json:"by_status"`
	ByTier       map[DBTier]int     `json:"by_tier"`
	ByRegion     map[string]int     `json:"by_region"`
	TotalCostUSD float64            `json:"total_cost_usd"`
}

// InstanceStatus represents cloud instance state
type InstanceStatus string

const (
	InstancePending    InstanceStatus = "pending"
	InstanceRunning    InstanceStatus = "running"
	InstanceStopped    InstanceStatus = "stopped"
	InstanceTerminated InstanceStatus = "terminated"
)

// Instance is the provider-independent projection of a cloud instance
type Instance struct {
	ID           string            `json:"id"`
	PublicIP     string            `json:"public_ip,omitempty"`
	PrivateIP    string            `json:"private_ip,omitempty"`
	Status       InstanceStatus    `json:"status"`
	InstanceType string            `json:"instance_type"`
	Region       string            `json:"region"`
	LaunchTime   time.Time         `json:"launch_time"`
	Tags         map[string]string `json:"tags,omitempty"`
}

// CreateInstanceRequest asks a cloud provider driver for a new instance.
// Provider-specific options (enclave settings and the like) travel in
// Extensions; drivers ignore keys they do not recognize.
type CreateInstanceRequest struct {
	Name         string
	InstanceType string
	Region       string
	ImageID      string
	UserData     string
	Tags         map[string]string
	Extensions   map[string]string
}

// Extension keys understood by enclave-capable drivers
const (
	ExtEnclaveEnabled  = "enclave.enabled"
	ExtEnclaveMemoryMB = "enclave.memory_mb"
	ExtEnclaveCPUs     = "enclave.cpus"
)

// StorageProviderType classifies a storage provider
type StorageProviderType string

const (
	StorageBlock  StorageProviderType = "block"
	StorageObject StorageProviderType = "object"
	StorageIPFS   StorageProviderType = "ipfs"
	StorageHybrid StorageProviderType = "hybrid"
)

// StorageProvider is a registered storage provider and its claims
type StorageProvider struct {
	ID                    string              `json:"id"`
	Address               string              `json:"address"`
	Endpoint              string              `json:"endpoint"`
	Type                  StorageProviderType `json:"type"`
	ClaimedCapacityMB     int64               `json:"claimed_capacity_mb"`
	ClaimedIOPS           int64               `json:"claimed_iops"`
	ClaimedThroughputMBps float64             `json:"claimed_throughput_mbps"`
	Region                string              `json:"region"`
	RegisteredAt          time.Time           `json:"registered_at"`
}

// IOPSMetrics holds random access benchmark results
type IOPSMetrics struct {
	RandomRead4K   float64 `json:"random_read_4k"`
	RandomWrite4K  float64 `json:"random_write_4k"`
	RandomRead64K  float64 `json:"random_read_64k"`
	RandomWrite64K float64 `json:"random_write_64k"`
	MixedReadWrite float64 `json:"mixed_read_write"`
}

// ThroughputMetrics holds sequential and parallel transfer results in MB/s
type ThroughputMetrics struct {
	SequentialRead  float64 `json:"sequential_read"`
	SequentialWrite float64 `json:"sequential_write"`
	ParallelRead    float64 `json:"parallel_read"`
	ParallelWrite   float64 `json:"parallel_write"`
}

// LatencyMetrics holds latency results in milliseconds
type LatencyMetrics struct {
	FirstByte    float64 `json:"first_byte"`
	AverageRead  float64 `json:"average_read"`
	AverageWrite float64 `json:"average_write"`
	P99Read      float64 `json:"p99_read"`
	P99Write     float64 `json:"p99_write"`
}

// DurabilityMetrics holds write-read-verify results
type DurabilityMetrics struct {
	DataIntegrityScore float64 `json:"data_integrity_score"`
	ChecksumMatched    bool    `json:"checksum_matched"`
}

// NetworkMetrics holds connection quality results
type NetworkMetrics struct {
	PingMs        float64 `json:"ping_ms"`
	PacketLossPct float64 `json:"packet_loss_pct"`
}

// IPFSMetrics holds IPFS-specific benchmark results
type IPFSMetrics struct {
	PinningSpeedMBps   float64 `json:"pinning_speed_mbps"`
	ResolutionMs       float64 `json:"resolution_ms"`
	RetrievalMs        float64 `json:"retrieval_ms"`
	SwarmPeers         int     `json:"swarm_peers"`
}

// BenchmarkResult is one complete benchmark run against a provider
type BenchmarkResult struct {
	ProviderID      string            `json:"provider_id"`
	Timestamp       time.Time         `json:"timestamp"`
	IOPS            IOPSMetrics       `json:"iops"`
	Throughput      ThroughputMetrics `json:"throughput"`
	Latency         LatencyMetrics    `json:"latency"`
	Durability      DurabilityMetrics `json:"durability"`
	Network         NetworkMetrics    `json:"network"`
	IPFS            *IPFSMetrics      `json:"ipfs,omitempty"`
	OverallScore    int               `json:"overall_score"` // [0,10000]
	DeviationPct    float64           `json:"deviation_pct"`
	AttestationHash string            `json:"attestation_hash"` // hex digest
}

// Reputation tracks a storage provider's standing
type Reputation struct {
	ProviderID           string    `json:"provider_id"`
	Score                int       `json:"score"` // [0,100], starts at 50
	BenchmarkCount       int       `json:"benchmark_count"`
	PassCount            int       `json:"pass_count"`
	FailCount            int       `json:"fail_count"`
	LastBenchmarkAt      time.Time `json:"last_benchmark_at"`
	LastDeviationPercent float64   `json:"last_deviation_percent"`
	UptimePercent        float64   `json:"uptime_percent"`
	Flags                []string  `json:"flags,omitempty"`
}

// ContentTier orders swarm content by importance (system first)
type ContentTier string

const (
	ContentSystem  ContentTier = "system"
	ContentPopular ContentTier = "popular"
	ContentCold    ContentTier = "cold"
)

// TierOrder gives the rebalance priority of a content tier
func TierOrder(t ContentTier) int {
	switch t {
	case ContentSystem:
		return 0
	case ContentPopular:
		return 1
	default:
		return 2
	}
}

// ContentHealth classifies content replication health
type ContentHealth string

const (
	HealthExcellent ContentHealth = "excellent"
	HealthGood      ContentHealth = "good"
	HealthDegraded  ContentHealth = "degraded"
	HealthCritical  ContentHealth = "critical"
)

// HealthForSeeders derives content health from the seeder count
func HealthForSeeders(seeders, minPeers, targetPeers int) ContentHealth {
	switch {
	case seeders >= targetPeers:
		return HealthExcellent
	case seeders >= minPeers:
		return HealthGood
	case seeders >= 2:
		return HealthDegraded
	default:
		return HealthCritical
	}
}

// Peer is a swarm participant
type Peer struct {
	NodeID           string    `json:"node_id"`
	Endpoint         string    `json:"endpoint"`
	Region           string    `json:"region"`
	LastSeen         time.Time `json:"last_seen"`
	LatencyMs        float64   `json:"latency_ms"`
	Reputation       int       `json:"reputation"` // [0,10000], starts at 1000
	Capabilities     []string  `json:"capabilities,omitempty"`
	AvailableContent []string  `json:"available_content,omitempty"`
	UploadSpeed      float64   `json:"upload_speed"`
	DownloadSpeed    float64   `json:"download_speed"`
	Connected        bool      `json:"connected"`
}

// SwarmContent is a content item tracked by the coordinator
type SwarmContent struct {
	CID          string        `json:"cid"`
	InfoHash     string        `json:"info_hash"`
	Size         int64         `json:"size"`
	Tier         ContentTier   `json:"tier"`
	SeederCount  int           `json:"seeder_count"`
	LeecherCount int           `json:"leecher_count"`
	Regions      []string      `json:"regions,omitempty"`
	Health       ContentHealth `json:"health"`
	LastAudit    time.Time     `json:"last_audit"`
}

// PeerContent joins a peer to a content item it holds or fetches
type PeerContent struct {
	NodeID          string    `json:"node_id"`
	CID             string    `json:"cid"`
	Seeding         bool      `json:"seeding"`
	DownloadedBytes int64     `json:"downloaded_bytes"`
	UploadedBytes   int64     `json:"uploaded_bytes"`
	StartedAt       time.Time `json:"started_at"`
	LastActivity    time.Time `json:"last_activity"`
}

// TransferRecord is one append-only swarm transfer history row
type TransferRecord struct {
	FromNode   string    `json:"from_node"`
	ToNode     string    `json:"to_node"`
	CID        string    `json:"cid"`
	Bytes      int64     `json:"bytes"`
	DurationMs int64     `json:"duration_ms"`
	Success    bool      `json:"success"`
	Timestamp  time.Time `json:"timestamp"`
}

// SwarmStats aggregates swarm state for this node
type SwarmStats struct {
	Peers           int     `json:"peers"`
	ConnectedPeers  int     `json:"connected_peers"`
	ContentItems    int     `json:"content_items"`
	BytesUploaded   int64   `json:"bytes_uploaded"`
	BytesDownloaded int64   `json:"bytes_downloaded"`
	HealthScore     float64 `json:"health_score"` // min(100, avg peer reputation / 100)
}

// AuditAction classifies an audit log entry
type AuditAction string

const (
	AuditCreate AuditAction = "create"
	AuditUse    AuditAction = "use"
	AuditRevoke AuditAction = "revoke"
	AuditDelete AuditAction = "delete"
)

// AuditEntry records one credential or lifecycle event
type AuditEntry struct {
	Timestamp    time.Time   `json:"timestamp"`
	Action       AuditAction `json:"action"`
	CredentialID string      `json:"credential_id"`
	Owner        string      `json:"owner"`
	Details      string      `json:"details,omitempty"`
}
