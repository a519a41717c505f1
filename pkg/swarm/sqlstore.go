package swarm

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/openmesh/dws/pkg/errdefs"
	"github.com/openmesh/dws/pkg/statestore"
	"github.com/openmesh/dws/pkg/types"
)

// Store is the coordinator's view of the state store
type Store interface {
	UpsertPeer(ctx context.Context, p *types.Peer) error
	GetPeer(ctx context.Context, nodeID string) (*types.Peer, error)
	TopPeers(ctx context.Context, limit int) ([]*types.Peer, error)
	AllPeers(ctx context.Context) ([]*types.Peer, error)
	RegionalPeers(ctx context.Context, selfID, selfRegion string, limit int) ([]*types.Peer, error)
	// AdjustReputation moves the peer's reputation by delta, clamped
	// to [0, 10000], returning the new value
	AdjustReputation(ctx context.Context, nodeID string, delta int) (int, error)
	MarkPeerSeen(ctx context.Context, nodeID string, latencyMs float64, connected bool) error
	DeletePeer(ctx context.Context, nodeID string) error

	UpsertContent(ctx context.Context, c *types.SwarmContent) error
	GetContent(ctx context.Context, cid string) (*types.SwarmContent, error)
	UnderReplicated(ctx context.Context, minSeeders, limit int) ([]*types.SwarmContent, error)
	AllContent(ctx context.Context) ([]*types.SwarmContent, error)
	SetContentHealth(ctx context.Context, cid string, health types.ContentHealth) error

	UpsertPeerContent(ctx context.Context, pc *types.PeerContent) error
	PeersForContent(ctx context.Context, cid string, limit int) ([]*types.Peer, error)
	AddPeerContentBytes(ctx context.Context, nodeID, cid string, uploaded, downloaded int64) error

	AppendTransfer(ctx context.Context, rec *types.TransferRecord) error
	NodeTransferTotals(ctx context.Context, nodeID string) (uploaded, downloaded int64, err error)
}

// SQLStore implements Store on the SQL state store
type SQLStore struct {
	db *statestore.DB
}

// NewSQLStore runs the schema and returns the store
func NewSQLStore(ctx context.Context, db *statestore.DB) (*SQLStore, error) {
	if err := migrate(ctx, db); err != nil {
		return nil, err
	}
	return &SQLStore{db: db}, nil
}

const peerColumns = `node_id, endpoint, region, last_seen, latency_ms, reputation,
	capabilities, upload_speed, download_speed, connected`

func (s *SQLStore) UpsertPeer(ctx context.Context, p *types.Peer) error {
	caps, err := json.Marshal(p.Capabilities)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO swarm_peers (`+peerColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(node_id) DO UPDATE SET
			endpoint = excluded.endpoint,
			region = excluded.region,
			last_seen = excluded.last_seen,
			latency_ms = excluded.latency_ms,
			capabilities = excluded.capabilities,
			upload_speed = excluded.upload_speed,
			download_speed = excluded.download_speed,
			connected = excluded.connected`,
		p.NodeID, p.Endpoint, p.Region, p.LastSeen, p.LatencyMs, p.Reputation,
		string(caps), p.UploadSpeed, p.DownloadSpeed, boolInt(p.Connected))
	if err != nil {
		return errdefs.Transient.Wrap(err)
	}
	return nil
}

func (s *SQLStore) GetPeer(ctx context.Context, nodeID string) (*types.Peer, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+peerColumns+` FROM swarm_peers WHERE node_id = ?`, nodeID)
	p, err := scanPeer(row)
	if err == sql.ErrNoRows {
		return nil, errdefs.NotFound.New("peer %s not found", nodeID)
	}
	return p, err
}

func (s *SQLStore) TopPeers(ctx context.Context, limit int) ([]*types.Peer, error) {
	return s.queryPeers(ctx, `
		SELECT `+peerColumns+` FROM swarm_peers
		ORDER BY reputation DESC, latency_ms ASC LIMIT ?`, limit)
}

func (s *SQLStore) AllPeers(ctx context.Context) ([]*types.Peer, error) {
	return s.queryPeers(ctx, `SELECT `+peerColumns+` FROM swarm_peers`)
}

func (s *SQLStore) RegionalPeers(ctx context.Context, selfID, selfRegion string, limit int) ([]*types.Peer, error) {
	return s.queryPeers(ctx, `
		SELECT `+peerColumns+` FROM swarm_peers
		WHERE node_id != ?
		ORDER BY (region = ?) DESC, reputation DESC, latency_ms ASC
		LIMIT ?`, selfID, selfRegion, limit)
}

func (s *SQLStore) AdjustReputation(ctx context.Context, nodeID string, delta int) (int, error) {
	_, err := s.db.ExecContext(ctx, `
		UPDATE swarm_peers
		SET reputation = MAX(0, MIN(10000, reputation + ?))
		WHERE node_id = ?`, delta, nodeID)
	if err != nil {
		return 0, errdefs.Transient.Wrap(err)
	}

	var reputation int
	err = s.db.QueryRowContext(ctx,
		`SELECT reputation FROM swarm_peers WHERE node_id = ?`, nodeID).Scan(&reputation)
	if err == sql.ErrNoRows {
		return 0, errdefs.NotFound.New("peer %s not found", nodeID)
	}
	if err != nil {
		return 0, errdefs.Transient.Wrap(err)
	}
	return reputation, nil
}

func (s *SQLStore) MarkPeerSeen(ctx context.Context, nodeID string, latencyMs float64, connected bool) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE swarm_peers
		SET last_seen = ?, latency_ms = ?, connected = ?
		WHERE node_id = ?`, time.Now(), latencyMs, boolInt(connected), nodeID)
	if err != nil {
		return errdefs.Transient.Wrap(err)
	}
	return nil
}

func (s *SQLStore) DeletePeer(ctx context.Context, nodeID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM swarm_peers WHERE node_id = ?`, nodeID)
	if err != nil {
		return errdefs.Transient.Wrap(err)
	}
	return nil
}

func (s *SQLStore) UpsertContent(ctx context.Context, c *types.SwarmContent) error {
	regions, err := json.Marshal(c.Regions)
	if err != nil {
		return err
	}
	// Re-registering known content means another seeder reports in
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO swarm_content (cid, info_hash, size, tier, seeder_count, leecher_count, regions, health, last_audit)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(cid) DO UPDATE SET
			seeder_count = swarm_content.seeder_count + 1,
			last_audit = excluded.last_audit`,
		c.CID, c.InfoHash, c.Size, string(c.Tier), c.SeederCount, c.LeecherCount,
		string(regions), string(c.Health), time.Now())
	if err != nil {
		return errdefs.Transient.Wrap(err)
	}
	return nil
}

func (s *SQLStore) GetContent(ctx context.Context, cid string) (*types.SwarmContent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT cid, info_hash, size, tier, seeder_count, leecher_count, regions, health, last_audit
		FROM swarm_content WHERE cid = ?`, cid)
	c, err := scanContent(row)
	if err == sql.ErrNoRows {
		return nil, errdefs.NotFound.New("content %s not found", cid)
	}
	return c, err
}

func (s *SQLStore) UnderReplicated(ctx context.Context, minSeeders, limit int) ([]*types.SwarmContent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT cid, info_hash, size, tier, seeder_count, leecher_count, regions, health, last_audit
		FROM swarm_content
		WHERE seeder_count < ?
		ORDER BY CASE tier WHEN 'system' THEN 0 WHEN 'popular' THEN 1 ELSE 2 END,
			seeder_count ASC
		LIMIT ?`, minSeeders, limit)
	if err != nil {
		return nil, errdefs.Transient.Wrap(err)
	}
	defer rows.Close()
	return collectContent(rows)
}

func (s *SQLStore) AllContent(ctx context.Context) ([]*types.SwarmContent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT cid, info_hash, size, tier, seeder_count, leecher_count, regions, health, last_audit
		FROM swarm_content`)
	if err != nil {
		return nil, errdefs.Transient.Wrap(err)
	}
	defer rows.Close()
	return collectContent(rows)
}

func (s *SQLStore) SetContentHealth(ctx context.Context, cid string, health types.ContentHealth) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE swarm_content SET health = ?, last_audit = ? WHERE cid = ?`,
		string(health), time.Now(), cid)
	if err != nil {
		return errdefs.Transient.Wrap(err)
	}
	return nil
}

func (s *SQLStore) UpsertPeerContent(ctx context.Context, pc *types.PeerContent) error {
	// A leech row never demotes an existing seed row
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO peer_content (node_id, cid, seeding, downloaded_bytes, uploaded_bytes, started_at, last_activity)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(node_id, cid) DO UPDATE SET
			seeding = MAX(peer_content.seeding, excluded.seeding),
			last_activity = excluded.last_activity`,
		pc.NodeID, pc.CID, boolInt(pc.Seeding), pc.DownloadedBytes, pc.UploadedBytes,
		pc.StartedAt, pc.LastActivity)
	if err != nil {
		return errdefs.Transient.Wrap(err)
	}
	return nil
}

func (s *SQLStore) PeersForContent(ctx context.Context, cid string, limit int) ([]*types.Peer, error) {
	return s.queryPeers(ctx, `
		SELECT p.node_id, p.endpoint, p.region, p.last_seen, p.latency_ms, p.reputation,
			p.capabilities, p.upload_speed, p.download_speed, p.connected
		FROM peer_content pc
		JOIN swarm_peers p ON p.node_id = pc.node_id
		WHERE pc.cid = ? AND pc.seeding = 1
		ORDER BY p.reputation DESC, p.latency_ms ASC
		LIMIT ?`, cid, limit)
}

func (s *SQLStore) AddPeerContentBytes(ctx context.Context, nodeID, cid string, uploaded, downloaded int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE peer_content
		SET uploaded_bytes = uploaded_bytes + ?,
			downloaded_bytes = downloaded_bytes + ?,
			last_activity = ?
		WHERE node_id = ? AND cid = ?`,
		uploaded, downloaded, time.Now(), nodeID, cid)
	if err != nil {
		return errdefs.Transient.Wrap(err)
	}
	return nil
}

func (s *SQLStore) AppendTransfer(ctx context.Context, rec *types.TransferRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transfer_history (from_node, to_node, cid, bytes, duration_ms, success, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.FromNode, rec.ToNode, rec.CID, rec.Bytes, rec.DurationMs,
		boolInt(rec.Success), rec.Timestamp)
	if err != nil {
		return errdefs.Transient.Wrap(err)
	}
	return nil
}

func (s *SQLStore) NodeTransferTotals(ctx context.Context, nodeID string) (int64, int64, error) {
	var uploaded, downloaded int64
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE((SELECT SUM(bytes) FROM transfer_history WHERE from_node = ? AND success = 1), 0),
			COALESCE((SELECT SUM(bytes) FROM transfer_history WHERE to_node = ? AND success = 1), 0)`,
		nodeID, nodeID).Scan(&uploaded, &downloaded)
	if err != nil {
		return 0, 0, errdefs.Transient.Wrap(err)
	}
	return uploaded, downloaded, nil
}

func (s *SQLStore) queryPeers(ctx context.Context, query string, args ...any) ([]*types.Peer, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errdefs.Transient.Wrap(err)
	}
	defer rows.Close()

	var peers []*types.Peer
	for rows.Next() {
		p, err := scanPeer(rows)
		if err != nil {
			return nil, err
		}
		peers = append(peers, p)
	}
	return peers, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPeer(row rowScanner) (*types.Peer, error) {
	var p types.Peer
	var caps string
	var connected int
	err := row.Scan(&p.NodeID, &p.Endpoint, &p.Region, &p.LastSeen, &p.LatencyMs,
		&p.Reputation, &caps, &p.UploadSpeed, &p.DownloadSpeed, &connected)
	if err != nil {
		return nil, err
	}
	p.Connected = connected != 0
	if err := json.Unmarshal([]byte(caps), &p.Capabilities); err != nil {
		return nil, errdefs.Integrity.Wrap(err)
	}
	return &p, nil
}

func scanContent(row rowScanner) (*types.SwarmContent, error) {
	var c types.SwarmContent
	var tier, regions, health string
	var lastAudit sql.NullTime
	err := row.Scan(&c.CID, &c.InfoHash, &c.Size, &tier, &c.SeederCount,
		&c.LeecherCount, &regions, &health, &lastAudit)
	if err != nil {
		return nil, err
	}
	c.Tier = types.ContentTier(tier)
	c.Health = types.ContentHealth(health)
	if lastAudit.Valid {
		c.LastAudit = lastAudit.Time
	}
	if err := json.Unmarshal([]byte(regions), &c.Regions); err != nil {
		return nil, errdefs.Integrity.Wrap(err)
	}
	return &c, nil
}

func collectContent(rows *sql.Rows) ([]*types.SwarmContent, error) {
	var out []*types.SwarmContent
	for rows.Next() {
		c, err := scanContent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
