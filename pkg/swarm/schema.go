package swarm

import (
	"context"

	"github.com/openmesh/dws/pkg/errdefs"
	"github.com/openmesh/dws/pkg/statestore"
)

// The coordinator owns these tables; no other service writes to them.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS swarm_peers (
		node_id        TEXT PRIMARY KEY,
		endpoint       TEXT NOT NULL,
		region         TEXT NOT NULL DEFAULT '',
		last_seen      TIMESTAMP NOT NULL,
		latency_ms     REAL NOT NULL DEFAULT 0,
		reputation     INTEGER NOT NULL DEFAULT 1000,
		capabilities   TEXT NOT NULL DEFAULT '[]',
		upload_speed   REAL NOT NULL DEFAULT 0,
		download_speed REAL NOT NULL DEFAULT 0,
		connected      INTEGER NOT NULL DEFAULT 1
	)`,
	`CREATE INDEX IF NOT EXISTS idx_swarm_peers_reputation ON swarm_peers(reputation DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_swarm_peers_region ON swarm_peers(region)`,

	`CREATE TABLE IF NOT EXISTS swarm_content (
		cid           TEXT PRIMARY KEY,
		info_hash     TEXT NOT NULL,
		size          INTEGER NOT NULL DEFAULT 0,
		tier          TEXT NOT NULL DEFAULT 'cold',
		seeder_count  INTEGER NOT NULL DEFAULT 0,
		leecher_count INTEGER NOT NULL DEFAULT 0,
		regions       TEXT NOT NULL DEFAULT '[]',
		health        TEXT NOT NULL DEFAULT 'critical',
		last_audit    TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_swarm_content_seeders ON swarm_content(seeder_count)`,
	`CREATE INDEX IF NOT EXISTS idx_swarm_content_tier ON swarm_content(tier)`,

	`CREATE TABLE IF NOT EXISTS peer_content (
		node_id          TEXT NOT NULL,
		cid              TEXT NOT NULL,
		seeding          INTEGER NOT NULL DEFAULT 0,
		downloaded_bytes INTEGER NOT NULL DEFAULT 0,
		uploaded_bytes   INTEGER NOT NULL DEFAULT 0,
		started_at       TIMESTAMP NOT NULL,
		last_activity    TIMESTAMP NOT NULL,
		PRIMARY KEY (node_id, cid),
		FOREIGN KEY (node_id) REFERENCES swarm_peers(node_id) ON DELETE CASCADE,
		FOREIGN KEY (cid) REFERENCES swarm_content(cid) ON DELETE CASCADE
	)`,
	`CREATE INDEX IF NOT EXISTS idx_peer_content_cid ON peer_content(cid)`,

	`CREATE TABLE IF NOT EXISTS transfer_history (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		from_node   TEXT NOT NULL,
		to_node     TEXT NOT NULL,
		cid         TEXT NOT NULL,
		bytes       INTEGER NOT NULL DEFAULT 0,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		success     INTEGER NOT NULL,
		ts          TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_transfer_history_from ON transfer_history(from_node)`,
	`CREATE INDEX IF NOT EXISTS idx_transfer_history_cid ON transfer_history(cid)`,
}

func migrate(ctx context.Context, db *statestore.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return errdefs.Transient.Wrap(err)
		}
	}
	return nil
}
