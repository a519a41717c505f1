// Package swarm coordinates BitTorrent-style content distribution
// across geographically distributed peers.
//
// The coordinator keeps peers, content, the peer-content join and an
// append-only transfer history in an external SQL state store, with an
// in-memory cache of the best-reputed peers. Peer reputation is a
// saturating score in [0, 10000]: +1 per successful transfer, -10 per
// failed one, -5 per failed health probe. A health loop probes stale
// peers and evicts the long-gone; a rebalance loop asks regional peers
// to replicate under-replicated content, system tier first, and keeps
// every item's health in step with its seeder count.
package swarm
