// Package storagebench registers storage providers, benchmarks them
// and keeps a saturating reputation per provider.
//
// A benchmark run drives the provider's own surface (object PUT/GET
// for block and object providers, the IPFS HTTP API for IPFS
// providers), scores the observed IOPS, throughput and latency into
// [0, 10000], and measures how far the observations deviate from the
// provider's registered claims. Deviation classifies the run as pass,
// warn or fail and moves the reputation score accordingly; failing
// runs are flagged, and runs past the slash threshold carry an
// additional slash recommendation flag. Benchmark cadence scales
// inversely with reputation, with a small daily random spot check.
// Each result is bound to the provider and timestamp by an
// attestation hash and published best-effort to the chain.
package storagebench
