/*
Package vault implements the encrypt-at-rest credential store for
cloud provider credentials.

Each credential field is encrypted with AES-256-GCM under a per-owner
key derived from the master key via HKDF-SHA256 with the owner address
and a fixed domain label. Ciphertexts are stored as
base64(iv || ct || tag) with a fresh 96-bit random IV per encryption.

Access is strictly owner-scoped: cross-owner reads are audited and
answered with "not found" so the vault never acts as an existence
oracle. Status transitions are monotone (active -> expired, revoked or
error); only explicit re-verification lifts error back to active, and
revoked and deleted are terminal.
*/
package vault
