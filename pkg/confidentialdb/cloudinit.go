package confidentialdb

import (
	"fmt"

	"github.com/openmesh/dws/pkg/types"
)

// composeCloudInit renders the instance user data installing the
// hardened database image inside the enclave. TLS uses a self-signed
// certificate whose CN is <id>.<suffix>; runtime parameters are tuned
// from the tier.
func composeCloudInit(id, dbName, username, passwordHash, domainSuffix string, spec types.TierSpec, port int) string {
	sharedBuffersMB := spec.MemoryMB / 4
	effectiveCacheMB := spec.MemoryMB * 3 / 4
	cn := fmt.Sprintf("%s.%s", id, domainSuffix)

	return fmt.Sprintf(`#cloud-config
write_files:
  - path: /etc/dws/db.conf
    permissions: "0600"
    content: |
      listen_port = %d
      database = %s
      username = %s
      password_sha256 = %s
      shared_buffers = %dMB
      effective_cache_size = %dMB
      max_connections = %d
      ssl = on
      ssl_cert_cn = %s
runcmd:
  - openssl req -x509 -newkey rsa:4096 -nodes -days 365 -subj "/CN=%s" -keyout /etc/dws/tls.key -out /etc/dws/tls.crt
  - dws-enclave-run --image hardened-db --memory-mb %d --cpus %d --config /etc/dws/db.conf
`,
		port, dbName, username, passwordHash,
		sharedBuffersMB, effectiveCacheMB, spec.MaxConnections, cn,
		cn, spec.EnclaveMemoryMB, spec.EnclaveCPUs)
}
