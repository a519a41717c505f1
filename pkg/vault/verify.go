package vault

import (
	"context"
	"encoding/json"
	"net/http"
	"regexp"
	"time"

	"github.com/openmesh/dws/pkg/errdefs"
	"github.com/openmesh/dws/pkg/types"
)

// verifyTimeout bounds every provider verification call
const verifyTimeout = 15 * time.Second

var awsAccessKeyPattern = regexp.MustCompile(`^(AKIA|ASIA)[A-Z0-9]{16}$`)

// accountEndpoints are the authenticated GET targets used to verify
// token-style providers. A 401/403 means the token is bad; any other
// non-2xx is a provider-side error.
var accountEndpoints = map[types.CloudProvider]string{
	types.ProviderHetzner:      "https://api.hetzner.cloud/v1/servers",
	types.ProviderDigitalOcean: "https://api.digitalocean.com/v2/account",
	types.ProviderVultr:        "https://api.vultr.com/v2/account",
	types.ProviderLinode:       "https://api.linode.com/v4/account",
}

// verifier checks that submitted credentials are usable before the
// vault encrypts them.
type verifier struct {
	client *http.Client
}

func newVerifier(timeout time.Duration) *verifier {
	if timeout <= 0 {
		timeout = verifyTimeout
	}
	return &verifier{client: &http.Client{Timeout: timeout}}
}

// verify dispatches on provider. Token providers hit a live account
// endpoint; the rest are format checks.
func (v *verifier) verify(ctx context.Context, req StoreRequest) error {
	switch req.Provider {
	case types.ProviderHetzner, types.ProviderDigitalOcean, types.ProviderVultr, types.ProviderLinode:
		return v.verifyBearerToken(ctx, req.Provider, req.APIKey)
	case types.ProviderAWS:
		return verifyAWS(req)
	case types.ProviderGCP:
		return verifyGCP(req)
	case types.ProviderAzure:
		return verifyPair("azure", req.APIKey, req.APISecret)
	case types.ProviderOVH:
		return verifyPair("ovh", req.APIKey, req.APISecret)
	default:
		return errdefs.Validation.New("unsupported provider %q", req.Provider)
	}
}

func (v *verifier) verifyBearerToken(ctx context.Context, provider types.CloudProvider, token string) error {
	if token == "" {
		return errdefs.Validation.New("%s: api key is required", provider)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, accountEndpoints[provider], nil)
	if err != nil {
		return errdefs.Provider.Wrap(err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := v.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return errdefs.Timeout.New("%s verification timed out", provider)
		}
		return errdefs.Transient.Wrap(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return errdefs.Validation.New("%s rejected the credential", provider)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return errdefs.Provider.New("%s returned status %d", provider, resp.StatusCode)
	}
	return nil
}

func verifyAWS(req StoreRequest) error {
	if !awsAccessKeyPattern.MatchString(req.APIKey) {
		return errdefs.Validation.New("aws: access key must match AKIA/ASIA format")
	}
	if len(req.APISecret) != 40 {
		return errdefs.Validation.New("aws: secret access key must be exactly 40 characters")
	}
	return nil
}

func verifyGCP(req StoreRequest) error {
	var sa map[string]any
	if err := json.Unmarshal([]byte(req.APIKey), &sa); err != nil {
		return errdefs.Validation.New("gcp: api key must be a service account JSON document")
	}
	if sa["type"] != "service_account" {
		return errdefs.Validation.New("gcp: JSON type must be service_account")
	}
	for _, field := range []string{"project_id", "private_key_id", "private_key", "client_email"} {
		s, ok := sa[field].(string)
		if !ok || s == "" {
			return errdefs.Validation.New("gcp: service account JSON missing %s", field)
		}
	}
	return nil
}

func verifyPair(provider, key, secret string) error {
	if len(key) < 10 || len(secret) < 10 {
		return errdefs.Validation.New("%s: key and secret must each be at least 10 characters", provider)
	}
	return nil
}
