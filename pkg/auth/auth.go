// Package auth implements the bearer-address authentication and
// ownership checks shared by every public DWS operation. Callers are
// identified by a 160-bit address carried in a bearer-like header;
// addresses are normalized to lowercase at this boundary and compared
// case-insensitively everywhere else.
package auth

import (
	"net/http"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/time/rate"

	"github.com/openmesh/dws/pkg/errdefs"
)

// HeaderAuthorization is the header carrying the caller address
const HeaderAuthorization = "Authorization"

// NormalizeAddress validates a 160-bit hex address and returns its
// lowercase canonical form.
func NormalizeAddress(s string) (string, error) {
	if !common.IsHexAddress(s) {
		return "", errdefs.Validation.New("malformed address %q", s)
	}
	return strings.ToLower(common.HexToAddress(s).Hex()), nil
}

// SameOwner compares two addresses case-insensitively
func SameOwner(a, b string) bool {
	return strings.EqualFold(a, b)
}

// Gateway authenticates requests and rate-limits per principal
type Gateway struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

// NewGateway creates an auth gateway with per-principal rate limits
func NewGateway(perSecond float64, burst int) *Gateway {
	if perSecond <= 0 {
		perSecond = 10
	}
	if burst <= 0 {
		burst = 20
	}
	return &Gateway{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(perSecond),
		burst:    burst,
	}
}

// Authenticate extracts and validates the caller address from a bearer
// header value. Missing header yields Unauthenticated; a well-formed
// principal over its rate budget yields RateLimited.
func (g *Gateway) Authenticate(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errdefs.Unauthenticated.New("missing bearer address")
	}
	header = strings.TrimPrefix(header, "Bearer ")

	addr, err := NormalizeAddress(header)
	if err != nil {
		return "", errdefs.Unauthenticated.New("malformed bearer address")
	}

	if !g.limiter(addr).Allow() {
		return "", errdefs.RateLimited.New("rate limit exceeded for %s", addr)
	}
	return addr, nil
}

// AuthenticateRequest authenticates an HTTP request
func (g *Gateway) AuthenticateRequest(r *http.Request) (string, error) {
	return g.Authenticate(r.Header.Get(HeaderAuthorization))
}

// Authorize checks that the authenticated principal owns the resource
func (g *Gateway) Authorize(principal, owner string) error {
	if !SameOwner(principal, owner) {
		return errdefs.Unauthorized.New("address %s does not own this resource", principal)
	}
	return nil
}

func (g *Gateway) limiter(addr string) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.limiters[addr]
	if !ok {
		l = rate.NewLimiter(g.rate, g.burst)
		g.limiters[addr] = l
	}
	return l
}
