package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmesh/dws/pkg/errdefs"
)

func TestNormalizeAddress(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{
			name: "mixed case normalizes to lowercase",
			in:   "0x1234567890AbCdEf1234567890aBcDeF12345678",
			want: "0x1234567890abcdef1234567890abcdef12345678",
		},
		{
			name:    "too short",
			in:      "0x1234",
			wantErr: true,
		},
		{
			name:    "not hex",
			in:      "0xzzzz567890abcdef1234567890abcdef12345678",
			wantErr: true,
		},
		{
			name:    "empty",
			in:      "",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeAddress(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAuthenticate(t *testing.T) {
	g := NewGateway(100, 100)

	addr, err := g.Authenticate("Bearer 0x1234567890abcdef1234567890abcdef12345678")
	require.NoError(t, err)
	assert.Equal(t, "0x1234567890abcdef1234567890abcdef12345678", addr)

	_, err = g.Authenticate("")
	assert.True(t, errdefs.Unauthenticated.Has(err))

	_, err = g.Authenticate("Bearer not-an-address")
	assert.True(t, errdefs.Unauthenticated.Has(err))
}

func TestAuthorize(t *testing.T) {
	g := NewGateway(100, 100)

	err := g.Authorize("0xabc0000000000000000000000000000000000001", "0xABC0000000000000000000000000000000000001")
	assert.NoError(t, err)

	err = g.Authorize("0xabc0000000000000000000000000000000000001", "0xabc0000000000000000000000000000000000002")
	assert.True(t, errdefs.Unauthorized.Has(err))
}

func TestRateLimit(t *testing.T) {
	g := NewGateway(1, 2)
	header := "0x1234567890abcdef1234567890abcdef12345678"

	_, err := g.Authenticate(header)
	require.NoError(t, err)
	_, err = g.Authenticate(header)
	require.NoError(t, err)

	// Burst of 2 exhausted
	_, err = g.Authenticate(header)
	assert.True(t, errdefs.RateLimited.Has(err))
}
