package password

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestHasher_HashAndVerify(t *testing.T) {
	h := NewHasher(bcrypt.MinCost)

	hash, err := h.Hash("Passw0rd1")
	require.NoError(t, err)
	assert.NotEqual(t, "Passw0rd1", hash)

	assert.True(t, h.Verify("Passw0rd1", hash))
	assert.False(t, h.Verify("Passw0rd2", hash))
	assert.False(t, h.Verify("", hash))
}

func TestHasher_Salted(t *testing.T) {
	h := NewHasher(bcrypt.MinCost)

	a, err := h.Hash("Passw0rd1")
	require.NoError(t, err)
	b, err := h.Hash("Passw0rd1")
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.True(t, h.Verify("Passw0rd1", a))
	assert.True(t, h.Verify("Passw0rd1", b))
}

func TestHasher_MalformedHash(t *testing.T) {
	h := NewHasher(bcrypt.MinCost)
	assert.False(t, h.Verify("Passw0rd1", "not-a-bcrypt-hash"))
}

func TestNewHasher_InvalidCostFallsBack(t *testing.T) {
	assert.Equal(t, bcrypt.DefaultCost, NewHasher(0).cost)
	assert.Equal(t, bcrypt.DefaultCost, NewHasher(99).cost)
	assert.Equal(t, bcrypt.MinCost, NewHasher(bcrypt.MinCost).cost)
}

func TestPolicy_Check(t *testing.T) {
	p := NewPolicy(0)

	cases := []struct {
		name string
		pw   string
		want error
	}{
		{"ok", "Passw0rd1", nil},
		{"short", "Pa1", ErrTooShort},
		{"no lower", "PASSW0RD1", ErrNoLower},
		{"no upper", "passw0rd1", ErrNoUpper},
		{"no digit", "Password!", ErrNoDigit},
		{"repetitive", "Aaaaaaa1", ErrLowEntropy},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := p.Check(tc.pw)
			if tc.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tc.want)
		})
	}
}
