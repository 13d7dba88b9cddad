package vesting

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDeriveGrantIDReproducible(t *testing.T) {
	first := DeriveGrantID("bob", 0)
	again := DeriveGrantID("bob", 0)
	require.Equal(t, first, again)

	require.NotEqual(t, first, DeriveGrantID("bob", 1))
	require.NotEqual(t, first, DeriveGrantID("carol", 0))
}

func TestGrantIDStringRoundTrip(t *testing.T) {
	id := DeriveGrantID("bob", 3)

	s := id.String()
	require.Len(t, s, 64)

	parsed, err := ParseGrantID(s)
	require.NoError(t, err)
	require.Equal(t, id, parsed)
}

func TestParseGrantIDRejectsMalformed(t *testing.T) {
	for _, s := range []string{"", "zz", "abcd", DeriveGrantID("bob", 0).String() + "00"} {
		_, err := ParseGrantID(s)
		require.Error(t, err, "input %q", s)
	}
}

func TestGrantOutstanding(t *testing.T) {
	grant := &Grant{
		AmountTotal: big.NewInt(1000),
		Released:    big.NewInt(300),
	}

	require.Zero(t, grant.Outstanding().Cmp(big.NewInt(700)))

	// Outstanding is a fresh value; mutating it leaves the grant alone.
	grant.Outstanding().SetInt64(0)
	require.Zero(t, grant.AmountTotal.Cmp(big.NewInt(1000)))
}
