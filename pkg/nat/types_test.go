package nat

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddrConversion(t *testing.T) {
	a := netip.MustParseAddr("192.0.2.10")
	require.Equal(t, uint32(0xc000020a), AddrToU32(a))
	require.Equal(t, a, U32ToAddr(0xc000020a))
	require.Zero(t, AddrToU32(netip.Addr{}))
	require.Zero(t, AddrToU32(netip.MustParseAddr("2001:db8::1")))
}

func TestInstructions(t *testing.T) {
	i := InstrSourceAddress | InstrSourcePort
	require.True(t, i.Has(InstrSourceAddress))
	require.False(t, i.Has(InstrDestinationPort))
	require.Equal(t, "src-addr|src-port", i.String())
	require.Equal(t, "none", Instructions(0).String())
}
