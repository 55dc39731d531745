package infinio

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEndpoint_ParseRoundTrip(t *testing.T) {
	ep, err := ParseEndpoint("127.0.0.1:9999")
	require.NoError(t, err)
	require.Equal(t, uint16(9999), ep.Port())
	require.Equal(t, "127.0.0.1:9999", ep.String())
	require.Equal(t, ep.String(), ep.Token())
}

func TestEndpoint_InvalidPort(t *testing.T) {
	_, err := ParseEndpoint("127.0.0.1:notaport")
	require.Error(t, err)

	_, err = ParseEndpoint("127.0.0.1:99999")
	require.Error(t, err)
}

func TestEndpoint_NewEndpoint(t *testing.T) {
	addr := netip.MustParseAddr("10.0.0.1")
	ep := NewEndpoint(addr, 1234)
	require.True(t, ep.IsValid())
	require.Equal(t, addr, ep.Addr())
}
