//go:build linux

package media

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBoundUDPPorts(t *testing.T) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	port := conn.LocalAddr().(*net.UDPAddr).Port

	bound, err := boundUDPPorts()
	require.NoError(t, err)
	assert.True(t, bound[port], "listening port should show as bound")

	conn.Close()
	bound, err = boundUDPPorts()
	require.NoError(t, err)
	assert.False(t, bound[port], "closed port should show as free")
}
