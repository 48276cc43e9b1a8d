package client

import (
	"bufio"
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferedConnDrainsThenReadsSocket(t *testing.T) {
	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()

	br := bufio.NewReader(strings.NewReader("early"))
	_, err := br.Peek(5)
	require.NoError(t, err)
	c := &bufferedConn{Conn: local, r: br}

	buf := make([]byte, 16)
	n, err := c.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "early", string(buf[:n]))
	assert.NotNil(t, c.r)

	go func() { _, _ = remote.Write([]byte("late")) }()
	n, err = c.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "late", string(buf[:n]))
	assert.Nil(t, c.r, "drained reader is released")
}
