package ws

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arjunkumar811/Excalidraw/internal/auth"
)

func TestSendQueueOverflowEvicts(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	evicted := make(chan error, 4)
	c := newConnection("slow", server, auth.Identity{ID: "u"}, connOptions{
		queueSize: 1,
		onFailure: func(_ *Connection, err error) { evicted <- err },
	})
	go c.writeLoop()
	defer c.Close()

	// Nobody reads the pipe, so the writer blocks on its first frame and
	// the queue fills up behind it.
	var err error
	for i := 0; i < 10 && err == nil; i++ {
		err = c.Send([]byte(`{"type":"drawing"}`))
	}
	require.ErrorIs(t, err, ErrSendQueueFull)

	select {
	case got := <-evicted:
		assert.ErrorIs(t, got, ErrSendQueueFull)
	case <-time.After(time.Second):
		t.Fatal("overflow did not evict")
	}

	// Further overflows do not report again.
	_ = c.Send([]byte("x"))
	select {
	case <-evicted:
		t.Fatal("eviction reported twice")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSendAfterClose(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	c := newConnection("closed", server, auth.Identity{ID: "u"}, connOptions{queueSize: 4})
	require.NoError(t, c.Close())
	require.NoError(t, c.Close(), "second close is a no-op")
	assert.ErrorIs(t, c.Send([]byte("x")), ErrConnectionClosed)
}

func TestConnectionManager(t *testing.T) {
	cm := NewConnectionManager()
	a1, a2 := net.Pipe()
	defer a2.Close()
	b1, b2 := net.Pipe()
	defer b2.Close()

	a := newConnection("a", a1, auth.Identity{ID: "u1"}, connOptions{})
	b := newConnection("b", b1, auth.Identity{ID: "u1"}, connOptions{})
	cm.Add(a)
	cm.Add(b)

	assert.Equal(t, 2, cm.Count())
	assert.Same(t, a, cm.Get("a"))
	assert.Same(t, b, cm.GetByConn(b1))
	assert.Len(t, cm.All(), 2)

	assert.True(t, cm.Remove("a"))
	assert.False(t, cm.Remove("a"))
	assert.Nil(t, cm.GetByConn(a1))
	assert.Equal(t, 1, cm.Count())
	assert.ErrorIs(t, a.Send([]byte("x")), ErrConnectionClosed)
}
