package torrent

import (
	"context"
	"testing"
	"time"

	"github.com/anacrolix/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListenerAndConnectCompleteHandshake(t *testing.T) {
	var infoHash [20]byte
	copy(infoHash[:], "aaaaaaaaaaaaaaaaaaaa")
	var listenerPeerID, dialerPeerID [20]byte
	copy(listenerPeerID[:], "listener-peer-id-000")
	copy(dialerPeerID[:], "dialer-peer-id-00000")

	accepted := make(chan Accepted, 1)
	l, err := Listen("localhost:0", listenerPeerID, log.Default, func(a Accepted) {
		accepted <- a
	})
	require.NoError(t, err)
	defer l.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	outbound, err := Connect(ctx, l.Addr().String(), infoHash, dialerPeerID)
	require.NoError(t, err)
	defer outbound.Conn.Close()

	assert.Equal(t, infoHash, outbound.Result.InfoHash)
	assert.Equal(t, listenerPeerID, outbound.Result.PeerID)

	select {
	case in := <-accepted:
		defer in.Conn.Close()
		assert.Equal(t, infoHash, in.Result.InfoHash)
		assert.Equal(t, dialerPeerID, in.Result.PeerID)
	case <-time.After(5 * time.Second):
		t.Fatal("listener never delivered an accepted connection")
	}
}

func TestConnectFailsOnUnreachableAddr(t *testing.T) {
	var infoHash, peerID [20]byte
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := Connect(ctx, "127.0.0.1:1", infoHash, peerID)
	assert.Error(t, err)
}
