package peer_protocol

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandshakeRoundTrip(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	ih := [20]byte{}
	for i := range ih {
		ih[i] = byte(i)
	}
	initiatorID := [20]byte{1}
	acceptorID := [20]byte{2}
	initiatorExt := NewPeerExtensionBytes(ExtensionBitDHT)
	acceptorExt := NewPeerExtensionBytes(ExtensionBitFast)

	type result struct {
		res HandshakeResult
		err error
	}
	initCh := make(chan result, 1)
	acceptCh := make(chan result, 1)

	go func() {
		res, err := Handshake(context.Background(), a, &ih, initiatorID, initiatorExt)
		initCh <- result{res, err}
	}()
	go func() {
		res, err := Handshake(context.Background(), b, nil, acceptorID, acceptorExt)
		acceptCh <- result{res, err}
	}()

	var initRes, acceptRes result
	select {
	case initRes = <-initCh:
	case <-time.After(2 * time.Second):
		t.Fatal("initiator timed out")
	}
	select {
	case acceptRes = <-acceptCh:
	case <-time.After(2 * time.Second):
		t.Fatal("acceptor timed out")
	}

	require.NoError(t, initRes.err)
	require.NoError(t, acceptRes.err)
	assert.Equal(t, acceptorID, initRes.res.PeerID)
	assert.Equal(t, initiatorID, acceptRes.res.PeerID)
	assert.Equal(t, ih, acceptRes.res.InfoHash)
	assert.Equal(t, ih, initRes.res.InfoHash)

	merged := initRes.res.PeerExtensionBits.Merge(acceptRes.res.PeerExtensionBits)
	assert.True(t, merged.GetBit(ExtensionBitDHT))
	assert.True(t, merged.GetBit(ExtensionBitFast))
}

func TestHandshakeBadProtocolString(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	go func() {
		_, _ = io.WriteString(a, "\x13Not the right protocol!!!!") //nolint
		a.Close()
	}()
	_, err := Handshake(context.Background(), b, nil, [20]byte{}, PeerExtensionBits{})
	assert.Error(t, err)
}
