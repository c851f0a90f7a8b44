package trackerudp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// E7. Encode an announce request, decode the header back, assert length and
// action placement.
func TestAnnounceRequestEncodeLengthAndAction(t *testing.T) {
	req := AnnounceRequest{
		ConnID:     1,
		Tid:        7,
		Downloaded: 10,
		Left:       20,
		Uploaded:   30,
		Event:      EventStarted,
		Key:        0x11223344,
		NumWant:    -1,
		Port:       6881,
	}
	for i := range req.InfoHash {
		req.InfoHash[i] = 0x41
	}
	for i := range req.PeerId {
		req.PeerId[i] = 0x42
	}
	b, err := req.MarshalBinary()
	require.NoError(t, err)
	assert.Len(t, b, 98)
	// action is the second 4-byte big-endian field, right after the 8-byte
	// connection id, i.e. at offset 8.
	assert.Equal(t, byte(0), b[8])
	assert.Equal(t, byte(0), b[9])
	assert.Equal(t, byte(0), b[10])
	assert.Equal(t, byte(1), b[11])
}

func TestConnectRoundTrip(t *testing.T) {
	req := ConnectRequest{TransactionID: 99}
	b, err := req.MarshalBinary()
	require.NoError(t, err)
	assert.Len(t, b, 16)
	tidBytes := b[12:16] // request tid, echoed by the server in its response

	resp := make([]byte, 0, 16)
	resp = append(resp, 0, 0, 0, 0) // action=0 (connect)
	resp = append(resp, tidBytes...)
	resp = append(resp, 0, 0, 0, 0, 0, 0, 0, 42) // connection id = 42

	cr, err := UnmarshalConnectResponse(resp)
	require.NoError(t, err)
	assert.EqualValues(t, 99, cr.TransactionID)
	assert.EqualValues(t, 42, cr.ConnectionID)
}

func TestAnnounceResponseDecodeWithPeers(t *testing.T) {
	b := make([]byte, 0)
	b = append(b, 0, 0, 0, 1) // action=1
	b = append(b, 0, 0, 0, 7) // tid
	b = append(b, 0, 0, 1, 0) // interval=256
	b = append(b, 0, 0, 0, 2) // leechers
	b = append(b, 0, 0, 0, 3) // seeders
	b = append(b, EncodePeersV4([]PeerV4{{IP: [4]byte{1, 2, 3, 4}, Port: 6881}})...)
	res, err := UnmarshalAnnounceResponse(b)
	require.NoError(t, err)
	assert.EqualValues(t, 7, res.Tid)
	assert.EqualValues(t, 256, res.Interval)
	assert.Len(t, res.Peers, 1)
	assert.Equal(t, [4]byte{1, 2, 3, 4}, res.Peers[0].IP)
	assert.EqualValues(t, 6881, res.Peers[0].Port)
}

func TestEventPausedEncodesAsNone(t *testing.T) {
	assert.EqualValues(t, 0, EventPaused)
	assert.EqualValues(t, 0, EventNone)
}
