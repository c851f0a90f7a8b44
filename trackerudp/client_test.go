package trackerudp

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/anacrolix/log"
	"github.com/stretchr/testify/require"
)

// fakeTracker answers connect and announce requests on a UDP socket,
// mimicking a real BEP-15 tracker closely enough to exercise Client's round
// trip and transaction dispatch.
func fakeTracker(t *testing.T, pc net.PacketConn) {
	t.Helper()
	go func() {
		buf := make([]byte, 2048)
		for {
			n, addr, err := pc.ReadFrom(buf)
			if err != nil {
				return
			}
			req := append([]byte{}, buf[:n]...)
			action := binary.BigEndian.Uint32(req[8:12])
			tid := req[12:16]
			switch Action(action) {
			case ActionConnect:
				resp := make([]byte, 0, 16)
				resp = append(resp, 0, 0, 0, 0)
				resp = append(resp, tid...)
				resp = append(resp, 0, 0, 0, 0, 0, 0, 0, 7)
				_, _ = pc.WriteTo(resp, addr)
			case ActionAnnounce:
				resp := make([]byte, 0, 32)
				resp = append(resp, 0, 0, 0, 1)
				resp = append(resp, tid...)
				resp = append(resp, 0, 0, 0, 30) // interval
				resp = append(resp, 0, 0, 0, 1)  // leechers
				resp = append(resp, 0, 0, 0, 2)  // seeders
				resp = append(resp, EncodePeersV4([]PeerV4{{IP: [4]byte{8, 8, 8, 8}, Port: 1234}})...)
				_, _ = pc.WriteTo(resp, addr)
			}
		}
	}()
}

func TestClientConnectAndAnnounce(t *testing.T) {
	serverPC, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer serverPC.Close()
	fakeTracker(t, serverPC)

	conn, err := net.Dial("udp", serverPC.LocalAddr().String())
	require.NoError(t, err)
	defer conn.Close()

	cl := NewClient(conn, log.Default)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go cl.Serve(ctx)

	res, err := cl.Announce(ctx, AnnounceRequest{
		Event:   EventStarted,
		NumWant: -1,
		Port:    6881,
	})
	require.NoError(t, err)
	require.Len(t, res.Peers, 1)
	require.Equal(t, [4]byte{8, 8, 8, 8}, res.Peers[0].IP)
}
