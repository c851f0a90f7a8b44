package torrent

import (
	"testing"

	"github.com/anacrolix/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	sent []struct {
		peer PeerHandle
		req  ChunkRequest
	}
}

func (f *fakeSender) SendRequest(peer PeerHandle, req ChunkRequest) error {
	f.sent = append(f.sent, struct {
		peer PeerHandle
		req  ChunkRequest
	}{peer, req})
	return nil
}

func TestEndgameSweepRequestsFromAdditionalPeers(t *testing.T) {
	a := NewAssigner(16384, 16384, 16384)
	a.SetHave(0, 3)
	r1 := a.Request(1, allHave, PeerHandle(1))
	require.True(t, r1.Ok)
	require.Equal(t, ModeEndgame, a.Mode())

	sender := &fakeSender{}
	e := NewEndgameEngine(a, sender, log.Default)
	e.Sweep(func(c ChunkIndex, piece int) []PeerHandle {
		return []PeerHandle{2}
	})
	require.Len(t, sender.sent, 1)
	assert.EqualValues(t, 2, sender.sent[0].peer)
}

func TestEndgameSweepSkipsFullyReplicatedChunks(t *testing.T) {
	a := NewAssigner(16384, 16384, 16384)
	a.SetHave(0, 3)
	r1 := a.Request(1, allHave, PeerHandle(1))
	require.True(t, r1.Ok)
	a.AssignEndgame(r1.Value[0].Chunk, PeerHandle(2))

	sender := &fakeSender{}
	e := NewEndgameEngine(a, sender, log.Default)
	e.Sweep(func(c ChunkIndex, piece int) []PeerHandle {
		return []PeerHandle{3}
	})
	assert.Empty(t, sender.sent)
}

func TestEndgameOnStoredCancelsOtherHolders(t *testing.T) {
	a := NewAssigner(16384, 16384, 16384)
	a.SetHave(0, 2)
	r1 := a.Request(1, allHave, PeerHandle(1))
	require.True(t, r1.Ok)
	a.AssignEndgame(r1.Value[0].Chunk, PeerHandle(2))

	sender := &fakeSender{}
	e := NewEndgameEngine(a, sender, log.Default)
	var cancelled []PeerHandle
	e.OnStored(r1.Value[0].Chunk, PeerHandle(1), func(peer PeerHandle, c ChunkIndex) {
		cancelled = append(cancelled, peer)
	})
	assert.Equal(t, []PeerHandle{2}, cancelled)
}
