package torrent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func allHave(int) bool { return true }

func haveOnly(pieces ...int) func(int) bool {
	set := make(map[int]bool, len(pieces))
	for _, p := range pieces {
		set[p] = true
	}
	return func(p int) bool { return set[p] }
}

func TestAssignerRarestFirstPrefersLowerAvailability(t *testing.T) {
	a := NewAssigner(16384*4, 16384, 16384)
	a.SetHave(0, 5)
	a.SetHave(1, 1)
	a.SetHave(2, 3)
	a.SetHave(3, 1)

	res := a.Request(1, haveOnly(0, 1, 2, 3), PeerHandle(1))
	require.True(t, res.Ok)
	assert.Equal(t, 1, res.Value[0].ChunkRequest.Piece)
}

func TestAssignerReturnsNoneWhenPeerHasNothingNeeded(t *testing.T) {
	a := NewAssigner(16384*2, 16384, 16384)
	a.SetHave(0, 1)
	a.SetHave(1, 1)
	res := a.Request(1, haveOnly(), PeerHandle(1))
	assert.False(t, res.Ok)
}

func TestAssignerDroppedReturnsChunksToFree(t *testing.T) {
	a := NewAssigner(16384*2, 16384, 16384)
	a.SetHave(0, 1)
	a.SetHave(1, 1)
	res := a.Request(2, allHave, PeerHandle(7))
	require.True(t, res.Ok)
	free, _, _ := a.Stats()
	assert.Zero(t, free)

	a.Dropped(7)
	free, _, _ = a.Stats()
	assert.EqualValues(t, 2, free)
}

func TestAssignerStoredMarksChunkAndLeavesOthersAlone(t *testing.T) {
	a := NewAssigner(16384*2, 16384, 16384)
	a.SetHave(0, 1)
	a.SetHave(1, 1)
	res := a.Request(2, allHave, PeerHandle(1))
	require.True(t, res.Ok)
	c0 := res.Value[0].Chunk
	out := a.Stored(c0, PeerHandle(1))
	assert.Empty(t, out.CancelTo)
	_, stored, _ := a.Stats()
	assert.EqualValues(t, 1, stored)
}

func TestAssignerEntersEndgameWhenFreeReachesZero(t *testing.T) {
	a := NewAssigner(16384, 16384, 16384)
	a.SetHave(0, 1)
	res := a.Request(1, allHave, PeerHandle(1))
	require.True(t, res.Ok)
	assert.Equal(t, ModeEndgame, a.Mode())
}

func TestAssignerEndgameDuplicatesAcrossPeers(t *testing.T) {
	a := NewAssigner(16384, 16384, 16384)
	a.SetHave(0, 2)
	r1 := a.Request(1, allHave, PeerHandle(1))
	require.True(t, r1.Ok)
	require.Equal(t, ModeEndgame, a.Mode())

	r2 := a.Request(1, allHave, PeerHandle(2))
	require.True(t, r2.Ok, "a second peer should be able to pick up the same still-outstanding chunk")
	assert.Equal(t, r1.Value[0].Chunk, r2.Value[0].Chunk)
}

func TestAssignerEndgameStoredCancelsOtherHolders(t *testing.T) {
	a := NewAssigner(16384, 16384, 16384)
	a.SetHave(0, 2)
	r1 := a.Request(1, allHave, PeerHandle(1))
	require.True(t, r1.Ok)
	r2 := a.Request(1, allHave, PeerHandle(2))
	require.True(t, r2.Ok)

	out := a.Stored(r1.Value[0].Chunk, PeerHandle(1))
	assert.Equal(t, []PeerHandle{2}, out.CancelTo)
}

func TestAssignerHoldingReflectsProgressAssignment(t *testing.T) {
	// A third piece keeps one chunk free so the assigner stays in progress mode.
	a := NewAssigner(16384*3, 16384, 16384)
	a.SetHave(0, 1)
	a.SetHave(1, 1)
	res := a.Request(2, allHave, PeerHandle(9))
	require.True(t, res.Ok)
	held := a.Holding(9)
	assert.Len(t, held, 2)
}
