package torrent

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPendingTrackerAddAndRemove(t *testing.T) {
	p := NewPendingTracker()
	p.Add(1, 10)
	p.Add(1, 11)
	assert.Equal(t, 2, p.Count())
	assert.True(t, p.Remove(1, 10))
	assert.Equal(t, 1, p.Count())
	assert.False(t, p.Remove(1, 10), "removing twice should report not-pending")
}

func TestPendingTrackerReclaimReturnsAllAndClears(t *testing.T) {
	p := NewPendingTracker()
	p.Add(1, 10)
	p.Add(1, 11)
	p.Add(2, 11)
	chunks := p.Reclaim(1)
	assert.ElementsMatch(t, []ChunkIndex{10, 11}, chunks)
	assert.Zero(t, p.Count()-1) // peer 2's single request remains
	assert.Equal(t, []PeerHandle{2}, p.RequestsByChunk(11))
}

func TestPendingTrackerRequestsByPeerPreservesOrder(t *testing.T) {
	p := NewPendingTracker()
	p.Add(1, 5)
	p.Add(1, 3)
	p.Add(1, 9)
	assert.Equal(t, []ChunkIndex{5, 3, 9}, p.RequestsByPeer(1))
}

func TestPendingTrackerRequestsByChunkGroupsMultiplePeers(t *testing.T) {
	p := NewPendingTracker()
	p.Add(1, 10)
	p.Add(2, 10)
	assert.ElementsMatch(t, []PeerHandle{1, 2}, p.RequestsByChunk(10))
}

func TestPendingTrackerAddIsIdempotentPerPair(t *testing.T) {
	p := NewPendingTracker()
	p.Add(1, 10)
	p.Add(1, 10)
	assert.Equal(t, 1, p.Count())
}
