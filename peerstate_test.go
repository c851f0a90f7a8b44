package torrent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeerStateRegisterInitialFlags(t *testing.T) {
	pt := NewPeerStateTable()
	now := time.Now()
	pt.Register(1, 100, now)
	snap, ok := pt.Snapshot(1, 100)
	require.True(t, ok)
	assert.True(t, snap.WeChokeThem)
	assert.True(t, snap.TheyChokeUs)
	assert.False(t, snap.WeInterestThem)
	assert.False(t, snap.TheyInterestUs)
	assert.False(t, snap.Snubbed)
}

func TestPeerStateUnregisterRemovesRow(t *testing.T) {
	pt := NewPeerStateTable()
	now := time.Now()
	pt.Register(1, 100, now)
	pt.Unregister(1, 100)
	_, ok := pt.Snapshot(1, 100)
	assert.False(t, ok)
}

func TestPeerStateSetFlagsMutatesInPlace(t *testing.T) {
	pt := NewPeerStateTable()
	now := time.Now()
	pt.Register(1, 100, now)
	pt.SetFlags(1, 100, func(f *PeerFlags) {
		f.WeChokeThem = false
		f.WeInterestThem = true
	})
	snap, _ := pt.Snapshot(1, 100)
	assert.False(t, snap.WeChokeThem)
	assert.True(t, snap.WeInterestThem)
}

func TestPeerStateRecordRecvClearsSnub(t *testing.T) {
	pt := NewPeerStateTable()
	now := time.Now()
	pt.Register(1, 100, now)
	pt.RefreshSnub(1, 100, now.Add(40*time.Second))
	snap, _ := pt.Snapshot(1, 100)
	assert.True(t, snap.Snubbed)

	pt.RecordRecv(1, 100, now.Add(41*time.Second), 16384, true)
	snap, _ = pt.Snapshot(1, 100)
	assert.False(t, snap.Snubbed)
}

func TestPeerStateRecordRecvIgnoresNonPiecePayload(t *testing.T) {
	pt := NewPeerStateTable()
	now := time.Now()
	pt.Register(1, 100, now)
	pt.RecordRecv(1, 100, now.Add(time.Second), 4, false)
	snap, _ := pt.Snapshot(1, 100)
	assert.Zero(t, snap.RecvRate)
}

func TestPeerStateSnapshotTorrentReturnsAllPeers(t *testing.T) {
	pt := NewPeerStateTable()
	now := time.Now()
	pt.Register(1, 100, now)
	pt.Register(1, 200, now)
	pt.Register(2, 300, now)
	snaps := pt.SnapshotTorrent(1)
	assert.Len(t, snaps, 2)
}

func TestPeerStateUnknownPeerOperationsAreNoops(t *testing.T) {
	pt := NewPeerStateTable()
	now := time.Now()
	pt.SetFlags(1, 999, func(f *PeerFlags) { f.WeChokeThem = false })
	pt.RecordSend(1, 999, now, 10)
	pt.RecordRecv(1, 999, now, 10, true)
	assert.False(t, pt.RefreshSnub(1, 999, now))
	_, ok := pt.Snapshot(1, 999)
	assert.False(t, ok)
}

func TestPeerStateAggregateDownloadRate(t *testing.T) {
	pt := NewPeerStateTable()
	now := time.Now()
	pt.Register(1, 100, now)
	pt.Register(1, 200, now)
	pt.RecordRecv(1, 100, now.Add(time.Second), 1000, true)
	pt.RecordRecv(1, 200, now.Add(time.Second), 2000, true)
	rate := pt.TorrentAggregateDownloadRate(1)
	assert.Greater(t, rate, 0.0)
}
