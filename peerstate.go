package torrent

import (
	"time"

	"github.com/anacrolix/sync"
)

// PeerHandle identifies one peer session within a torrent's peer state
// table. In this module it's an opaque comparable value handed out by
// whatever creates the PeerConn (§3 "Peer session record").
type PeerHandle uintptr

// PeerFlags is the four-boolean choke/interest state of §3.
type PeerFlags struct {
	WeChokeThem     bool
	WeInterestThem  bool
	TheyChokeUs     bool
	TheyInterestUs  bool
}

// PeerSnapshot is a point-in-time, race-free copy of one peer's row.
type PeerSnapshot struct {
	Torrent TorrentID
	Peer    PeerHandle
	PeerFlags
	Snubbed  bool
	SendRate float64
	RecvRate float64
}

type peerRow struct {
	flags    PeerFlags
	send     *rateMeter
	recv     *rateMeter
	snubbed  bool
}

// PeerStateTable is the process-wide map (torrent_id, peer_handle) -> state
// described in §4.3 (C3). Reads are snapshot-oriented: the choker can walk
// a full copy of the table without blocking sessions.
type PeerStateTable struct {
	mu   sync.RWMutex
	rows map[TorrentID]map[PeerHandle]*peerRow
}

func NewPeerStateTable() *PeerStateTable {
	return &PeerStateTable{rows: make(map[TorrentID]map[PeerHandle]*peerRow)}
}

// Register creates the row for a newly handshaken peer. Initial state is
// we_choke_them=true, we_interest_them=false, they_choke_us=true,
// they_interest_us=false, per §4.5.
func (t *PeerStateTable) Register(torrentID TorrentID, peer PeerHandle, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.rows[torrentID]
	if !ok {
		m = make(map[PeerHandle]*peerRow)
		t.rows[torrentID] = m
	}
	m[peer] = &peerRow{
		flags: PeerFlags{WeChokeThem: true, TheyChokeUs: true},
		send:  newRateMeter(now),
		recv:  newRateMeter(now),
	}
}

// Unregister removes the row, releasing the socket-adjacent bookkeeping.
func (t *PeerStateTable) Unregister(torrentID TorrentID, peer PeerHandle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if m, ok := t.rows[torrentID]; ok {
		delete(m, peer)
		if len(m) == 0 {
			delete(t.rows, torrentID)
		}
	}
}

func (t *PeerStateTable) row(torrentID TorrentID, peer PeerHandle) *peerRow {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if m, ok := t.rows[torrentID]; ok {
		return m[peer]
	}
	return nil
}

// SetFlags mutates the choke/interest booleans for one peer.
func (t *PeerStateTable) SetFlags(torrentID TorrentID, peer PeerHandle, mutate func(*PeerFlags)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if m, ok := t.rows[torrentID]; ok {
		if r, ok := m[peer]; ok {
			mutate(&r.flags)
		}
	}
}

// RecordSend folds n bytes sent at time t into the send-rate meter.
func (t *PeerStateTable) RecordSend(torrentID TorrentID, peer PeerHandle, now time.Time, n int64) {
	if r := t.row(torrentID, peer); r != nil {
		t.mu.Lock()
		r.send.update(now, n)
		t.mu.Unlock()
	}
}

// RecordRecv folds n piece-payload bytes received at time t into the
// recv-rate meter and clears the snub flag; calls with isPiecePayload false
// change nothing. Setting the flag after >= 30s without piece bytes is
// RefreshSnub's job (§4.3, §4.5).
func (t *PeerStateTable) RecordRecv(torrentID TorrentID, peer PeerHandle, now time.Time, n int64, isPiecePayload bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.rows[torrentID]
	if !ok {
		return
	}
	r, ok := m[peer]
	if !ok {
		return
	}
	if isPiecePayload {
		r.recv.update(now, n)
		r.snubbed = false
	}
}

// RefreshSnub recomputes the snub flag for one peer based on elapsed time
// since its last piece payload, without requiring a new receive event.
func (t *PeerStateTable) RefreshSnub(torrentID TorrentID, peer PeerHandle, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.rows[torrentID]
	if !ok {
		return false
	}
	r, ok := m[peer]
	if !ok {
		return false
	}
	r.snubbed = r.recv.snubbed(now)
	return r.snubbed
}

// Snapshot returns a race-free copy of one peer's row.
func (t *PeerStateTable) Snapshot(torrentID TorrentID, peer PeerHandle) (PeerSnapshot, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m, ok := t.rows[torrentID]
	if !ok {
		return PeerSnapshot{}, false
	}
	r, ok := m[peer]
	if !ok {
		return PeerSnapshot{}, false
	}
	return PeerSnapshot{
		Torrent:   torrentID,
		Peer:      peer,
		PeerFlags: r.flags,
		Snubbed:   r.snubbed,
		SendRate:  r.send.Rate(),
		RecvRate:  r.recv.Rate(),
	}, true
}

// SnapshotTorrent returns a race-free copy of every peer row for one
// torrent, in unspecified order — this is what the choker consumes.
func (t *PeerStateTable) SnapshotTorrent(torrentID TorrentID) []PeerSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m := t.rows[torrentID]
	out := make([]PeerSnapshot, 0, len(m))
	for h, r := range m {
		out = append(out, PeerSnapshot{
			Torrent:   torrentID,
			Peer:      h,
			PeerFlags: r.flags,
			Snubbed:   r.snubbed,
			SendRate:  r.send.Rate(),
			RecvRate:  r.recv.Rate(),
		})
	}
	return out
}

// TorrentAggregateDownloadRate sums recv rates across a torrent's peers,
// feeding Registry.Tick's sparkline sample (§4.2).
func (t *PeerStateTable) TorrentAggregateDownloadRate(torrentID TorrentID) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var sum float64
	for _, r := range t.rows[torrentID] {
		sum += r.recv.Rate()
	}
	return sum
}
