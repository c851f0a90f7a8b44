package torrent

import (
	list "github.com/bahlo/generic-list-go"

	"github.com/anacrolix/sync"
)

// pendingEntry is one outstanding chunk request, ordered by the time it was
// issued so the oldest request for a peer is easy to find.
type pendingEntry struct {
	peer  PeerHandle
	chunk ChunkIndex
}

// PendingTracker is the per-peer ordered collection of outstanding chunk
// requests described in §4.7 (C7). When a peer session dies its entries
// are removed with Reclaim; the assigner (C6) keeps its own ownership
// records and does not consult this tracker. It also exposes requests
// grouped either by peer or by chunk for diagnostics.
type PendingTracker struct {
	mu sync.Mutex

	order   list.List[pendingEntry]
	byPeer  map[PeerHandle]map[ChunkIndex]*list.Element[pendingEntry]
	byChunk map[ChunkIndex]map[PeerHandle]*list.Element[pendingEntry]
}

func NewPendingTracker() *PendingTracker {
	return &PendingTracker{
		byPeer:  make(map[PeerHandle]map[ChunkIndex]*list.Element[pendingEntry]),
		byChunk: make(map[ChunkIndex]map[PeerHandle]*list.Element[pendingEntry]),
	}
}

// Add records that peer has been asked to fetch chunk c.
func (p *PendingTracker) Add(peer PeerHandle, c ChunkIndex) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.byPeer[peer] == nil {
		p.byPeer[peer] = make(map[ChunkIndex]*list.Element[pendingEntry])
	}
	if _, ok := p.byPeer[peer][c]; ok {
		return
	}
	el := p.order.PushBack(pendingEntry{peer: peer, chunk: c})
	p.byPeer[peer][c] = el
	if p.byChunk[c] == nil {
		p.byChunk[c] = make(map[PeerHandle]*list.Element[pendingEntry])
	}
	p.byChunk[c][peer] = el
}

// Remove clears one (peer, chunk) pending entry, e.g. on fetched/stored/
// cancel. Returns false if it wasn't pending.
func (p *PendingTracker) Remove(peer PeerHandle, c ChunkIndex) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	el, ok := p.byPeer[peer][c]
	if !ok {
		return false
	}
	p.order.Remove(el)
	delete(p.byPeer[peer], c)
	if len(p.byPeer[peer]) == 0 {
		delete(p.byPeer, peer)
	}
	delete(p.byChunk[c], peer)
	if len(p.byChunk[c]) == 0 {
		delete(p.byChunk, c)
	}
	return true
}

// Reclaim removes and returns every chunk pending against peer, called when
// its session dies so the caller can hand the list to Assigner.Dropped's
// counterpart bookkeeping.
func (p *PendingTracker) Reclaim(peer PeerHandle) []ChunkIndex {
	p.mu.Lock()
	defer p.mu.Unlock()
	chunks := p.byPeer[peer]
	out := make([]ChunkIndex, 0, len(chunks))
	for c, el := range chunks {
		out = append(out, c)
		p.order.Remove(el)
		delete(p.byChunk[c], peer)
		if len(p.byChunk[c]) == 0 {
			delete(p.byChunk, c)
		}
	}
	delete(p.byPeer, peer)
	return out
}

// RequestsByPeer returns the chunks currently pending against one peer, in
// request order.
func (p *PendingTracker) RequestsByPeer(peer PeerHandle) []ChunkIndex {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []ChunkIndex
	for e := p.order.Front(); e != nil; e = e.Next() {
		if e.Value.peer == peer {
			out = append(out, e.Value.chunk)
		}
	}
	return out
}

// RequestsByChunk returns every peer a chunk is currently pending against.
func (p *PendingTracker) RequestsByChunk(c ChunkIndex) []PeerHandle {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PeerHandle, 0, len(p.byChunk[c]))
	for peer := range p.byChunk[c] {
		out = append(out, peer)
	}
	return out
}

// Count returns the total number of outstanding requests across all peers.
func (p *PendingTracker) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.order.Len()
}
