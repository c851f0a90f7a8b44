package torrent

import (
	"github.com/RoaringBitmap/roaring/v2"
	g "github.com/anacrolix/generics"
	"github.com/anacrolix/missinggo/v2/prioritybitmap"
	"github.com/anacrolix/sync"
)

// AssignedChunk pairs a chunk request with the piece layout info a session
// needs to build the wire message.
type AssignedChunk struct {
	Chunk ChunkIndex
	ChunkRequest
}

// chunkRecord carries the per-chunk fields a bitmap can't: who owns it in
// progress mode, and who holds it once in endgame mode.
type chunkRecord struct {
	holders map[PeerHandle]bool // only populated in endgame mode
	owner   PeerHandle          // progress-mode single assignee, valid while assigned or fetched
}

// Assigner is the per-torrent chunk-assignment state machine (C6/C8). It is
// the single writer for one torrent's chunk bitmap; every other task only
// ever calls its exported, lock-protected methods.
//
// A chunk's state (§4.6's free/assigned/fetched/stored quartet) is tracked
// as membership in one of four roaring.Bitmap sets rather than a per-slot
// enum, the same split the teacher's own chunk tracker uses between its
// missing/unverified/completed bitmaps and the per-connection ownership
// maps layered on top of them.
type Assigner struct {
	mu     sync.Mutex
	layout pieceLayout

	chunks []chunkRecord // indexed by ChunkIndex, ownership fields only

	free     *roaring.Bitmap
	assigned *roaring.Bitmap
	fetched  *roaring.Bitmap
	stored   *roaring.Bitmap

	// availability is the global have-count per piece, fed by bitfield/have
	// messages from every connected peer (§4.6 "peer-availability set").
	availability []int

	// rarest ranks pieces that still have >=1 free chunk, priority ==
	// availability count, ascending (rarest first).
	rarest prioritybitmap.PriorityBitmap

	mode    Mode
	perPeer map[PeerHandle]map[ChunkIndex]bool // progress-mode reverse index for dropped()

	replicationFactor int
}

const defaultReplicationFactor = 2

// NewAssigner builds the chunk table for a torrent of the given geometry.
func NewAssigner(total, plength, clength int64) *Assigner {
	layout := newPieceLayout(total, plength, clength)
	n := int(layout.cmaximum)
	free := roaring.NewBitmap()
	if n > 0 {
		free.AddRange(0, uint64(n))
	}
	a := &Assigner{
		layout:            layout,
		chunks:            make([]chunkRecord, n),
		free:              free,
		assigned:          roaring.NewBitmap(),
		fetched:           roaring.NewBitmap(),
		stored:            roaring.NewBitmap(),
		availability:      make([]int, layout.numPieces()),
		perPeer:           make(map[PeerHandle]map[ChunkIndex]bool),
		replicationFactor: defaultReplicationFactor,
	}
	for p := 0; p < layout.numPieces(); p++ {
		a.rarest.Set(p, 0)
	}
	return a
}

// SetHave adjusts the availability count for one piece by delta (+1 when a
// peer announces it via have/bitfield, -1 when that peer disconnects).
func (a *Assigner) SetHave(piece int, delta int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.availability[piece] += delta
	if a.pieceHasFreeChunk(piece) {
		a.rarest.Set(piece, a.availability[piece])
	}
}

func (a *Assigner) pieceHasFreeChunk(piece int) bool {
	lo, hi := a.layout.chunkRange(piece)
	for c := lo; c < hi; c++ {
		if a.free.Contains(uint32(c)) {
			return true
		}
	}
	return false
}

// Mode reports whether the torrent is in endgame mode.
func (a *Assigner) Mode() Mode {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mode
}

// Request selects up to n chunks for peer, restricted to pieces present in
// have (the peer's bitfield), per §4.6's rarest-first algorithm. Returns
// g.None if nothing is both needed and available from this peer.
func (a *Assigner) Request(n int, have func(piece int) bool, peer PeerHandle) g.Option[[]AssignedChunk] {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.mode == ModeEndgame {
		return a.requestEndgame(n, have, peer)
	}

	out := make([]AssignedChunk, 0, n)
	var candidates []int
	a.rarest.IterTyped(func(piece int) bool {
		candidates = append(candidates, piece)
		return true
	})
	for _, piece := range candidates {
		if len(out) >= n {
			break
		}
		if !have(piece) {
			continue
		}
		lo, hi := a.layout.chunkRange(piece)
		for c := lo; c < hi && len(out) < n; c++ {
			if !a.free.Contains(uint32(c)) {
				continue
			}
			a.assign(c, piece, peer)
			out = append(out, AssignedChunk{Chunk: c, ChunkRequest: a.layout.requestFor(c)})
		}
	}
	if len(out) == 0 {
		if a.free.IsEmpty() && a.stored.GetCardinality() < uint64(len(a.chunks)) {
			a.enterEndgame()
			return a.requestEndgame(n, have, peer)
		}
		return g.Option[[]AssignedChunk]{}
	}
	return g.Some(out)
}

func (a *Assigner) assign(c ChunkIndex, piece int, peer PeerHandle) {
	a.free.Remove(uint32(c))
	a.assigned.Add(uint32(c))
	a.chunks[c].owner = peer
	if a.perPeer[peer] == nil {
		a.perPeer[peer] = make(map[ChunkIndex]bool)
	}
	a.perPeer[peer][c] = true
	if !a.pieceHasFreeChunk(piece) {
		a.rarest.Remove(piece)
	}
	if a.free.IsEmpty() && a.stored.GetCardinality() < uint64(len(a.chunks)) {
		a.enterEndgame()
	}
}

func (a *Assigner) enterEndgame() {
	if a.mode == ModeEndgame {
		return
	}
	a.mode = ModeEndgame
	outstanding := a.assigned.Clone()
	outstanding.Or(a.fetched)
	outstanding.Iterate(func(x uint32) bool {
		c := ChunkIndex(x)
		if a.chunks[c].holders == nil {
			a.chunks[c].holders = make(map[PeerHandle]bool)
		}
		a.chunks[c].holders[a.chunks[c].owner] = true
		return true
	})
}

// requestEndgame picks up to n chunks still short of replicationFactor
// holders, not yet stored, that the peer has and isn't already holding.
func (a *Assigner) requestEndgame(n int, have func(piece int) bool, peer PeerHandle) g.Option[[]AssignedChunk] {
	out := make([]AssignedChunk, 0, n)
	for c := 0; c < len(a.chunks) && len(out) < n; c++ {
		if a.stored.Contains(uint32(c)) {
			continue
		}
		rec := &a.chunks[c]
		piece := a.layout.pieceOf(ChunkIndex(c))
		if !have(piece) {
			continue
		}
		if rec.holders[peer] {
			continue
		}
		if len(rec.holders) >= a.replicationFactor {
			continue
		}
		if rec.holders == nil {
			rec.holders = make(map[PeerHandle]bool)
		}
		rec.holders[peer] = true
		a.assigned.Add(uint32(c))
		out = append(out, AssignedChunk{Chunk: ChunkIndex(c), ChunkRequest: a.layout.requestFor(ChunkIndex(c))})
	}
	if len(out) == 0 {
		return g.Option[[]AssignedChunk]{}
	}
	return g.Some(out)
}

// Dropped returns every chunk assigned to peer back to free (progress mode)
// or simply removes the peer from the chunk's holder set (endgame). Called
// when a peer session dies; it finds the peer's chunks from its own
// ownership records, not from the pending tracker (C7).
func (a *Assigner) Dropped(peer PeerHandle) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.mode == ModeEndgame {
		for c := range a.chunks {
			if a.chunks[c].holders != nil {
				delete(a.chunks[c].holders, peer)
			}
		}
		return
	}
	for c := range a.perPeer[peer] {
		if a.assigned.Contains(uint32(c)) || a.fetched.Contains(uint32(c)) {
			a.assigned.Remove(uint32(c))
			a.fetched.Remove(uint32(c))
			a.free.Add(uint32(c))
			piece := a.layout.pieceOf(c)
			a.rarest.Set(piece, a.availability[piece])
		}
	}
	delete(a.perPeer, peer)
}

// Fetched marks a chunk as fetched (payload received, not yet verified).
// No other peer's assignment is touched.
func (a *Assigner) Fetched(c ChunkIndex, peer PeerHandle) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stored.Contains(uint32(c)) {
		return
	}
	a.assigned.Remove(uint32(c))
	a.fetched.Add(uint32(c))
}

// StoredResult reports who else was holding a chunk when it was stored, so
// the caller can send cancel to them.
type StoredResult struct {
	CancelTo []PeerHandle
}

// Stored marks a chunk as stored (verified onto disk). In endgame mode,
// every other peer currently holding that chunk must be sent cancel and
// have its assignment cleared.
func (a *Assigner) Stored(c ChunkIndex, peer PeerHandle) StoredResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	var res StoredResult
	if a.mode == ModeEndgame {
		for other := range a.chunks[c].holders {
			if other != peer {
				res.CancelTo = append(res.CancelTo, other)
			}
		}
		a.chunks[c].holders = nil
	}
	a.assigned.Remove(uint32(c))
	a.fetched.Remove(uint32(c))
	a.stored.Add(uint32(c))
	return res
}

// Holding reports the chunks a peer currently has outstanding, from the
// assigner's own ownership records.
func (a *Assigner) Holding(peer PeerHandle) []ChunkIndex {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []ChunkIndex
	if a.mode == ModeEndgame {
		for c := range a.chunks {
			if a.chunks[c].holders[peer] {
				out = append(out, ChunkIndex(c))
			}
		}
		return out
	}
	for c := range a.perPeer[peer] {
		out = append(out, c)
	}
	return out
}

// UnderReplicated returns every not-yet-stored chunk currently held by
// fewer than the replication factor's worth of peers, for the endgame
// engine's periodic rebalance sweep (§4.8). No-op outside endgame mode.
func (a *Assigner) UnderReplicated() []ChunkIndex {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.mode != ModeEndgame {
		return nil
	}
	var out []ChunkIndex
	for c := 0; c < len(a.chunks); c++ {
		if a.stored.Contains(uint32(c)) {
			continue
		}
		if len(a.chunks[c].holders) < a.replicationFactor {
			out = append(out, ChunkIndex(c))
		}
	}
	return out
}

// AssignEndgame adds peer to a chunk's holder set directly, bypassing
// Request's piece-ranking scan. Returns false if the peer already holds it
// or the chunk is already stored.
func (a *Assigner) AssignEndgame(c ChunkIndex, peer PeerHandle) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	rec := &a.chunks[c]
	if a.stored.Contains(uint32(c)) || rec.holders[peer] {
		return false
	}
	if rec.holders == nil {
		rec.holders = make(map[PeerHandle]bool)
	}
	rec.holders[peer] = true
	a.assigned.Add(uint32(c))
	return true
}

// ChunkPiece exposes the piece index for a chunk, for the endgame engine's
// have-set lookups.
func (a *Assigner) ChunkPiece(c ChunkIndex) int {
	return a.layout.pieceOf(c)
}

// ChunkRequestFor returns the wire-ready request for a chunk.
func (a *Assigner) ChunkRequestFor(c ChunkIndex) ChunkRequest {
	return a.layout.requestFor(c)
}

// ChunkIndexFor recovers the flat chunk index for a (piece, offset) pair as
// seen on the wire in a piece/request/cancel message.
func (a *Assigner) ChunkIndexFor(piece int, offset int64) ChunkIndex {
	cid0, _ := a.layout.chunkRange(piece)
	return cid0 + ChunkIndex(offset/a.layout.clength)
}

// Stats returns free/stored/total chunk counts for diagnostics.
func (a *Assigner) Stats() (free, stored, total int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return int64(a.free.GetCardinality()), int64(a.stored.GetCardinality()), int64(len(a.chunks))
}
