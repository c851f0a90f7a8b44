package torrent

import (
	"io"
	"time"

	"github.com/anacrolix/chansync"
	"github.com/anacrolix/log"
	"github.com/anacrolix/sync"
	"golang.org/x/time/rate"

	pp "github.com/jlouis/etorrent-core/peer_protocol"
)

// FileStore is the external collaborator that persists and serves chunk
// bytes and verifies a piece once its last chunk lands (§4.5 "file I/O
// collaborator"). It is an opaque collaborator from this package's point
// of view.
type FileStore interface {
	WriteChunk(id TorrentID, piece int, offset int64, data []byte) (pieceComplete bool, err error)
	ReadChunk(id TorrentID, piece int, offset, length int64) ([]byte, error)
}

// HaveBroadcaster fans a completed piece's have message out to the sessions
// of that torrent.
type HaveBroadcaster interface {
	BroadcastHave(id TorrentID, piece int)
}

// CancelSender lets one session ask another's to stop sending a chunk,
// used by the endgame engine's first-stored-wins cancellation (§4.6/§4.8).
type CancelSender interface {
	SendCancel(id TorrentID, peer PeerHandle, req ChunkRequest)
}

const (
	defaultPipelineDepth   = 6
	writeBufferHighWaterLen = 1 << 17
)

// PeerConnConfig carries the tunables §4.5 calls out explicitly.
type PeerConnConfig struct {
	PipelineDepth    int
	SnubTimeout      time.Duration
	KeepAliveTimeout time.Duration
	UploadLimiter    *rate.Limiter
}

func (c PeerConnConfig) withDefaults() PeerConnConfig {
	if c.PipelineDepth == 0 {
		c.PipelineDepth = defaultPipelineDepth
	}
	if c.SnubTimeout == 0 {
		c.SnubTimeout = snubTimeout
	}
	if c.KeepAliveTimeout == 0 {
		c.KeepAliveTimeout = 2 * time.Minute
	}
	return c
}

// PeerConn is one peer session: the trio of control/send/receive tasks
// described in §4.5, sharing a socket and this struct's state under a
// single mutex (the teacher's own PeerConn uses the same discipline for
// its per-connection state, reserving message passing for state shared
// *across* connections).
type PeerConn struct {
	mu sync.Mutex

	Handle    PeerHandle
	TorrentID TorrentID
	PeerID    [20]byte

	conn io.ReadWriteCloser

	assigner *Assigner
	pending  *PendingTracker
	states   *PeerStateTable
	files    FileStore
	haves    HaveBroadcaster
	cancels  CancelSender
	logger   log.Logger

	cfg PeerConnConfig

	weChokeThem    bool
	weInterestThem bool
	theyChokeUs    bool
	theyInterestUs bool

	peerHas     map[int]bool
	wantPiece   func(piece int) bool
	outstanding int

	uploadQueue []ChunkRequest

	writer peerConnMsgWriter
	closed chansync.SetOnce
}

// NewPeerConn wires a freshly handshaken socket into a session. The caller
// is expected to have already registered the peer in states (C3) via
// PeerStateTable.Register.
func NewPeerConn(
	handle PeerHandle,
	torrentID TorrentID,
	peerID [20]byte,
	conn io.ReadWriteCloser,
	assigner *Assigner,
	pending *PendingTracker,
	states *PeerStateTable,
	files FileStore,
	haves HaveBroadcaster,
	cancels CancelSender,
	wantPiece func(piece int) bool,
	logger log.Logger,
	cfg PeerConnConfig,
) *PeerConn {
	p := &PeerConn{
		Handle:      handle,
		TorrentID:   torrentID,
		PeerID:      peerID,
		conn:        conn,
		assigner:    assigner,
		pending:     pending,
		states:      states,
		files:       files,
		haves:       haves,
		cancels:     cancels,
		wantPiece:   wantPiece,
		logger:      logger,
		cfg:         cfg.withDefaults(),
		weChokeThem: true,
		theyChokeUs: true,
		peerHas:     make(map[int]bool),
	}
	p.initMessageWriter()
	return p
}

// locker satisfies the locking convention peerConnMsgWriter expects: lock
// before mutating shared session state from the writer's fill callback.
func (p *PeerConn) locker() sync.Locker { return &p.mu }

func (p *PeerConn) Close() {
	p.closed.Set()
	_ = p.conn.Close()
}

// HandleBitfield processes an incoming bitfield message: records every
// piece the peer has and, if any intersect with pieces we still want,
// transitions we_interest_them and schedules an interested message.
func (p *PeerConn) HandleBitfield(bits []bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	interesting := false
	for i, has := range bits {
		if has {
			p.peerHas[i] = true
			p.assigner.SetHave(i, 1)
			if !interesting && p.wantPiece(i) {
				interesting = true
			}
		}
	}
	if interesting && !p.weInterestThem {
		p.setInterestLocked(true)
	}
}

// HandleHave processes a single have announcement.
func (p *PeerConn) HandleHave(piece int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.peerHas[piece] {
		return
	}
	p.peerHas[piece] = true
	p.assigner.SetHave(piece, 1)
	if !p.weInterestThem && p.wantPiece(piece) {
		p.setInterestLocked(true)
	}
}

func (p *PeerConn) setInterestLocked(interested bool) {
	p.weInterestThem = interested
	p.states.SetFlags(p.TorrentID, p.Handle, func(f *PeerFlags) { f.WeInterestThem = interested })
	if interested {
		p.writer.write(pp.Message{Type: pp.Interested})
	} else {
		p.writer.write(pp.Message{Type: pp.NotInterested})
	}
}

// HandleChoke/HandleUnchoke process the remote's choke state toward us.
func (p *PeerConn) HandleChoke() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.theyChokeUs = true
	p.states.SetFlags(p.TorrentID, p.Handle, func(f *PeerFlags) { f.TheyChokeUs = true })
}

func (p *PeerConn) HandleUnchoke() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.theyChokeUs = false
	p.states.SetFlags(p.TorrentID, p.Handle, func(f *PeerFlags) { f.TheyChokeUs = false })
	p.fillRequestsLocked()
}

// HandleInterested/HandleNotInterested process the remote's interest in us.
func (p *PeerConn) HandleInterested() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.theyInterestUs = true
	p.states.SetFlags(p.TorrentID, p.Handle, func(f *PeerFlags) { f.TheyInterestUs = true })
}

func (p *PeerConn) HandleNotInterested() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.theyInterestUs = false
	p.states.SetFlags(p.TorrentID, p.Handle, func(f *PeerFlags) { f.TheyInterestUs = false })
}

// fillRequestsLocked implements the request loop of §4.5: while
// they_choke_us is false and we_interest_them and outstanding < depth, ask
// the assigner for more chunks.
func (p *PeerConn) fillRequestsLocked() {
	if p.theyChokeUs || !p.weInterestThem {
		return
	}
	need := p.cfg.PipelineDepth - p.outstanding
	if need <= 0 {
		return
	}
	res := p.assigner.Request(need, func(piece int) bool { return p.peerHas[piece] }, p.Handle)
	if !res.Ok {
		return
	}
	for _, c := range res.Value {
		p.pending.Add(p.Handle, c.Chunk)
		p.outstanding++
		p.writer.write(pp.Message{
			Type:   pp.Request,
			Index:  pp.Integer(c.ChunkRequest.Piece),
			Begin:  pp.Integer(c.ChunkRequest.Offset),
			Length: pp.Integer(c.ChunkRequest.Length),
		})
	}
}

// HandlePiece processes an incoming piece payload: marks the chunk
// fetched, hands bytes to the file store, marks it stored once the write
// succeeds (sending cancels to any other endgame holders), and broadcasts
// have when the file store reports the piece complete, per §4.5 and §4.6.
func (p *PeerConn) HandlePiece(piece int, offset int64, data []byte) {
	p.mu.Lock()
	c := p.assigner.ChunkIndexFor(piece, offset)
	p.pending.Remove(p.Handle, c)
	if p.outstanding > 0 {
		p.outstanding--
	}
	p.assigner.Fetched(c, p.Handle)
	p.states.RecordRecv(p.TorrentID, p.Handle, time.Now(), int64(len(data)), true)
	p.mu.Unlock()

	complete, err := p.files.WriteChunk(p.TorrentID, piece, offset, data)
	if err != nil {
		p.logger.WithDefaultLevel(log.Debug).Printf("peer %v: chunk write failed: %v", p.Handle, err)
		return
	}

	res := p.assigner.Stored(c, p.Handle)
	for _, other := range res.CancelTo {
		p.cancels.SendCancel(p.TorrentID, other, p.assigner.ChunkRequestFor(c))
	}

	p.mu.Lock()
	p.fillRequestsLocked()
	p.mu.Unlock()

	if complete && p.haves != nil {
		p.haves.BroadcastHave(p.TorrentID, piece)
	}
}

// HandleRequest queues an upload for an incoming request, unless we're
// choking this peer.
func (p *PeerConn) HandleRequest(piece int, offset, length int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.weChokeThem {
		return
	}
	p.uploadQueue = append(p.uploadQueue, ChunkRequest{Piece: piece, Offset: offset, Length: length})
	p.writer.writeCond.Broadcast()
}

// HandleCancel drops a still-queued upload matching the request. If it was
// already flushed to the wire it's left alone, per §4.5.
func (p *PeerConn) HandleCancel(piece int, offset, length int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, r := range p.uploadQueue {
		if r.Piece == piece && r.Offset == offset && r.Length == length {
			p.uploadQueue = append(p.uploadQueue[:i], p.uploadQueue[i+1:]...)
			return
		}
	}
}

// SendChoke/SendUnchoke implement ChokeClient for the choker (C9).
func (p *PeerConn) SendChoke() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.weChokeThem {
		return nil
	}
	p.weChokeThem = true
	p.states.SetFlags(p.TorrentID, p.Handle, func(f *PeerFlags) { f.WeChokeThem = true })
	p.writer.write(pp.Message{Type: pp.Choke})
	return nil
}

func (p *PeerConn) SendUnchoke() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.weChokeThem {
		return nil
	}
	p.weChokeThem = false
	p.states.SetFlags(p.TorrentID, p.Handle, func(f *PeerFlags) { f.WeChokeThem = false })
	p.writer.write(pp.Message{Type: pp.Unchoke})
	return nil
}

// SendHave queues a have message, used by the torrent's HaveBroadcaster
// fan-out once a piece is complete.
func (p *PeerConn) SendHave(piece int) {
	p.writer.write(pp.Message{Type: pp.Have, Index: pp.Integer(piece)})
}

// HasPiece reports whether this peer has announced the given piece, for the
// endgame engine's candidate selection (§4.8).
func (p *PeerConn) HasPiece(piece int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peerHas[piece]
}

// SendRequest implements RequestSender for the endgame engine (C8).
func (p *PeerConn) SendRequest(peer PeerHandle, req ChunkRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending.Add(peer, p.assigner.ChunkIndexFor(req.Piece, req.Offset))
	p.outstanding++
	p.writer.write(pp.Message{
		Type:   pp.Request,
		Index:  pp.Integer(req.Piece),
		Begin:  pp.Integer(req.Offset),
		Length: pp.Integer(req.Length),
	})
	return nil
}

// SendCancel implements CancelSender.
func (p *PeerConn) SendCancel(id TorrentID, peer PeerHandle, req ChunkRequest) {
	p.writer.write(pp.Message{
		Type:   pp.Cancel,
		Index:  pp.Integer(req.Piece),
		Begin:  pp.Integer(req.Offset),
		Length: pp.Integer(req.Length),
	})
}

// RefreshSnub recomputes this session's snub flag in the shared state table
// (§4.5 "if no piece payload arrived in 30s, control flips snubbed=true").
// The client's snubLoop refreshes the table directly rather than through
// this method.
func (p *PeerConn) RefreshSnub(now time.Time) bool {
	return p.states.RefreshSnub(p.TorrentID, p.Handle, now)
}

// Dropped tears the session down: returns its assignments to C6 and
// reclaims its pending requests, per §4.5 "Shutdown".
func (p *PeerConn) Dropped() {
	p.closed.Set()
	p.assigner.Dropped(p.Handle)
	p.pending.Reclaim(p.Handle)
	p.states.Unregister(p.TorrentID, p.Handle)
}
