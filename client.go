package torrent

import (
	"context"
	"crypto/rand"
	"fmt"
	"net"
	"time"

	"github.com/anacrolix/log"
	"github.com/anacrolix/sync"
)

const (
	defaultChunkLength = 16384
	rechokeRoundPeriod = defaultRoundTime
	registryTickPeriod = 60 * time.Second
	snubRefreshPeriod  = 10 * time.Second
	endgameSweepPeriod = 5 * time.Second
)

// torrentSession is the set of C6/C7/C9 collaborators scoped to one
// torrent entry, plus the live PeerConns currently open against it.
type torrentSession struct {
	id       TorrentID
	infoHash [20]byte
	assigner *Assigner
	pending  *PendingTracker
	choker   *Choker
	endgame  *EndgameEngine
	files    FileStore

	mu         sync.Mutex
	nextHandle PeerHandle
	conns      map[PeerHandle]*PeerConn
	wantPiece  func(piece int) bool
}

// sessionRequestSender implements RequestSender for the endgame engine by
// dispatching to whichever PeerConn currently owns the target handle, since
// one EndgameEngine sweeps requests across every peer of a torrent rather
// than just one connection.
type sessionRequestSender struct {
	s *torrentSession
}

func (r sessionRequestSender) SendRequest(peer PeerHandle, req ChunkRequest) error {
	r.s.mu.Lock()
	p, ok := r.s.conns[peer]
	r.s.mu.Unlock()
	if !ok {
		return ErrTorrentNotActive
	}
	return p.SendRequest(peer, req)
}

// endgameCandidates lists every currently connected peer that has announced
// the chunk's containing piece, for the endgame engine's replication sweep.
func (s *torrentSession) endgameCandidates(c ChunkIndex, piece int) []PeerHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []PeerHandle
	for h, p := range s.conns {
		if p.HasPiece(piece) {
			out = append(out, h)
		}
	}
	return out
}

func (s *torrentSession) allocHandle() PeerHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextHandle++
	return s.nextHandle
}

func (s *torrentSession) addConn(h PeerHandle, p *PeerConn) {
	s.mu.Lock()
	s.conns[h] = p
	s.mu.Unlock()
}

func (s *torrentSession) removeConn(h PeerHandle) {
	s.mu.Lock()
	delete(s.conns, h)
	s.mu.Unlock()
}

func (s *torrentSession) snapshotChokerPeers(states *PeerStateTable) []chokerPeer {
	s.mu.Lock()
	conns := make(map[PeerHandle]*PeerConn, len(s.conns))
	for h, c := range s.conns {
		conns[h] = c
	}
	s.mu.Unlock()

	rows := states.SnapshotTorrent(s.id)
	out := make([]chokerPeer, 0, len(rows))
	for _, r := range rows {
		c, ok := conns[r.Peer]
		if !ok {
			continue
		}
		seeding := r.TheyInterestUs && !r.WeInterestThem
		out = append(out, chokerPeer{
			handle:     r.Peer,
			client:     c,
			seeding:    seeding,
			interested: r.TheyInterestUs,
			snubbed:    r.Snubbed,
			rate:       s.peerRate(r, seeding),
			choked:     r.WeChokeThem,
		})
	}
	return out
}

// peerRate is the rate the rechoke algorithm ranks this peer by: the rate
// we're receiving from them while leeching, or the rate we're sending them
// while seeding (§4.9 step 2/3).
func (s *torrentSession) peerRate(r PeerSnapshot, seeding bool) float64 {
	if seeding {
		return r.SendRate
	}
	return r.RecvRate
}

// Client is the top-level orchestrator: it owns the registry, the shared
// peer-state table, the peer manager's dial pool, the inbound listener, and
// one torrentSession per active torrent. It plays the role the teacher's
// original actor-style client played, generalized to this module's
// components and using the same mutex discipline the rest of the package
// already uses for cross-goroutine state (Registry, Choker, PeerStateTable).
type Client struct {
	cfg    *Config
	logger log.Logger

	PeerID [20]byte

	registry *Registry
	states   *PeerStateTable
	peers    *PeerManager
	listener *Listener

	mu         sync.Mutex
	sessions   map[TorrentID]*torrentSession
	byInfoHash map[[20]byte]TorrentID

	closing chan struct{}
}

// NewClient brings up a client from a validated config: generates a random
// peer id (§4.4), wires the registry's event bus to a Callbacks value that
// logs seeding transitions, starts
// the inbound listener if cfg.ListenPort is set, and starts the peer
// manager's half-open dial pool plus its bad-peer cleanup job.
func NewClient(cfg *Config) (*Client, error) {
	logger := cfg.Logger
	c := &Client{
		cfg:        cfg,
		logger:     logger,
		states:     NewPeerStateTable(),
		sessions:   make(map[TorrentID]*torrentSession),
		byInfoHash: make(map[[20]byte]TorrentID),
		closing:    make(chan struct{}),
	}
	if _, err := rand.Read(c.PeerID[:]); err != nil {
		return nil, ConfigError{Err: fmt.Errorf("generating peer id: %w", err)}
	}

	c.registry = NewRegistry(logger, Callbacks{
		OnSeedingTorrent: func(id TorrentID) {
			logger.WithDefaultLevel(log.Info).Printf("torrent %d: seeding", id)
		},
	}, c)

	c.peers = NewPeerManager(logger, c, defaultMaxHalfOpen)
	if cfg.MaxPeers > 0 {
		c.peers.maxHalfOpen = cfg.MaxPeers
	}

	if cfg.ListenPort > 0 {
		addr := net.JoinHostPort(cfg.ListenIP, fmt.Sprintf("%d", cfg.ListenPort))
		ln, err := Listen(addr, c.PeerID, logger, c.handleAccepted)
		if err != nil {
			return nil, TransientIOError{Err: err}
		}
		c.listener = ln
		if cfg.PortForward {
			go c.forwardPortOnce()
		}
	}

	go c.peers.RunCleanup(c.closingContext())
	go c.tickRegistry()
	go c.rechokeLoop()
	go c.snubLoop()
	go c.endgameLoop()
	return c, nil
}

func (c *Client) closingContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-c.closing
		cancel()
	}()
	return ctx
}

// TorrentDownloadRate implements RateSource for Registry.Tick: the sum of
// every open peer session's receive rate for a torrent (§4.2).
func (c *Client) TorrentDownloadRate(id TorrentID) float64 {
	return c.states.TorrentAggregateDownloadRate(id)
}

func (c *Client) tickRegistry() {
	t := time.NewTicker(registryTickPeriod)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			c.registry.Tick()
		case <-c.closing:
			return
		}
	}
}

// rechokeLoop runs one Choker.Rechoke pass per active torrent every round,
// per §4.9.
func (c *Client) rechokeLoop() {
	t := time.NewTicker(rechokeRoundPeriod)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			for _, s := range c.snapshotSessions() {
				s.choker.Rechoke(s.snapshotChokerPeers(c.states))
			}
		case <-c.closing:
			return
		}
	}
}

// snubLoop refreshes the snub flag for every peer of every torrent, per the
// 30-second no-payload rule of §4.3/§4.5.
func (c *Client) snubLoop() {
	t := time.NewTicker(snubRefreshPeriod)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			now := time.Now()
			for _, s := range c.snapshotSessions() {
				for h := range s.snapshotHandles() {
					c.states.RefreshSnub(s.id, h, now)
				}
			}
		case <-c.closing:
			return
		}
	}
}

// endgameLoop runs the endgame engine's replication sweep for every torrent
// currently in endgame mode, per §4.8's periodic rebalance.
func (c *Client) endgameLoop() {
	t := time.NewTicker(endgameSweepPeriod)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			for _, s := range c.snapshotSessions() {
				if s.assigner.Mode() == ModeEndgame {
					s.endgame.Sweep(s.endgameCandidates)
				}
			}
		case <-c.closing:
			return
		}
	}
}

func (s *torrentSession) snapshotHandles() map[PeerHandle]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[PeerHandle]bool, len(s.conns))
	for h := range s.conns {
		out[h] = true
	}
	return out
}

// snapshotConns returns every currently open PeerConn, for the shutdown
// paths that need to close live sockets rather than wait for their own I/O
// to fail.
func (s *torrentSession) snapshotConns() []*PeerConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*PeerConn, 0, len(s.conns))
	for _, p := range s.conns {
		out = append(out, p)
	}
	return out
}

func (c *Client) snapshotSessions() []*torrentSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*torrentSession, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, s)
	}
	return out
}

// AddTorrent registers a new torrent entry and its C6/C7/C9 collaborators,
// returning the id new peer sessions and AddPeers calls should use.
func (c *Client) AddTorrent(name string, infoHash [20]byte, total, plength int64, numPieces int, files FileStore, wantPiece func(piece int) bool) TorrentID {
	id := c.registry.Insert(TorrentEntry{
		Name:      name,
		InfoHash:  infoHash,
		Total:     total,
		Wanted:    total,
		Left:      total,
		NumPieces: numPieces,
	})
	choker := NewChoker(c.logger)
	choker.MaxUploadSlots = c.cfg.MaxUploadSlots
	choker.MinUploadSlots = c.cfg.OptimisticSlots
	choker.MaxUploadRateKBps = float64(c.cfg.MaxUploadRate) / 1024
	s := &torrentSession{
		id:        id,
		infoHash:  infoHash,
		assigner:  NewAssigner(total, plength, defaultChunkLength),
		pending:   NewPendingTracker(),
		choker:    choker,
		files:     files,
		conns:     make(map[PeerHandle]*PeerConn),
		wantPiece: wantPiece,
	}
	s.endgame = NewEndgameEngine(s.assigner, sessionRequestSender{s: s}, c.logger)
	c.mu.Lock()
	c.sessions[id] = s
	c.byInfoHash[infoHash] = id
	c.mu.Unlock()
	return id
}

// RemoveTorrent tears down a torrent's session and drops it from the
// registry. Every open peer connection is closed explicitly, per §5's
// cooperative-shutdown requirement: closing the socket unblocks that
// session's message-reader goroutine, which runs the usual Dropped/Close
// teardown before returning.
func (c *Client) RemoveTorrent(id TorrentID) {
	c.mu.Lock()
	s := c.sessions[id]
	delete(c.sessions, id)
	for ih, tid := range c.byInfoHash {
		if tid == id {
			delete(c.byInfoHash, ih)
		}
	}
	c.mu.Unlock()
	if s != nil {
		for _, p := range s.snapshotConns() {
			p.Close()
		}
	}
	c.registry.Remove(id)
}

// AddPeers feeds candidate addresses into the peer manager's dial pool
// (§4.11), to be connected subject to the half-open and bad-peer limits.
func (c *Client) AddPeers(id TorrentID, addrs []PeerAddr) {
	c.peers.AddPeers(id, addrs)
}

// Connect implements PeerManager's Connector: dial out to addr on behalf of
// torrent id and, on success, wire up a full peer session.
func (c *Client) Connect(id TorrentID, addr PeerAddr) {
	s := c.session(id)
	if s == nil {
		c.peers.ConnectFailed(id, addr)
		return
	}
	accepted, err := Connect(context.Background(), addr.String(), s.infoHash, c.PeerID)
	if err != nil {
		c.logger.WithDefaultLevel(log.Debug).Printf("connect %v: %v", addr, err)
		c.peers.ConnectFailed(id, addr)
		return
	}
	c.peers.ConnectSucceeded(id, addr)
	c.startSession(s, accepted, addr)
}

// handleAccepted is the inbound counterpart to Connect: the listener hands
// us a completed handshake and we map its info hash back to a session.
func (c *Client) handleAccepted(a Accepted) {
	id, ok := c.lookupByInfoHash(a.Result.InfoHash)
	if !ok {
		c.logger.WithDefaultLevel(log.Debug).Printf("accepted connection for unknown info hash from %v", a.Conn.RemoteAddr())
		a.Conn.Close()
		return
	}
	s := c.session(id)
	if s == nil {
		a.Conn.Close()
		return
	}
	c.startSession(s, a, PeerAddr{})
}

func (c *Client) session(id TorrentID) *torrentSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[id]
}

func (c *Client) lookupByInfoHash(ih [20]byte) (TorrentID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.byInfoHash[ih]
	return id, ok
}

// startSession registers the handshaken peer in the shared state table,
// builds its PeerConn, and runs its receive loop until the session dies,
// then unwinds every piece of per-peer bookkeeping (§4.5 "Shutdown").
func (c *Client) startSession(s *torrentSession, a Accepted, dialedAddr PeerAddr) {
	handle := s.allocHandle()
	now := time.Now()
	c.states.Register(s.id, handle, now)

	p := NewPeerConn(handle, s.id, a.Result.PeerID, a.Conn, s.assigner, s.pending, c.states,
		s.files, c, c, s.wantPiece, c.logger, PeerConnConfig{
			UploadLimiter:    rateLimiter(c.cfg.MaxUploadRate),
			KeepAliveTimeout: c.cfg.KeepAliveTimeout,
		})

	s.addConn(handle, p)
	s.choker.AddPeer(handle)

	go func() {
		p.startMessageWriter()
		p.messageReaderRunner()

		s.choker.RemovePeer(handle)
		s.removeConn(handle)
		if dialedAddr != (PeerAddr{}) {
			c.peers.Disconnected(s.id, dialedAddr)
		}
	}()
}

// BroadcastHave implements HaveBroadcaster: every open session of the same
// torrent, including the one that delivered the piece, is told the new piece
// is available (§4.5, §4.8).
func (c *Client) BroadcastHave(id TorrentID, piece int) {
	s := c.session(id)
	if s == nil {
		return
	}
	s.mu.Lock()
	conns := make([]*PeerConn, 0, len(s.conns))
	for _, p := range s.conns {
		conns = append(conns, p)
	}
	s.mu.Unlock()
	for _, p := range conns {
		p.SendHave(piece)
	}
}

// SendCancel implements CancelSender: if the named peer's session is still
// open, forward the cancel (§4.6/§4.8 first-stored-wins).
func (c *Client) SendCancel(id TorrentID, peer PeerHandle, req ChunkRequest) {
	s := c.session(id)
	if s == nil {
		return
	}
	s.mu.Lock()
	p, ok := s.conns[peer]
	s.mu.Unlock()
	if ok {
		p.SendCancel(id, peer, req)
	}
}

// Close shuts the client down: stops the background loops, the inbound
// listener, and every open peer connection across every torrent, per §5's
// cooperative-shutdown requirement.
func (c *Client) Close() {
	close(c.closing)
	if c.listener != nil {
		c.listener.Close()
	}
	for _, s := range c.snapshotSessions() {
		for _, p := range s.snapshotConns() {
			p.Close()
		}
	}
}
