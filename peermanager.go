package torrent

import (
	"context"
	"math/rand"
	"net"
	"strconv"
	"time"

	"github.com/anacrolix/log"
	"github.com/anacrolix/sync"
)

// PeerAddr is a candidate peer's dialable address for one torrent, as
// delivered by a tracker announce or scrape (§4.11).
type PeerAddr struct {
	IP   string
	Port int
}

func (a PeerAddr) String() string { return net.JoinHostPort(a.IP, strconv.Itoa(a.Port)) }

type candidateEntry struct {
	torrent TorrentID
	addr    PeerAddr
}

type peerKey struct {
	torrent TorrentID
	addr    string
}

type badPeerEntry struct {
	offenses int
	last     time.Time
}

const (
	// maxBadPeerOffenses is the offense count past which a candidate is
	// skipped outright (§4.11: "skip if ... offenses > 2").
	maxBadPeerOffenses = 2

	badPeerEntryTTL      = 900 * time.Second
	badPeerCleanupPeriod = 120 * time.Second

	defaultMaxHalfOpen = 10
)

// Connector establishes one outbound session once a candidate clears the
// peer manager's dedup and bad-peer checks. Implemented by the glue layer
// that owns Connect/handshake/PeerConn wiring.
type Connector interface {
	Connect(torrent TorrentID, addr PeerAddr)
}

// PeerManager implements C11: tracker-fed candidate intake with shuffling,
// dedup against already-connected peers, and the bad-peer table's
// offense/cooldown bookkeeping. It is the single writer of both tables;
// every other task only reads via the exported query methods, per §5.
type PeerManager struct {
	mu sync.Mutex

	logger    log.Logger
	connector Connector

	candidates  []candidateEntry
	active      map[peerKey]bool
	bad         map[string]*badPeerEntry
	maxHalfOpen int
	halfOpen    int
}

// NewPeerManager builds an empty candidate pool. maxHalfOpen <= 0 falls
// back to the teacher's own default of 10 concurrent outbound dials.
func NewPeerManager(logger log.Logger, connector Connector, maxHalfOpen int) *PeerManager {
	if maxHalfOpen <= 0 {
		maxHalfOpen = defaultMaxHalfOpen
	}
	return &PeerManager{
		logger:      logger,
		connector:   connector,
		active:      make(map[peerKey]bool),
		bad:         make(map[string]*badPeerEntry),
		maxHalfOpen: maxHalfOpen,
	}
}

// AddPeers merges a tracker's candidate addresses into the pool, dropping
// duplicates against both the existing pool and this call's own addrs, then
// reshuffles the whole pool and pumps connectors while slots remain.
func (m *PeerManager) AddPeers(torrentID TorrentID, addrs []PeerAddr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[peerKey]bool, len(m.candidates)+len(addrs))
	for _, c := range m.candidates {
		seen[peerKey{c.torrent, c.addr.String()}] = true
	}
	for _, a := range addrs {
		k := peerKey{torrentID, a.String()}
		if seen[k] {
			continue
		}
		seen[k] = true
		m.candidates = append(m.candidates, candidateEntry{torrent: torrentID, addr: a})
	}
	rand.Shuffle(len(m.candidates), func(i, j int) {
		m.candidates[i], m.candidates[j] = m.candidates[j], m.candidates[i]
	})
	m.drainLocked()
}

func (m *PeerManager) drainLocked() {
	for m.halfOpen < m.maxHalfOpen && len(m.candidates) > 0 {
		c := m.candidates[0]
		m.candidates = m.candidates[1:]
		if m.skipLocked(c) {
			continue
		}
		m.active[peerKey{c.torrent, c.addr.String()}] = true
		m.halfOpen++
		go m.connector.Connect(c.torrent, c.addr)
	}
}

func (m *PeerManager) skipLocked(c candidateEntry) bool {
	if e, ok := m.bad[c.addr.IP]; ok && e.offenses > maxBadPeerOffenses {
		return true
	}
	return m.active[peerKey{c.torrent, c.addr.String()}]
}

// ConnectSucceeded reports that an outbound dial spawned by drainLocked
// completed a session; the half-open slot is freed and the peer stays
// marked active (still connected) until Disconnected.
func (m *PeerManager) ConnectSucceeded(torrentID TorrentID, addr PeerAddr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.halfOpen--
	m.drainLocked()
}

// ConnectFailed reports a dial or handshake failure: the half-open slot is
// freed and the active mark removed so the candidate is eligible again on a
// future tracker announce.
func (m *PeerManager) ConnectFailed(torrentID TorrentID, addr PeerAddr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.halfOpen--
	delete(m.active, peerKey{torrentID, addr.String()})
	m.drainLocked()
}

// Disconnected reports that a previously-established session ended,
// freeing its (ip,port,torrent) combination for reconnection.
func (m *PeerManager) Disconnected(torrentID TorrentID, addr PeerAddr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, peerKey{torrentID, addr.String()})
}

// EnterBadPeer records one offense against an IP, keyed by IP alone since a
// misbehaving peer is assumed bad regardless of which port it reconnects
// from. peerID is accepted per §4.11's signature but is not otherwise used:
// the table only tracks IP reputation.
func (m *PeerManager) EnterBadPeer(ip string, port int, peerID [20]byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.bad[ip]
	if !ok {
		e = &badPeerEntry{}
		m.bad[ip] = e
	}
	e.offenses++
	e.last = time.Now()
	m.logger.WithDefaultLevel(log.Debug).Printf("bad peer %s:%d: offense %d", ip, port, e.offenses)
}

// Offenses reports the current offense count for an IP, for diagnostics.
func (m *PeerManager) Offenses(ip string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.bad[ip]; ok {
		return e.offenses
	}
	return 0
}

// RunCleanup blocks, periodically evicting bad-peer entries untouched for
// longer than badPeerEntryTTL, until ctx is done (§4.11: "cleanup job every
// 120s removes entries older than 900s").
func (m *PeerManager) RunCleanup(ctx context.Context) {
	ticker := time.NewTicker(badPeerCleanupPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.cleanupOnce(now)
		}
	}
}

func (m *PeerManager) cleanupOnce(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for ip, e := range m.bad {
		if now.Sub(e.last) >= badPeerEntryTTL {
			delete(m.bad, ip)
		}
	}
}
