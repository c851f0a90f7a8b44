package torrent

import (
	"math"
	"math/rand"
	"time"

	list "github.com/bahlo/generic-list-go"
	"github.com/anacrolix/log"
	"github.com/anacrolix/multiless"
	"github.com/anacrolix/sync"
)

const (
	defaultRoundTime     = 10 * time.Second
	optimisticEveryNRounds = 3
)

// ChokeDecision is the outcome of one rechoke pass for a single peer.
type ChokeDecision int

const (
	ChokeDecisionChoke ChokeDecision = iota
	ChokeDecisionUnchoke
)

// ChokeClient is the narrow interface a peer session exposes to the choker.
type ChokeClient interface {
	SendChoke() error
	SendUnchoke() error
}

type chokerPeer struct {
	handle    PeerHandle
	client    ChokeClient
	seeding   bool // true: we are seeding to this peer (we have it, they want it)
	interested bool
	snubbed   bool
	rate      float64 // recv rate if leeching from them, send rate if seeding to them
	choked    bool
}

// Choker implements the round-based rechoke algorithm of §4.9: tit-for-tat
// preferred sets plus an optimistic-unchoke rotation.
type Choker struct {
	mu sync.Mutex

	logger log.Logger

	MaxUploadSlots int // 0 means "auto"
	MinUploadSlots int
	MaxUploadRateKBps float64

	round int
	optimistic list.List[PeerHandle]
	optimisticElements map[PeerHandle]*list.Element[PeerHandle]
	unchokedOptimistic map[PeerHandle]bool
}

func NewChoker(logger log.Logger) *Choker {
	return &Choker{
		logger:             logger,
		MinUploadSlots:     4,
		optimisticElements: make(map[PeerHandle]*list.Element[PeerHandle]),
		unchokedOptimistic: make(map[PeerHandle]bool),
	}
}

// AddPeer inserts a newly joined peer session at a uniformly random position
// in the optimistic rotation list (§4.9 step 10).
func (c *Choker) AddPeer(p PeerHandle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.optimistic.Len()
	pos := 0
	if n > 0 {
		pos = rand.Intn(n + 1)
	}
	var el *list.Element[PeerHandle]
	if pos == n {
		el = c.optimistic.PushBack(p)
	} else {
		at := c.optimistic.Front()
		for i := 0; i < pos; i++ {
			at = at.Next()
		}
		el = c.optimistic.InsertBefore(p, at)
	}
	c.optimisticElements[p] = el
}

// RemovePeer drops a peer from the rotation, e.g. on disconnect.
func (c *Choker) RemovePeer(p PeerHandle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.optimisticElements[p]; ok {
		c.optimistic.Remove(el)
		delete(c.optimisticElements, p)
	}
	delete(c.unchokedOptimistic, p)
}

// maxUploadSlotsAuto implements the `auto` sizing formula of §4.9 step 4.
func maxUploadSlotsAuto(maxUploadRateKBps float64) int {
	switch {
	case maxUploadRateKBps <= 0:
		return 7
	case maxUploadRateKBps < 9:
		return 2
	case maxUploadRateKBps < 15:
		return 3
	case maxUploadRateKBps < 42:
		return 4
	default:
		return int(math.Round(math.Sqrt(maxUploadRateKBps * 0.8)))
	}
}

func (c *Choker) maxSlots() int {
	if c.MaxUploadSlots > 0 {
		return c.MaxUploadSlots
	}
	return maxUploadSlotsAuto(c.MaxUploadRateKBps)
}

// Rechoke runs one full rechoke pass over the given peer snapshot, per the
// ten steps of §4.9, and sends choke/unchoke to every peer whose state
// changes.
func (c *Choker) Rechoke(peers []chokerPeer) {
	c.mu.Lock()
	defer c.mu.Unlock()

	eligible := make([]chokerPeer, 0, len(peers))
	for _, p := range peers {
		if !p.interested || p.snubbed {
			continue
		}
		eligible = append(eligible, p)
	}

	var leechers, seeders []chokerPeer
	for _, p := range eligible {
		if p.seeding {
			seeders = append(seeders, p)
		} else {
			leechers = append(leechers, p)
		}
	}
	sortByRateDesc(leechers)
	sortByRateDesc(seeders)

	max := c.maxSlots()
	d := maxInt(1, int(math.Round(float64(max)*0.7)))
	s := maxInt(1, int(math.Round(float64(max)*0.3)))
	if len(leechers) < d {
		s += d - len(leechers)
		d = len(leechers)
	}
	if len(seeders) < s {
		d += s - len(seeders)
		s = len(seeders)
	}
	d = minInt(d, len(leechers))
	s = minInt(s, len(seeders))

	preferred := make(map[PeerHandle]bool, d+s)
	for i := 0; i < d; i++ {
		preferred[leechers[i].handle] = true
	}
	for i := 0; i < s; i++ {
		preferred[seeders[i].handle] = true
	}

	optimisticSlots := maxInt(c.MinUploadSlots, max-len(preferred))

	c.round++
	if c.round%optimisticEveryNRounds == 0 {
		clear(c.unchokedOptimistic)
		c.advanceOptimistic(peers, preferred, optimisticSlots)
	}

	granted := 0
	for _, p := range peers {
		unchoke := preferred[p.handle]
		if !unchoke && !p.seeding && p.interested && !p.snubbed && c.unchokedOptimistic[p.handle] && granted < optimisticSlots {
			unchoke = true
			granted++
		}
		applyChokeDecision(p, unchoke)
	}
}

// advanceOptimistic walks the rotation from its head, unchoking up to n
// interested peers not already in the round's rate-preferred set, regardless
// of rate, per step 10 ("peers not interested or already unchoked are
// skipped").
func (c *Choker) advanceOptimistic(peers []chokerPeer, preferred map[PeerHandle]bool, n int) {
	byHandle := make(map[PeerHandle]chokerPeer, len(peers))
	for _, p := range peers {
		byHandle[p.handle] = p
	}
	count := 0
	start := c.optimistic.Front()
	el := start
	seen := 0
	for el != nil && count < n && seen < c.optimistic.Len() {
		p, ok := byHandle[el.Value]
		seen++
		next := el.Next()
		if ok && p.interested && !preferred[el.Value] {
			c.unchokedOptimistic[el.Value] = true
			count++
			// rotate this element to the back so the next round starts past it
			c.optimistic.Remove(el)
			newEl := c.optimistic.PushBack(el.Value)
			c.optimisticElements[el.Value] = newEl
		}
		el = next
	}
}

func applyChokeDecision(p chokerPeer, unchoke bool) {
	if p.client == nil {
		return
	}
	if unchoke {
		_ = p.client.SendUnchoke()
	} else {
		_ = p.client.SendChoke()
	}
}

// rateLess reports whether a ranks ahead of b in the preferred set: higher
// rate wins, ties broken by a stable handle comparison.
func rateLess(a, b chokerPeer) bool {
	less, ok := multiless.New().CmpInt64(
		int64((b.rate - a.rate) * 1e6),
	).Uintptr(
		uintptr(a.handle), uintptr(b.handle),
	).LessOk()
	if !ok {
		return a.handle < b.handle
	}
	return less
}

// sortByRateDesc insertion-sorts peers by descending rate. Peer counts per
// torrent are small enough that this beats pulling in sort.Slice's
// reflection-based comparator for the gain.
func sortByRateDesc(peers []chokerPeer) {
	for i := 1; i < len(peers); i++ {
		for j := i; j > 0 && rateLess(peers[j], peers[j-1]); j-- {
			peers[j], peers[j-1] = peers[j-1], peers[j]
		}
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
