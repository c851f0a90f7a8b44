package torrent

import (
	"fmt"

	"github.com/anacrolix/log"
	"github.com/anacrolix/sync"
	"github.com/dustin/go-humanize"
)

// TorrentID is a small monotonically-assigned integer identifying a torrent
// entry in the registry (§3 "Torrent entry").
type TorrentID int64

// Mode is progress or endgame, per §3/§4.6.
type Mode int

const (
	ModeProgress Mode = iota
	ModeEndgame
)

func (m Mode) String() string {
	if m == ModeEndgame {
		return "endgame"
	}
	return "progress"
}

// State is the torrent's externally visible lifecycle state.
type State int

const (
	StateUnknown State = iota
	StateLeeching
	StateSeeding
	StatePartial
	StatePaused
	StateChecking
	StateWaiting
)

func (s State) String() string {
	switch s {
	case StateLeeching:
		return "leeching"
	case StateSeeding:
		return "seeding"
	case StatePartial:
		return "partial"
	case StatePaused:
		return "paused"
	case StateChecking:
		return "checking"
	case StateWaiting:
		return "waiting"
	default:
		return "unknown"
	}
}

const rateHistoryCap = 25
const rateHistoryTrimTo = 20

// TorrentEntry is one row of the registry (§3 "Torrent entry"). It is only
// ever mutated by the Registry (Apply, and Tick for RateHistory); every
// other reader sees a copy via Lookup/SnapshotAll.
type TorrentEntry struct {
	ID       TorrentID
	Name     string
	InfoHash [20]byte

	Total  int64
	Wanted int64
	Left   int64

	Uploaded, Downloaded         int64
	AllTimeUploaded, AllTimeDown int64

	NumPieces int

	TrackerSeeders, TrackerLeechers   int
	ConnectedSeeders, ConnectedLeech  int
	IsPrivate                         bool
	IsPaused                          bool
	Mode                              Mode
	State                             State
	RateHistory                       []float64
}

func (t TorrentEntry) checkInvariants() error {
	if t.Left < 0 || t.Left > t.Wanted || t.Wanted > t.Total {
		return fmt.Errorf("torrent %d: invariant violated: 0 <= %d <= %d <= %d", t.ID, t.Left, t.Wanted, t.Total)
	}
	if t.State == StateSeeding && !(t.Left == 0 && t.Wanted == t.Total) {
		return fmt.Errorf("torrent %d: seeding but left=%d wanted=%d total=%d", t.ID, t.Left, t.Wanted, t.Total)
	}
	if t.State == StatePartial && !(t.Left == 0 && t.Wanted < t.Total) {
		return fmt.Errorf("torrent %d: partial but left=%d wanted=%d total=%d", t.ID, t.Left, t.Wanted, t.Total)
	}
	if t.IsPaused && t.State != StatePaused {
		return fmt.Errorf("torrent %d: paused flag set but state=%v", t.ID, t.State)
	}
	return nil
}

// Alteration is one tagged mutation applied atomically inside Registry.Apply
// (§4.2). A batch of alterations is applied under one critical section so
// no intermediate state is observable.
type Alteration struct {
	Kind  AlterationKind
	Value int64
	// Seeders/Leechers apply only to Kind == AlterTrackerReport.
	Seeders, Leechers int
	Mode              Mode
	Paused            bool
}

type AlterationKind int

const (
	AlterAddDownloaded AlterationKind = iota
	AlterAddUpload
	AlterSubtractLeft
	AlterSubtractLeftOrSkipped
	AlterSetWanted
	AlterTrackerReport
	AlterSetMode
	AlterSetPaused
	AlterContinue
	AlterUnknown
	AlterChecking
	AlterWaiting
	AlterIncConnectedLeecher
	AlterDecConnectedLeecher
	AlterIncConnectedSeeder
	AlterDecConnectedSeeder
)

// RateSource supplies the per-torrent download rate used by the periodic
// sparkline tick (§4.2's 60-second tick reads "each active torrent's
// per-torrent rate from C3").
type RateSource interface {
	TorrentDownloadRate(id TorrentID) float64
}

// EventBus is the external collaborator that receives lifecycle
// notifications (§6 "Event bus").
type EventBus interface {
	SeedingTorrent(id TorrentID)
	PieceComplete(id TorrentID, piece int)
}

// Registry is the single-writer table of all active torrents (C2). Reads
// take a shared lock and return copies; writes (Insert, Remove, Apply,
// Tick) take the exclusive lock.
type Registry struct {
	mu     sync.RWMutex
	byID   map[TorrentID]*TorrentEntry
	nextID TorrentID

	logger log.Logger
	events EventBus
	rates  RateSource
}

func NewRegistry(logger log.Logger, events EventBus, rates RateSource) *Registry {
	return &Registry{
		byID:   make(map[TorrentID]*TorrentEntry),
		logger: logger,
		events: events,
		rates:  rates,
	}
}

// Insert creates a new torrent entry and returns its assigned id.
func (r *Registry) Insert(attrs TorrentEntry) TorrentID {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	attrs.ID = id
	if attrs.State == StateUnknown && !attrs.IsPaused {
		if attrs.Left == 0 {
			if attrs.Wanted < attrs.Total {
				attrs.State = StatePartial
			} else {
				attrs.State = StateSeeding
			}
		} else {
			attrs.State = StateLeeching
		}
	}
	if attrs.IsPaused {
		attrs.State = StatePaused
	}
	e := attrs
	r.byID[id] = &e
	return id
}

// Remove destroys a torrent entry.
func (r *Registry) Remove(id TorrentID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, id)
}

// Lookup returns a copy of the entry, or ok=false if it doesn't exist.
func (r *Registry) Lookup(id TorrentID) (TorrentEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byID[id]
	if !ok {
		return TorrentEntry{}, false
	}
	return *e, true
}

// SnapshotAll returns a copy of every entry, safe to read without holding
// any lock afterward.
func (r *Registry) SnapshotAll() []TorrentEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]TorrentEntry, 0, len(r.byID))
	for _, e := range r.byID {
		out = append(out, *e)
	}
	return out
}

func (r *Registry) NumPieces(id TorrentID) int {
	e, ok := r.Lookup(id)
	if !ok {
		return 0
	}
	return e.NumPieces
}

func (r *Registry) IsSeeding(id TorrentID) bool {
	e, ok := r.Lookup(id)
	return ok && e.State == StateSeeding
}

func (r *Registry) GetMode(id TorrentID) Mode {
	e, _ := r.Lookup(id)
	return e.Mode
}

func (r *Registry) IsEndgame(id TorrentID) bool {
	return r.GetMode(id) == ModeEndgame
}

// ErrTorrentNotFound is a registry-inconsistency error per §7: the bad
// batch is discarded, other torrents unaffected.
type ErrTorrentNotFound struct{ ID TorrentID }

func (e ErrTorrentNotFound) Error() string {
	return fmt.Sprintf("torrent %d not found", e.ID)
}

// ErrLeftUnderflow is a registry-inconsistency error: a subtract_left
// alteration would have taken Left negative.
type ErrLeftUnderflow struct {
	ID   TorrentID
	Left int64
	By   int64
}

func (e ErrLeftUnderflow) Error() string {
	return fmt.Sprintf("torrent %d: subtract_left(%d) would underflow left=%d", e.ID, e.By, e.Left)
}

// Apply applies a batch of alterations atomically. If any alteration is
// invalid the whole batch is discarded and the error is returned; other
// torrents are never touched by a rejected batch (§7).
func (r *Registry) Apply(id TorrentID, alterations []Alteration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byID[id]
	if !ok {
		err := ErrTorrentNotFound{ID: id}
		r.logger.WithDefaultLevel(log.Error).Printf("%v", err)
		return err
	}
	working := *e
	wasSeeding := working.State == StateSeeding
	for _, a := range alterations {
		if err := r.applyOne(&working, a); err != nil {
			r.logger.WithDefaultLevel(log.Error).Printf("discarding alteration batch for torrent %d: %v", id, err)
			return err
		}
	}
	if err := working.checkInvariants(); err != nil {
		r.logger.WithDefaultLevel(log.Error).Printf("discarding alteration batch for torrent %d: %v", id, err)
		return err
	}
	*e = working
	if !wasSeeding && working.State == StateSeeding && r.events != nil {
		r.events.SeedingTorrent(id)
	}
	return nil
}

func (r *Registry) applyOne(w *TorrentEntry, a Alteration) error {
	switch a.Kind {
	case AlterAddDownloaded:
		w.Downloaded += a.Value
		w.AllTimeDown += a.Value
	case AlterAddUpload:
		w.Uploaded += a.Value
		w.AllTimeUploaded += a.Value
	case AlterSubtractLeft, AlterSubtractLeftOrSkipped:
		wasZero := w.Left == 0
		if w.Left-a.Value < 0 {
			if a.Kind == AlterSubtractLeftOrSkipped {
				w.Left = 0
			} else {
				return ErrLeftUnderflow{ID: w.ID, Left: w.Left, By: a.Value}
			}
		} else {
			w.Left -= a.Value
		}
		if w.Left == 0 {
			switch {
			case w.IsPaused:
				w.State = StatePaused
			case w.Wanted < w.Total:
				w.State = StatePartial
			default:
				w.State = StateSeeding
			}
		} else if wasZero && w.Wanted < w.Total {
			w.State = StateLeeching
		}
	case AlterSetWanted:
		prevWanted, prevLeftZero := w.Wanted, w.Left == 0
		w.Wanted = a.Value
		if prevLeftZero && w.Left > 0 && w.Wanted < w.Total {
			w.State = StateLeeching
		}
		_ = prevWanted
	case AlterTrackerReport:
		w.TrackerSeeders = a.Seeders
		w.TrackerLeechers = a.Leechers
	case AlterSetMode:
		w.Mode = a.Mode
	case AlterSetPaused:
		w.IsPaused = a.Paused
		if a.Paused {
			w.State = StatePaused
		} else if w.Left == 0 {
			if w.Wanted < w.Total {
				w.State = StatePartial
			} else {
				w.State = StateSeeding
			}
		} else {
			w.State = StateLeeching
		}
	case AlterContinue:
	case AlterUnknown:
		w.State = StateUnknown
	case AlterChecking:
		w.State = StateChecking
	case AlterWaiting:
		w.State = StateWaiting
	case AlterIncConnectedLeecher:
		w.ConnectedLeech++
	case AlterDecConnectedLeecher:
		if w.ConnectedLeech > 0 {
			w.ConnectedLeech--
		}
	case AlterIncConnectedSeeder:
		w.ConnectedSeeders++
	case AlterDecConnectedSeeder:
		if w.ConnectedSeeders > 0 {
			w.ConnectedSeeders--
		}
	default:
		return fmt.Errorf("unknown alteration kind %d", a.Kind)
	}
	return nil
}

// Tick runs the periodic rate-sparkline sample described in §4.2. Call it
// every 60 seconds from a single housekeeping goroutine.
func (r *Registry) Tick() {
	if r.rates == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, e := range r.byID {
		rate := r.rates.TorrentDownloadRate(id)
		e.RateHistory = append(e.RateHistory, rate)
		if len(e.RateHistory) > rateHistoryCap {
			drop := len(e.RateHistory) - rateHistoryTrimTo
			e.RateHistory = append([]float64{}, e.RateHistory[drop:]...)
		}
		r.logger.WithDefaultLevel(log.Debug).Printf(
			"torrent %d: rate sample %s/s", id, humanize.Bytes(uint64(rate)))
	}
}
