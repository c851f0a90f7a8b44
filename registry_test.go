package torrent

import (
	"testing"

	"github.com/anacrolix/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEventBus struct {
	seeded []TorrentID
	pieces []int
}

func (b *fakeEventBus) SeedingTorrent(id TorrentID) { b.seeded = append(b.seeded, id) }
func (b *fakeEventBus) PieceComplete(id TorrentID, piece int) {
	b.pieces = append(b.pieces, piece)
}

func newTestRegistry() (*Registry, *fakeEventBus) {
	bus := &fakeEventBus{}
	return NewRegistry(log.Default, bus, nil), bus
}

func TestRegistryInsertDerivesState(t *testing.T) {
	r, _ := newTestRegistry()
	id := r.Insert(TorrentEntry{Total: 100, Wanted: 100, Left: 100})
	e, ok := r.Lookup(id)
	require.True(t, ok)
	assert.Equal(t, StateLeeching, e.State)
}

func TestSubtractLeftToZeroBecomesSeeding(t *testing.T) {
	r, bus := newTestRegistry()
	id := r.Insert(TorrentEntry{Total: 100, Wanted: 100, Left: 100})
	require.NoError(t, r.Apply(id, []Alteration{{Kind: AlterSubtractLeft, Value: 100}}))
	e, _ := r.Lookup(id)
	assert.Equal(t, StateSeeding, e.State)
	assert.Zero(t, e.Left)
	assert.Equal(t, []TorrentID{id}, bus.seeded)
}

func TestSubtractLeftToZeroPartialWhenWantedLessThanTotal(t *testing.T) {
	r, _ := newTestRegistry()
	id := r.Insert(TorrentEntry{Total: 100, Wanted: 40, Left: 40})
	require.NoError(t, r.Apply(id, []Alteration{{Kind: AlterSubtractLeft, Value: 40}}))
	e, _ := r.Lookup(id)
	assert.Equal(t, StatePartial, e.State)
}

func TestSubtractLeftUnderflowDiscardsBatch(t *testing.T) {
	r, _ := newTestRegistry()
	id := r.Insert(TorrentEntry{Total: 100, Wanted: 100, Left: 10})
	err := r.Apply(id, []Alteration{{Kind: AlterSubtractLeft, Value: 20}})
	require.Error(t, err)
	e, _ := r.Lookup(id)
	assert.EqualValues(t, 10, e.Left, "left must be unchanged after a discarded batch")
}

func TestApplyUnknownTorrentDoesNotAffectOthers(t *testing.T) {
	r, _ := newTestRegistry()
	id := r.Insert(TorrentEntry{Total: 10, Wanted: 10, Left: 10})
	err := r.Apply(TorrentID(999), []Alteration{{Kind: AlterAddUpload, Value: 1}})
	require.Error(t, err)
	e, _ := r.Lookup(id)
	assert.Zero(t, e.Uploaded)
}

func TestReAddingWantedAfterCompleteBecomesLeeching(t *testing.T) {
	r, _ := newTestRegistry()
	id := r.Insert(TorrentEntry{Total: 100, Wanted: 40, Left: 40})
	require.NoError(t, r.Apply(id, []Alteration{{Kind: AlterSubtractLeft, Value: 40}}))
	e, _ := r.Lookup(id)
	require.Equal(t, StatePartial, e.State)

	require.NoError(t, r.Apply(id, []Alteration{
		{Kind: AlterSetWanted, Value: 100},
		{Kind: AlterSubtractLeftOrSkipped, Value: -60}, // reintroduce 60 bytes of left
	}))
	e, _ = r.Lookup(id)
	assert.Equal(t, StateLeeching, e.State)
}

func TestPausedForcesStatePaused(t *testing.T) {
	r, _ := newTestRegistry()
	id := r.Insert(TorrentEntry{Total: 10, Wanted: 10, Left: 5})
	require.NoError(t, r.Apply(id, []Alteration{{Kind: AlterSetPaused, Paused: true}}))
	e, _ := r.Lookup(id)
	assert.Equal(t, StatePaused, e.State)
	assert.True(t, e.IsPaused)
}

func TestRateHistoryCapAndTrim(t *testing.T) {
	rs := rateSourceFunc(func(TorrentID) float64 { return 1 })
	r := NewRegistry(log.Default, nil, rs)
	id := r.Insert(TorrentEntry{Total: 1, Wanted: 1, Left: 1})
	// 26 ticks: the 26th sample pushes the history over the cap, triggering
	// the trim-to-20 behaviour described in §4.2.
	for i := 0; i < 26; i++ {
		r.Tick()
	}
	e, _ := r.Lookup(id)
	assert.LessOrEqual(t, len(e.RateHistory), rateHistoryCap)
	assert.Equal(t, rateHistoryTrimTo, len(e.RateHistory))
}

type rateSourceFunc func(TorrentID) float64

func (f rateSourceFunc) TorrentDownloadRate(id TorrentID) float64 { return f(id) }
