package torrent

import (
	"io"
	"testing"
	"time"

	"github.com/anacrolix/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pp "github.com/jlouis/etorrent-core/peer_protocol"
)

type nopConn struct{}

func (nopConn) Read([]byte) (int, error)    { return 0, io.EOF }
func (nopConn) Write(b []byte) (int, error) { return len(b), nil }
func (nopConn) Close() error                { return nil }

type fakeFileStore struct {
	written    map[int][]byte
	completeAt int
}

func (f *fakeFileStore) WriteChunk(id TorrentID, piece int, offset int64, data []byte) (bool, error) {
	if f.written == nil {
		f.written = make(map[int][]byte)
	}
	f.written[piece] = append(f.written[piece], data...)
	return piece == f.completeAt, nil
}

func (f *fakeFileStore) ReadChunk(id TorrentID, piece int, offset, length int64) ([]byte, error) {
	return make([]byte, length), nil
}

type fakeHaves struct{ broadcast []int }

func (f *fakeHaves) BroadcastHave(id TorrentID, piece int) { f.broadcast = append(f.broadcast, piece) }

type fakeCancels struct {
	sent []PeerHandle
}

func (f *fakeCancels) SendCancel(id TorrentID, peer PeerHandle, req ChunkRequest) {
	f.sent = append(f.sent, peer)
}

func newTestPeerConn(a *Assigner, files FileStore, haves HaveBroadcaster, cancels CancelSender, want func(int) bool) *PeerConn {
	states := NewPeerStateTable()
	states.Register(1, 42, time.Now())
	return NewPeerConn(42, 1, [20]byte{}, nopConn{}, a, NewPendingTracker(), states, files, haves, cancels, want, log.Default, PeerConnConfig{})
}

func TestPeerConnBitfieldTriggersInterest(t *testing.T) {
	a := NewAssigner(16384*2, 16384, 16384)
	p := newTestPeerConn(a, &fakeFileStore{}, &fakeHaves{}, &fakeCancels{}, func(int) bool { return true })
	p.HandleBitfield([]bool{true, false})
	assert.True(t, p.weInterestThem)
}

func TestPeerConnBitfieldNoInterestWhenNothingWanted(t *testing.T) {
	a := NewAssigner(16384*2, 16384, 16384)
	p := newTestPeerConn(a, &fakeFileStore{}, &fakeHaves{}, &fakeCancels{}, func(int) bool { return false })
	p.HandleBitfield([]bool{true, true})
	assert.False(t, p.weInterestThem)
}

func TestPeerConnUnchokeTriggersRequestLoop(t *testing.T) {
	a := NewAssigner(16384*2, 16384, 16384)
	p := newTestPeerConn(a, &fakeFileStore{}, &fakeHaves{}, &fakeCancels{}, func(int) bool { return true })
	p.HandleBitfield([]bool{true, true})
	p.HandleUnchoke()
	assert.Greater(t, p.outstanding, 0)
}

func TestPeerConnHandlePieceMarksStoredAndBroadcastsHave(t *testing.T) {
	a := NewAssigner(16384, 16384, 16384)
	files := &fakeFileStore{completeAt: 0}
	haves := &fakeHaves{}
	p := newTestPeerConn(a, files, haves, &fakeCancels{}, func(int) bool { return true })
	p.HandleBitfield([]bool{true})
	p.HandleUnchoke()
	require.Equal(t, 1, p.outstanding)

	p.HandlePiece(0, 0, make([]byte, 16384))
	assert.Equal(t, []int{0}, haves.broadcast)
	_, stored, _ := a.Stats()
	assert.EqualValues(t, 1, stored)
}

func TestPeerConnHandleRequestQueuesUploadUnlessChoking(t *testing.T) {
	a := NewAssigner(16384, 16384, 16384)
	p := newTestPeerConn(a, &fakeFileStore{}, &fakeHaves{}, &fakeCancels{}, func(int) bool { return true })
	p.HandleRequest(0, 0, 16384)
	assert.Empty(t, p.uploadQueue, "still choking the peer, request must be ignored")

	require.NoError(t, p.SendUnchoke())
	p.HandleRequest(0, 0, 16384)
	assert.Len(t, p.uploadQueue, 1)
}

func TestPeerConnHandleCancelRemovesQueuedUpload(t *testing.T) {
	a := NewAssigner(16384, 16384, 16384)
	p := newTestPeerConn(a, &fakeFileStore{}, &fakeHaves{}, &fakeCancels{}, func(int) bool { return true })
	require.NoError(t, p.SendUnchoke())
	p.HandleRequest(0, 0, 16384)
	require.Len(t, p.uploadQueue, 1)
	p.HandleCancel(0, 0, 16384)
	assert.Empty(t, p.uploadQueue)
}

func TestPeerConnDroppedReclaimsAssignments(t *testing.T) {
	a := NewAssigner(16384*2, 16384, 16384)
	p := newTestPeerConn(a, &fakeFileStore{}, &fakeHaves{}, &fakeCancels{}, func(int) bool { return true })
	p.HandleBitfield([]bool{true, true})
	p.HandleUnchoke()
	free, _, _ := a.Stats()
	require.Zero(t, free)

	p.Dropped()
	free, _, _ = a.Stats()
	assert.EqualValues(t, 2, free)
}

func TestPeerConnDispatchUnknownTypeDoesNotPanic(t *testing.T) {
	a := NewAssigner(16384, 16384, 16384)
	p := newTestPeerConn(a, &fakeFileStore{}, &fakeHaves{}, &fakeCancels{}, func(int) bool { return true })
	assert.NotPanics(t, func() {
		p.dispatch(pp.Message{Keepalive: true})
	})
}
