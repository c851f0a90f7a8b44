package torrent

import "testing"

func TestCallbacksSeedingTorrentInvokesHook(t *testing.T) {
	var got TorrentID
	cb := Callbacks{OnSeedingTorrent: func(id TorrentID) { got = id }}
	cb.SeedingTorrent(7)
	if got != 7 {
		t.Fatalf("got %v, want 7", got)
	}
}

func TestCallbacksPieceCompleteInvokesHook(t *testing.T) {
	var gotID TorrentID
	var gotPiece int
	cb := Callbacks{OnPieceComplete: func(id TorrentID, piece int) {
		gotID, gotPiece = id, piece
	}}
	cb.PieceComplete(3, 11)
	if gotID != 3 || gotPiece != 11 {
		t.Fatalf("got (%v, %v), want (3, 11)", gotID, gotPiece)
	}
}

func TestCallbacksNilHooksAreNotCalled(t *testing.T) {
	var cb Callbacks
	cb.SeedingTorrent(1)
	cb.PieceComplete(1, 0)
}

func TestCallbacksSatisfiesRegistryEventBus(t *testing.T) {
	var _ EventBus = Callbacks{}
}
