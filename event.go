package torrent

// Callbacks implements Registry's EventBus collaborator interface (§6:
// seeding_torrent(id), piece_complete(id,piece)) by forwarding to
// caller-supplied hooks. Each hook is called synchronously, possibly with
// a component lock still held by the caller; a nil hook is simply not
// invoked, matching the teacher's own callback contract (formerly
// callbacks.go).
type Callbacks struct {
	OnSeedingTorrent func(id TorrentID)
	OnPieceComplete  func(id TorrentID, piece int)
}

func (c Callbacks) SeedingTorrent(id TorrentID) {
	if c.OnSeedingTorrent != nil {
		c.OnSeedingTorrent(id)
	}
}

func (c Callbacks) PieceComplete(id TorrentID, piece int) {
	if c.OnPieceComplete != nil {
		c.OnPieceComplete(id, piece)
	}
}
