package torrent

import "github.com/anacrolix/log"

// RequestSender is the narrow interface the endgame engine uses to ask a
// peer session to issue an additional request for a chunk it didn't
// originate from that session's own Request call (§4.8).
type RequestSender interface {
	SendRequest(peer PeerHandle, req ChunkRequest) error
}

// EndgameEngine drives the replication sweep described in §4.8. It shares
// the Assigner's state and is only active once the torrent has entered
// endgame mode; Sweep is a cheap no-op otherwise.
type EndgameEngine struct {
	assigner *Assigner
	sender   RequestSender
	logger   log.Logger
}

func NewEndgameEngine(a *Assigner, sender RequestSender, logger log.Logger) *EndgameEngine {
	return &EndgameEngine{assigner: a, sender: sender, logger: logger}
}

// Sweep is called periodically by the torrent's housekeeping task. For
// every not-yet-stored chunk held by fewer than replication_factor peers,
// it asks additional eligible peers (supplied by candidates, which should
// exclude peers already holding the chunk and return only ones that have
// the containing piece) to send a request.
func (e *EndgameEngine) Sweep(candidates func(c ChunkIndex, piece int) []PeerHandle) {
	for _, c := range e.assigner.UnderReplicated() {
		piece := e.assigner.ChunkPiece(c)
		for _, peer := range candidates(c, piece) {
			if !e.assigner.AssignEndgame(c, peer) {
				continue
			}
			req := e.assigner.ChunkRequestFor(c)
			if err := e.sender.SendRequest(peer, req); err != nil {
				e.logger.WithDefaultLevel(log.Debug).Printf(
					"endgame: failed to re-request chunk %d from peer: %v", c, err)
			}
		}
	}
}

// OnStored forwards a stored chunk's cancellation list to every other
// holder, per "On first stored: send cancel to all other peers holding
// that chunk in their pending set."
func (e *EndgameEngine) OnStored(c ChunkIndex, peer PeerHandle, cancel func(peer PeerHandle, c ChunkIndex)) {
	res := e.assigner.Stored(c, peer)
	for _, other := range res.CancelTo {
		cancel(other, c)
	}
}
