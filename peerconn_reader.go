package torrent

import (
	"bufio"
	"errors"
	"io"

	"github.com/anacrolix/log"

	pp "github.com/jlouis/etorrent-core/peer_protocol"
)

const maxMessageLength pp.Integer = 1 << 20

// startMessageReader launches the receive task goroutine; call once per
// session after handshake. On any decode or socket error it reports
// dropped(this_session) per §4.5's shutdown rule.
func (p *PeerConn) startMessageReader() {
	go p.messageReaderRunner()
}

func (p *PeerConn) messageReaderRunner() {
	defer p.Dropped()
	defer p.Close()

	dec := pp.Decoder{R: bufio.NewReader(p.conn), MaxLength: maxMessageLength}
	var msg pp.Message
	for {
		err := dec.Decode(&msg)
		if err != nil {
			var unk pp.UnknownMessageType
			if errors.As(err, &unk) {
				p.logger.WithDefaultLevel(log.Debug).Printf("peer %v: unknown message type %v, skipped", p.Handle, unk.Type)
				continue
			}
			if !errors.Is(err, io.EOF) {
				p.logger.WithDefaultLevel(log.Debug).Printf("peer %v: decode error: %v", p.Handle, err)
			}
			return
		}
		p.dispatch(msg)
	}
}

func (p *PeerConn) dispatch(msg pp.Message) {
	if msg.Keepalive {
		return
	}
	switch msg.Type {
	case pp.Choke:
		p.HandleChoke()
	case pp.Unchoke:
		p.HandleUnchoke()
	case pp.Interested:
		p.HandleInterested()
	case pp.NotInterested:
		p.HandleNotInterested()
	case pp.Have:
		p.HandleHave(int(msg.Index))
	case pp.Bitfield:
		p.HandleBitfield(msg.Bitfield)
	case pp.Request:
		p.HandleRequest(int(msg.Index), int64(msg.Begin), int64(msg.Length))
	case pp.Piece:
		p.HandlePiece(int(msg.Index), int64(msg.Begin), msg.Piece)
	case pp.Cancel:
		p.HandleCancel(int(msg.Index), int64(msg.Begin), int64(msg.Length))
	}
}
