package torrent

import (
	"bytes"
	"io"
	"time"

	"github.com/anacrolix/chansync"
	"github.com/anacrolix/log"
	"github.com/anacrolix/sync"

	pp "github.com/jlouis/etorrent-core/peer_protocol"
)

// initMessageWriter wires the send task's fill callback to this session's
// upload queue and locking convention.
func (p *PeerConn) initMessageWriter() {
	p.writer = peerConnMsgWriter{
		fillWriteBuffer: func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			if p.closed.IsSet() {
				return
			}
			p.fillWriteBufferLocked()
		},
		closed:      &p.closed,
		logger:      p.logger,
		w:           p.conn,
		keepAlive:   func() bool { return true },
		writeBuffer: new(bytes.Buffer),
	}
}

// fillWriteBufferLocked drains queued uploads into wire-ready piece
// messages. Called with p.mu held.
func (p *PeerConn) fillWriteBufferLocked() {
	for len(p.uploadQueue) > 0 {
		r := p.uploadQueue[0]
		p.uploadQueue = p.uploadQueue[1:]
		data, err := p.files.ReadChunk(p.TorrentID, r.Piece, r.Offset, r.Length)
		if err != nil {
			p.logger.WithDefaultLevel(log.Debug).Printf("peer %v: upload read failed: %v", p.Handle, err)
			continue
		}
		msg := pp.Message{Type: pp.Piece, Index: pp.Integer(r.Piece), Begin: pp.Integer(r.Offset), Piece: data}
		p.writer.writeBuffer.Write(msg.MustMarshalBinary())
		p.states.RecordSend(p.TorrentID, p.Handle, time.Now(), int64(len(data)))
	}
}

// startMessageWriter launches the send task goroutine; call once per
// session after handshake.
func (p *PeerConn) startMessageWriter() {
	go p.messageWriterRunner()
}

func (p *PeerConn) messageWriterRunner() {
	defer p.Close()
	p.writer.run(p.cfg.KeepAliveTimeout)
}

// peerConnMsgWriter is the send task of §4.5: it batches small frames
// (keepalive suppression), flips a front/back buffer pair under a
// dedicated mutex, and writes without holding the session lock.
type peerConnMsgWriter struct {
	fillWriteBuffer func()
	closed          *chansync.SetOnce
	logger          log.Logger
	w               io.Writer
	keepAlive       func() bool

	mu          sync.Mutex
	writeCond   chansync.BroadcastCond
	writeBuffer *bytes.Buffer
}

func (w *peerConnMsgWriter) run(keepAliveTimeout time.Duration) {
	lastWrite := time.Now()
	keepAliveTimer := time.NewTimer(keepAliveTimeout)
	frontBuf := new(bytes.Buffer)
	for {
		if w.closed.IsSet() {
			return
		}
		w.fillWriteBuffer()
		keepAlive := w.keepAlive()
		w.mu.Lock()
		if w.writeBuffer.Len() == 0 && time.Since(lastWrite) >= keepAliveTimeout && keepAlive {
			w.writeBuffer.Write(pp.Message{Keepalive: true}.MustMarshalBinary())
		}
		if w.writeBuffer.Len() == 0 {
			signaled := w.writeCond.Signaled()
			w.mu.Unlock()
			select {
			case <-w.closed.Done():
			case <-signaled:
			case <-keepAliveTimer.C:
			}
			continue
		}
		frontBuf, w.writeBuffer = w.writeBuffer, frontBuf
		w.mu.Unlock()

		var err error
		for frontBuf.Len() != 0 {
			next := frontBuf.Next(1<<16 - 1)
			var n int
			n, err = w.w.Write(next)
			if err == nil && n != len(next) {
				err = io.ErrShortWrite
			}
			if err != nil {
				break
			}
		}
		if err != nil {
			w.logger.WithDefaultLevel(log.Debug).Printf("error writing: %v", err)
			return
		}
		lastWrite = time.Now()
		keepAliveTimer.Reset(keepAliveTimeout)
	}
}

func (w *peerConnMsgWriter) write(msg pp.Message) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writeBuffer.Write(msg.MustMarshalBinary())
	w.writeCond.Broadcast()
	return w.writeBuffer.Len() < writeBufferHighWaterLen
}
