package torrent

import (
	"context"
	"fmt"
	"net"
	"syscall"
	"time"

	"github.com/anacrolix/log"

	pp "github.com/jlouis/etorrent-core/peer_protocol"
)

const (
	outboundDialTimeout = 30 * time.Second
	handshakeTimeout    = 20 * time.Second
)

// Accepted is what the listener or connector hands off once a peer wire
// handshake has completed, per §4.4/§4.10.
type Accepted struct {
	Conn   net.Conn
	Result pp.HandshakeResult
}

// Listener owns the single inbound TCP socket of §4.10: SO_REUSEADDR set,
// every accepted socket run through the handshake path with our peer id
// injected, then handed to onAccept on its own goroutine.
type Listener struct {
	ln       net.Listener
	peerID   [20]byte
	logger   log.Logger
	onAccept func(Accepted)
}

// Listen opens the inbound socket. addr is host:port; an empty host binds
// every interface, matching the `listen_ip` config key of §6.
func Listen(addr string, peerID [20]byte, logger log.Logger, onAccept func(Accepted)) (*Listener, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var operr error
			err := c.Control(func(fd uintptr) {
				operr = setSockReuseAddr(fd)
			})
			if err != nil {
				return err
			}
			return operr
		},
	}
	ln, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	l := &Listener{ln: ln, peerID: peerID, logger: logger, onAccept: onAccept}
	go l.acceptLoop()
	return l, nil
}

// Addr reports the socket's bound address, useful when addr passed 0 for
// an ephemeral port.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

func (l *Listener) Close() error { return l.ln.Close() }

func (l *Listener) acceptLoop() {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			l.logger.WithDefaultLevel(log.Debug).Printf("listener stopped: %v", err)
			return
		}
		go l.handleAccepted(conn)
	}
}

func (l *Listener) handleAccepted(conn net.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
	defer cancel()
	res, err := pp.Handshake(ctx, conn, nil, l.peerID, pp.NewPeerExtensionBytes())
	if err != nil {
		l.logger.WithDefaultLevel(log.Debug).Printf("handshake from %v failed: %v", conn.RemoteAddr(), err)
		conn.Close()
		return
	}
	l.onAccept(Accepted{Conn: conn, Result: res})
}

// Connect dials a candidate peer with a 30s timeout, then runs the
// initiator side of the handshake for a known torrent, per §4.10.
func Connect(ctx context.Context, addr string, infoHash, peerID [20]byte) (Accepted, error) {
	dctx, cancel := context.WithTimeout(ctx, outboundDialTimeout)
	defer cancel()
	var d net.Dialer
	conn, err := d.DialContext(dctx, "tcp", addr)
	if err != nil {
		return Accepted{}, fmt.Errorf("dial %s: %w", addr, err)
	}
	hctx, hcancel := context.WithTimeout(ctx, handshakeTimeout)
	defer hcancel()
	res, err := pp.Handshake(hctx, conn, &infoHash, peerID, pp.NewPeerExtensionBytes())
	if err != nil {
		conn.Close()
		return Accepted{}, fmt.Errorf("handshake %s: %w", addr, err)
	}
	return Accepted{Conn: conn, Result: res}, nil
}
