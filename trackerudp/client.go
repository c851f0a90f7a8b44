package trackerudp

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/anacrolix/log"
)

// timeout implements BEP-15's exponential retransmission schedule: 15s,
// doubling, capped after 8 consecutive timeouts.
func timeout(n int) time.Duration {
	if n > 8 {
		n = 8
	}
	d := 15 * time.Second
	for ; n > 0; n-- {
		d *= 2
	}
	return d
}

func newTransactionID() TransactionID {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return TransactionID(binary.BigEndian.Uint32(b[:]))
}

// pendingTransaction is one in-flight request, keyed by transaction id in
// the Client's dispatch table.
type pendingTransaction struct {
	respCh chan []byte
}

// Client speaks the UDP tracker protocol to a single tracker endpoint. It
// owns the connection id lifecycle and a transaction table dispatched by
// incoming datagrams (§4.4).
type Client struct {
	Conn   net.Conn
	Logger log.Logger

	mu             sync.Mutex
	connID         ConnectionID
	connIDIssued   time.Time
	contiguousFail int
	pending        map[TransactionID]*pendingTransaction
}

func NewClient(conn net.Conn, logger log.Logger) *Client {
	return &Client{
		Conn:    conn,
		Logger:  logger,
		pending: make(map[TransactionID]*pendingTransaction),
	}
}

// Serve reads datagrams from the connection and dispatches them to waiting
// transactions until ctx is done or the connection errs. Unknown action
// codes and transaction ids with no waiter are logged and dropped
// (§4.4 "logged and silently dropped").
func (c *Client) Serve(ctx context.Context) error {
	buf := make([]byte, 0x10000)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, err := c.Conn.Read(buf)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		body := make([]byte, n)
		copy(body, buf[:n])
		c.dispatch(body)
	}
}

func (c *Client) dispatch(body []byte) {
	tid, err := PeekTransactionID(body)
	if err != nil {
		c.Logger.WithDefaultLevel(log.Debug).Printf("short datagram: %v", err)
		return
	}
	if act, _ := PeekAction(body); act < ActionConnect || act > ActionError {
		c.Logger.WithDefaultLevel(log.Debug).Printf("unknown action %d, dropping", act)
		return
	}
	c.mu.Lock()
	pt, ok := c.pending[tid]
	c.mu.Unlock()
	if !ok {
		c.Logger.WithDefaultLevel(log.Debug).Printf("unknown transaction id %v, dropping", tid)
		return
	}
	select {
	case pt.respCh <- body:
	default:
	}
}

func (c *Client) connected() bool {
	return !c.connIDIssued.IsZero() && time.Since(c.connIDIssued) < time.Minute
}

func (c *Client) request(ctx context.Context, action Action, body []byte) ([]byte, error) {
	tid := newTransactionID()
	pt := &pendingTransaction{respCh: make(chan []byte, 1)}
	c.mu.Lock()
	c.pending[tid] = pt
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, tid)
		c.mu.Unlock()
	}()

	packet, err := c.buildPacket(action, tid, body)
	if err != nil {
		return nil, err
	}

	for n := 0; ; n++ {
		if _, err := c.Conn.Write(packet); err != nil {
			return nil, err
		}
		select {
		case resp := <-pt.respCh:
			act, err := PeekAction(resp)
			if err != nil {
				return nil, err
			}
			if act == ActionError {
				er, _ := UnmarshalErrorResponse(resp)
				return nil, er
			}
			if act != action {
				return nil, fmt.Errorf("unexpected action %d, wanted %d", act, action)
			}
			c.mu.Lock()
			c.contiguousFail = 0
			c.mu.Unlock()
			return resp, nil
		case <-time.After(timeout(n)):
			c.mu.Lock()
			c.contiguousFail++
			c.mu.Unlock()
			continue
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *Client) buildPacket(action Action, tid TransactionID, body []byte) ([]byte, error) {
	if action == ActionConnect {
		req := ConnectRequest{TransactionID: tid}
		return req.MarshalBinary()
	}
	c.mu.Lock()
	connID := c.connID
	c.mu.Unlock()
	header := make([]byte, 16)
	binary.BigEndian.PutUint64(header[0:8], uint64(connID))
	binary.BigEndian.PutUint32(header[8:12], uint32(action))
	binary.BigEndian.PutUint32(header[12:16], uint32(tid))
	return append(header, body...), nil
}

// Connect obtains (or refreshes) the connection id used for subsequent
// announce/scrape requests.
func (c *Client) Connect(ctx context.Context) error {
	if c.connected() {
		return nil
	}
	resp, err := c.request(ctx, ActionConnect, nil)
	if err != nil {
		return err
	}
	cr, err := UnmarshalConnectResponse(resp)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.connID = cr.ConnectionID
	c.connIDIssued = time.Now()
	c.mu.Unlock()
	return nil
}

// Announce performs a full connect-if-needed + announce round trip.
func (c *Client) Announce(ctx context.Context, req AnnounceRequest) (AnnounceResponse, error) {
	if err := c.Connect(ctx); err != nil {
		return AnnounceResponse{}, err
	}
	body, err := req.Body()
	if err != nil {
		return AnnounceResponse{}, err
	}
	resp, err := c.request(ctx, ActionAnnounce, body)
	if err != nil {
		return AnnounceResponse{}, err
	}
	return UnmarshalAnnounceResponse(resp)
}

// Scrape queries seeders/completed/leechers for a set of info hashes.
func (c *Client) Scrape(ctx context.Context, hashes [][20]byte) ([]ScrapeInfo, error) {
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	body := make([]byte, 0, 20*len(hashes))
	for _, h := range hashes {
		body = append(body, h[:]...)
	}
	resp, err := c.request(ctx, ActionScrape, body)
	if err != nil {
		return nil, err
	}
	_, results, err := UnmarshalScrapeResponse(resp)
	return results, err
}
