// Package trackerudp implements the BEP-15 UDP tracker wire protocol: the
// connect/announce/scrape/error frames and the compact IPv4/IPv6 peer list
// codecs (§4.4 of the peer-swarm engine spec).
package trackerudp

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

type Action int32

const (
	ActionConnect Action = iota
	ActionAnnounce
	ActionScrape
	ActionError
)

// ProtocolID is the magic connection id used in a connect request.
const ProtocolID int64 = 0x41727101980

// AnnounceEvent mirrors BEP 3's event enumeration. Per the open question in
// the core spec's Design Notes, "paused" intentionally shares wire value 0
// with "none" — this is preserved unchanged from the source behaviour and
// must not be silently re-encoded.
type AnnounceEvent int32

const (
	EventNone      AnnounceEvent = 0
	EventCompleted AnnounceEvent = 1
	EventStarted   AnnounceEvent = 2
	EventStopped   AnnounceEvent = 3
	EventPaused    AnnounceEvent = 0
)

type TransactionID int32
type ConnectionID int64

// ConnectRequest is <ProtocolID, action=0, tid:4>.
type ConnectRequest struct {
	TransactionID TransactionID
}

func (r ConnectRequest) MarshalBinary() ([]byte, error) {
	buf := &bytes.Buffer{}
	if err := binary.Write(buf, binary.BigEndian, ProtocolID); err != nil {
		return nil, err
	}
	if err := binary.Write(buf, binary.BigEndian, int32(ActionConnect)); err != nil {
		return nil, err
	}
	if err := binary.Write(buf, binary.BigEndian, int32(r.TransactionID)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ConnectResponse is <action=0, tid:4, connection_id:8>.
type ConnectResponse struct {
	TransactionID TransactionID
	ConnectionID  ConnectionID
}

func UnmarshalConnectResponse(b []byte) (res ConnectResponse, err error) {
	if len(b) < 16 {
		return res, fmt.Errorf("short connect response: %d bytes", len(b))
	}
	var action int32
	r := bytes.NewReader(b)
	if err = binary.Read(r, binary.BigEndian, &action); err != nil {
		return res, err
	}
	if Action(action) != ActionConnect {
		return res, fmt.Errorf("unexpected action %d in connect response", action)
	}
	var tid int32
	if err = binary.Read(r, binary.BigEndian, &tid); err != nil {
		return res, err
	}
	res.TransactionID = TransactionID(tid)
	var connID int64
	if err = binary.Read(r, binary.BigEndian, &connID); err != nil {
		return res, err
	}
	res.ConnectionID = ConnectionID(connID)
	return res, nil
}

// AnnounceRequest is
// <connection_id:8, action=1, tid:4, info_hash:20, peer_id:20, downloaded:8,
//  left:8, uploaded:8, event:4, ip:4, key:4, numwant:4, port:2> — 98 bytes.
type AnnounceRequest struct {
	ConnID     ConnectionID
	Tid        TransactionID
	InfoHash   [20]byte
	PeerId     [20]byte
	Downloaded int64
	Left       int64
	Uploaded   int64
	Event      AnnounceEvent
	IP         [4]byte
	Key        int32
	NumWant    int32
	Port       uint16
}

const AnnounceRequestLen = 98

func (r AnnounceRequest) MarshalBinary() ([]byte, error) {
	buf := &bytes.Buffer{}
	fields := []interface{}{
		int64(r.ConnID),
		int32(ActionAnnounce),
		int32(r.Tid),
		r.InfoHash,
		r.PeerId,
		r.Downloaded,
		r.Left,
		r.Uploaded,
		int32(r.Event),
		r.IP,
		r.Key,
		r.NumWant,
		r.Port,
	}
	for _, f := range fields {
		if err := binary.Write(buf, binary.BigEndian, f); err != nil {
			return nil, err
		}
	}
	if buf.Len() != AnnounceRequestLen {
		return nil, fmt.Errorf("encoded announce request has unexpected length %d", buf.Len())
	}
	return buf.Bytes(), nil
}

// Body encodes everything after the 16-byte connection_id+action+tid
// header, for use by a Client that supplies its own header.
func (r AnnounceRequest) Body() ([]byte, error) {
	full, err := r.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return full[16:], nil
}

// AnnounceResponseHeader is <action=1, tid:4, interval:4, leechers:4, seeders:4>.
type AnnounceResponseHeader struct {
	Tid      TransactionID
	Interval int32
	Leechers int32
	Seeders  int32
}

// AnnounceResponse is the header plus a trailing compact peer list.
type AnnounceResponse struct {
	AnnounceResponseHeader
	Peers []PeerV4
}

func UnmarshalAnnounceResponse(b []byte) (res AnnounceResponse, err error) {
	r := bytes.NewReader(b)
	var action int32
	if err = binary.Read(r, binary.BigEndian, &action); err != nil {
		return res, err
	}
	if Action(action) != ActionAnnounce {
		return res, fmt.Errorf("unexpected action %d in announce response", action)
	}
	var tid int32
	if err = binary.Read(r, binary.BigEndian, &tid); err != nil {
		return res, err
	}
	res.Tid = TransactionID(tid)
	if err = binary.Read(r, binary.BigEndian, &res.Interval); err != nil {
		return res, err
	}
	if err = binary.Read(r, binary.BigEndian, &res.Leechers); err != nil {
		return res, err
	}
	if err = binary.Read(r, binary.BigEndian, &res.Seeders); err != nil {
		return res, err
	}
	rest := make([]byte, r.Len())
	_, _ = r.Read(rest)
	res.Peers = DecodePeersV4(rest)
	return res, nil
}

// ScrapeInfo is one triple in a scrape_response: (seeders, completed, leechers).
type ScrapeInfo struct {
	Seeders   int32
	Completed int32
	Leechers  int32
}

func UnmarshalScrapeResponse(b []byte) (tid TransactionID, results []ScrapeInfo, err error) {
	r := bytes.NewReader(b)
	var action int32
	if err = binary.Read(r, binary.BigEndian, &action); err != nil {
		return 0, nil, err
	}
	if Action(action) != ActionScrape {
		return 0, nil, fmt.Errorf("unexpected action %d in scrape response", action)
	}
	var t int32
	if err = binary.Read(r, binary.BigEndian, &t); err != nil {
		return 0, nil, err
	}
	tid = TransactionID(t)
	for r.Len() >= 12 {
		var s ScrapeInfo
		if err = binary.Read(r, binary.BigEndian, &s.Seeders); err != nil {
			return tid, results, err
		}
		if err = binary.Read(r, binary.BigEndian, &s.Completed); err != nil {
			return tid, results, err
		}
		if err = binary.Read(r, binary.BigEndian, &s.Leechers); err != nil {
			return tid, results, err
		}
		results = append(results, s)
	}
	return tid, results, nil
}

// ErrorResponse is <action=3, tid:4, msg...>.
type ErrorResponse struct {
	Tid     TransactionID
	Message string
}

func (e ErrorResponse) Error() string {
	return fmt.Sprintf("tracker error: %s", e.Message)
}

func UnmarshalErrorResponse(b []byte) (res ErrorResponse, err error) {
	r := bytes.NewReader(b)
	var action int32
	if err = binary.Read(r, binary.BigEndian, &action); err != nil {
		return res, err
	}
	if Action(action) != ActionError {
		return res, fmt.Errorf("unexpected action %d in error response", action)
	}
	var tid int32
	if err = binary.Read(r, binary.BigEndian, &tid); err != nil {
		return res, err
	}
	res.Tid = TransactionID(tid)
	msg := make([]byte, r.Len())
	_, _ = r.Read(msg)
	res.Message = string(msg)
	return res, nil
}

// PeekAction reads just the leading action code of a response datagram,
// used to dispatch before fully decoding. Unknown action codes are the
// caller's responsibility to log and drop (§4.4).
func PeekAction(b []byte) (Action, error) {
	if len(b) < 4 {
		return 0, fmt.Errorf("datagram too short to contain an action")
	}
	return Action(binary.BigEndian.Uint32(b)), nil
}

// PeekTransactionID reads the transaction id that follows the action code,
// used by the client's transaction dispatch table.
func PeekTransactionID(b []byte) (TransactionID, error) {
	if len(b) < 8 {
		return 0, fmt.Errorf("datagram too short to contain a transaction id")
	}
	return TransactionID(binary.BigEndian.Uint32(b[4:8])), nil
}
