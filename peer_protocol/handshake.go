package peer_protocol

import (
	"context"
	"fmt"
	"io"
)

// ExtensionBit indexes a single advertised capability bit within the 8
// reserved handshake bytes (§4.4). Bit numbering follows BEP 4: bit 0 is
// the least-significant bit of the last byte.
type ExtensionBit uint

const (
	ExtensionBitDHT  ExtensionBit = 0
	ExtensionBitFast ExtensionBit = 2
	ExtensionBitLTEP ExtensionBit = 20
)

// PeerExtensionBits is the 8 reserved handshake bytes.
type PeerExtensionBits [8]byte

func (pex *PeerExtensionBits) SetBit(bit ExtensionBit, on bool) {
	idx := 7 - bit/8
	mask := byte(1) << (bit % 8)
	if on {
		pex[idx] |= mask
	} else {
		pex[idx] &^= mask
	}
}

func (pex PeerExtensionBits) GetBit(bit ExtensionBit) bool {
	return pex[7-bit/8]&(1<<(bit%8)) != 0
}

func NewPeerExtensionBytes(bits ...ExtensionBit) (ret PeerExtensionBits) {
	for _, b := range bits {
		ret.SetBit(b, true)
	}
	return ret
}

// Merge ORs another peer's advertised bits into ours, yielding the
// capability set of the pair per §4.4: "bitwise OR of reserved bytes
// across both sides' advertisement".
func (pex PeerExtensionBits) Merge(other PeerExtensionBits) (ret PeerExtensionBits) {
	for i := range ret {
		ret[i] = pex[i] | other[i]
	}
	return ret
}

// HandshakeResult is what the far side told us about itself.
type HandshakeResult struct {
	PeerExtensionBits
	PeerID   [20]byte
	InfoHash [20]byte
}

// Handshake performs the 68-byte handshake exchange described in §4.4.
//
// If ih is non-nil we're the connection initiator and already know which
// torrent we want: we send our handshake immediately, then read the peer's.
// If ih is nil we're the accepting side: we must read the peer's handshake
// first to learn the info-hash they're asking for, then reply with ours
// (echoing that same hash back, per convention).
func Handshake(
	ctx context.Context,
	sock io.ReadWriter,
	ih *[20]byte,
	peerID [20]byte,
	extensions PeerExtensionBits,
) (res HandshakeResult, err error) {
	writeOwn := func(hash [20]byte) error {
		buf := make([]byte, 0, HandshakeLen)
		buf = append(buf, Protocol...)
		buf = append(buf, extensions[:]...)
		buf = append(buf, hash[:]...)
		buf = append(buf, peerID[:]...)
		_, e := sock.Write(buf)
		return e
	}

	if ih != nil {
		if err = writeOwn(*ih); err != nil {
			return res, fmt.Errorf("while writing handshake: %w", err)
		}
	}

	b := make([]byte, HandshakeLen)
	if _, err = io.ReadFull(sock, b); err != nil {
		return res, fmt.Errorf("while reading handshake: %w", err)
	}
	if string(b[:len(Protocol)]) != Protocol {
		return res, fmt.Errorf("unexpected protocol string %q", string(b[:len(Protocol)]))
	}
	rest := b[len(Protocol):]
	copy(res.PeerExtensionBits[:], rest[:8])
	rest = rest[8:]
	copy(res.InfoHash[:], rest[:20])
	rest = rest[20:]
	copy(res.PeerID[:], rest[:20])

	if ih == nil {
		if err = writeOwn(res.InfoHash); err != nil {
			return res, fmt.Errorf("while replying to handshake: %w", err)
		}
	}

	select {
	case <-ctx.Done():
		return res, ctx.Err()
	default:
	}
	return res, nil
}
