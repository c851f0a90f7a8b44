package trackerudp

import "encoding/binary"

// PeerV4 is one entry of a compact IPv4 peer list.
type PeerV4 struct {
	IP   [4]byte
	Port uint16
}

// PeerV6 is one entry of a compact IPv6 peer list.
type PeerV6 struct {
	IP   [16]byte
	Port uint16
}

const peerV4Size = 6
const peerV6Size = 18

// EncodePeersV4 concatenates (ipv4:4, port:2) for each peer.
func EncodePeersV4(peers []PeerV4) []byte {
	b := make([]byte, 0, len(peers)*peerV4Size)
	for _, p := range peers {
		b = append(b, p.IP[:]...)
		var portBytes [2]byte
		binary.BigEndian.PutUint16(portBytes[:], p.Port)
		b = append(b, portBytes[:]...)
	}
	return b
}

// DecodePeersV4 decodes a concatenated compact peer list. Trailing garbage
// whose length isn't a multiple of 6 bytes is truncated rather than
// treated as an error, per §4.4 ("some trackers emit malformed tails").
func DecodePeersV4(b []byte) []PeerV4 {
	n := len(b) / peerV4Size
	peers := make([]PeerV4, 0, n)
	for i := 0; i < n; i++ {
		off := i * peerV4Size
		var p PeerV4
		copy(p.IP[:], b[off:off+4])
		p.Port = binary.BigEndian.Uint16(b[off+4 : off+6])
		peers = append(peers, p)
	}
	return peers
}

// EncodePeersV6 concatenates (ipv6:16, port:2) for each peer.
func EncodePeersV6(peers []PeerV6) []byte {
	b := make([]byte, 0, len(peers)*peerV6Size)
	for _, p := range peers {
		b = append(b, p.IP[:]...)
		var portBytes [2]byte
		binary.BigEndian.PutUint16(portBytes[:], p.Port)
		b = append(b, portBytes[:]...)
	}
	return b
}

// DecodePeersV6 mirrors DecodePeersV4 for the 16-byte address form.
func DecodePeersV6(b []byte) []PeerV6 {
	n := len(b) / peerV6Size
	peers := make([]PeerV6, 0, n)
	for i := 0; i < n; i++ {
		off := i * peerV6Size
		var p PeerV6
		copy(p.IP[:], b[off:off+16])
		p.Port = binary.BigEndian.Uint16(b[off+16 : off+18])
		peers = append(peers, p)
	}
	return peers
}
