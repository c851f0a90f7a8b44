// Package peer_protocol implements the classic BitTorrent peer wire
// protocol: the 68-byte handshake and the length-prefixed message stream
// that follows it (§4.4 of the peer-swarm engine's wire codec).
package peer_protocol

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

type (
	MessageType byte
	Integer     uint32
)

func (i *Integer) Read(r io.Reader) error {
	return binary.Read(r, binary.BigEndian, i)
}

// Protocol is the fixed pstr sent as the first 20 bytes of a handshake.
const Protocol = "\x13BitTorrent protocol"

// HandshakeLen is the total length of a handshake message.
const HandshakeLen = 1 + 19 + 8 + 20 + 20

const (
	Choke MessageType = iota
	Unchoke
	Interested
	NotInterested
	Have
	Bitfield
	Request
	Piece
	Cancel
)

func (t MessageType) String() string {
	switch t {
	case Choke:
		return "choke"
	case Unchoke:
		return "unchoke"
	case Interested:
		return "interested"
	case NotInterested:
		return "not_interested"
	case Have:
		return "have"
	case Bitfield:
		return "bitfield"
	case Request:
		return "request"
	case Piece:
		return "piece"
	case Cancel:
		return "cancel"
	default:
		return fmt.Sprintf("unknown(%d)", byte(t))
	}
}

// Message is a decoded peer-wire message. Not every field is meaningful for
// every Type; see MarshalBinary/Decode for which fields apply.
type Message struct {
	Keepalive            bool
	Type                 MessageType
	Index, Begin, Length Integer
	Piece                []byte
	Bitfield             []bool
}

// MarshalBinary encodes msg as a length-prefixed frame ready to write to the
// wire. A Keepalive message encodes to the 4-byte zero length alone.
func (msg Message) MarshalBinary() (data []byte, err error) {
	buf := &bytes.Buffer{}
	if !msg.Keepalive {
		if err = buf.WriteByte(byte(msg.Type)); err != nil {
			return nil, err
		}
		switch msg.Type {
		case Choke, Unchoke, Interested, NotInterested:
		case Have:
			err = binary.Write(buf, binary.BigEndian, msg.Index)
		case Request, Cancel:
			for _, i := range []Integer{msg.Index, msg.Begin, msg.Length} {
				if err = binary.Write(buf, binary.BigEndian, i); err != nil {
					break
				}
			}
		case Bitfield:
			_, err = buf.Write(marshalBitfield(msg.Bitfield))
		case Piece:
			for _, i := range []Integer{msg.Index, msg.Begin} {
				if err = binary.Write(buf, binary.BigEndian, i); err != nil {
					return nil, err
				}
			}
			_, err = buf.Write(msg.Piece)
		default:
			err = fmt.Errorf("unknown message type: %v", msg.Type)
		}
		if err != nil {
			return nil, err
		}
	}
	data = make([]byte, 4+buf.Len())
	binary.BigEndian.PutUint32(data, uint32(buf.Len()))
	copy(data[4:], buf.Bytes())
	return data, nil
}

func (msg Message) MustMarshalBinary() []byte {
	b, err := msg.MarshalBinary()
	if err != nil {
		panic(err)
	}
	return b
}

// Decoder reads length-prefixed peer-wire messages from R. Messages whose
// type is not one of the nine known types are tolerated: the payload is
// skipped using the length prefix that was already read, and Decode
// reports it via UnknownMessageType rather than failing the connection
// (§4.4 "Unknown IDs are tolerated").
type Decoder struct {
	R         *bufio.Reader
	MaxLength Integer
}

// UnknownMessageType is returned by Decode when a frame carries a
// type outside the nine known message types. The frame has already been
// fully consumed from R by the time this is returned.
type UnknownMessageType struct {
	Type MessageType
}

func (e UnknownMessageType) Error() string {
	return fmt.Sprintf("unknown message type %d", byte(e.Type))
}

func (d *Decoder) Decode(msg *Message) (err error) {
	var length Integer
	if err = binary.Read(d.R, binary.BigEndian, &length); err != nil {
		return err
	}
	if d.MaxLength != 0 && length > d.MaxLength {
		return errors.New("message too long")
	}
	*msg = Message{}
	if length == 0 {
		msg.Keepalive = true
		return nil
	}
	b := make([]byte, length)
	if _, err = io.ReadFull(d.R, b); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return err
	}
	r := bytes.NewReader(b)
	c, err := r.ReadByte()
	if err != nil {
		return err
	}
	msg.Type = MessageType(c)
	switch msg.Type {
	case Choke, Unchoke, Interested, NotInterested:
	case Have:
		err = msg.Index.Read(r)
	case Request, Cancel:
		for _, dst := range []*Integer{&msg.Index, &msg.Begin, &msg.Length} {
			if err = dst.Read(r); err != nil {
				break
			}
		}
	case Bitfield:
		bb := make([]byte, r.Len())
		_, err = io.ReadFull(r, bb)
		msg.Bitfield = unmarshalBitfield(bb)
	case Piece:
		for _, dst := range []*Integer{&msg.Index, &msg.Begin} {
			if err = dst.Read(r); err != nil {
				return err
			}
		}
		msg.Piece = make([]byte, r.Len())
		_, err = io.ReadFull(r, msg.Piece)
	default:
		// Skip: the whole frame b has already been consumed off the wire.
		return UnknownMessageType{Type: msg.Type}
	}
	return err
}

func unmarshalBitfield(b []byte) (bf []bool) {
	bf = make([]bool, 0, len(b)*8)
	for _, c := range b {
		for i := 7; i >= 0; i-- {
			bf = append(bf, (c>>uint(i))&1 == 1)
		}
	}
	return bf
}

func marshalBitfield(bf []bool) []byte {
	b := make([]byte, (len(bf)+7)/8)
	for i, have := range bf {
		if have {
			b[i/8] |= 1 << uint(7-i%8)
		}
	}
	return b
}
