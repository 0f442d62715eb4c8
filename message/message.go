package message

import (
	"encoding/binary"
	"fmt"
	"io"
)

type ID uint8

// All non-keepalive messages with their ids:
//   - choke 0 (peer will not serve our requests)
//   - unchoke 1 (peer is ready to serve requests)
//   - interested 2 (we want to download from the peer)
//   - not interested 3 (we do not want to download from the peer)
//   - have 4 (peer acquired the piece at the given index)
//   - bitfield 5 (which pieces the peer is able to send)
//   - request 6 (payload <index><begin><length> asking for a block)
//   - piece 7 (payload <index><begin><block> carrying a block)
//   - cancel 8 (withdraw a pending request; accepted and ignored)
//   - port 9 (DHT listen port; accepted and ignored)
const (
	Choke         ID = 0
	Unchoke       ID = 1
	Interested    ID = 2
	NotInterested ID = 3
	Have          ID = 4
	Bitfield      ID = 5
	Request       ID = 6
	Piece         ID = 7
	Cancel        ID = 8
	Port          ID = 9
)

// Every message on the wire is a 4-byte big-endian length prefix
// followed by that many payload bytes. Length zero is a keep-alive.
// Otherwise the payload begins with a 1-byte id.
type Message struct {
	ID      ID
	Payload []byte
}

// NewRequest builds a request message for a single block.
func NewRequest(index, begin, length int) *Message {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], uint32(index))
	binary.BigEndian.PutUint32(payload[4:8], uint32(begin))
	binary.BigEndian.PutUint32(payload[8:12], uint32(length))
	return &Message{ID: Request, Payload: payload}
}

// NewHave builds a have message for the piece at the given index.
func NewHave(index int) *Message {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, uint32(index))
	return &Message{ID: Have, Payload: payload}
}

func NewInterested() *Message {
	return &Message{ID: Interested}
}

func NewNotInterested() *Message {
	return &Message{ID: NotInterested}
}

// ParseHave extracts the piece index from a have message.
func ParseHave(msg *Message) (int, error) {
	if msg.ID != Have {
		return 0, fmt.Errorf("expected have (id %d), got id %d", Have, msg.ID)
	}
	if len(msg.Payload) != 4 {
		return 0, fmt.Errorf("have payload must be 4 bytes, got %d", len(msg.Payload))
	}
	return int(binary.BigEndian.Uint32(msg.Payload)), nil
}

// ParsePiece splits a piece message into its index, block offset and
// block bytes. Range validation against the piece size is the piece
// store's job.
func ParsePiece(msg *Message) (index, begin int, block []byte, err error) {
	if msg.ID != Piece {
		return 0, 0, nil, fmt.Errorf("expected piece (id %d), got id %d", Piece, msg.ID)
	}
	if len(msg.Payload) < 8 {
		return 0, 0, nil, fmt.Errorf("piece payload too short: %d < 8", len(msg.Payload))
	}
	index = int(binary.BigEndian.Uint32(msg.Payload[0:4]))
	begin = int(binary.BigEndian.Uint32(msg.Payload[4:8]))
	return index, begin, msg.Payload[8:], nil
}

// Serialize puts a message into wire form. A nil message serializes as
// a keep-alive.
func (msg *Message) Serialize() []byte {
	if msg == nil {
		return make([]byte, 4)
	}
	length := uint32(len(msg.Payload) + 1)
	buf := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buf[0:4], length)
	buf[4] = byte(msg.ID)
	copy(buf[5:], msg.Payload)
	return buf
}

// Read consumes exactly one framed message from r. Keep-alives are
// returned as (nil, nil).
func Read(r io.Reader) (*Message, error) {
	lengthBuf := make([]byte, 4)
	_, err := io.ReadFull(r, lengthBuf)
	if err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lengthBuf)

	// keep-alive
	if length == 0 {
		return nil, nil
	}

	payload := make([]byte, length)
	_, err = io.ReadFull(r, payload)
	if err != nil {
		return nil, err
	}

	return &Message{ID: ID(payload[0]), Payload: payload[1:]}, nil
}

func (msg *Message) name() string {
	if msg == nil {
		return "KeepAlive"
	}
	switch msg.ID {
	case Choke:
		return "Choke"
	case Unchoke:
		return "Unchoke"
	case Interested:
		return "Interested"
	case NotInterested:
		return "NotInterested"
	case Have:
		return "Have"
	case Bitfield:
		return "Bitfield"
	case Request:
		return "Request"
	case Piece:
		return "Piece"
	case Cancel:
		return "Cancel"
	case Port:
		return "Port"
	default:
		return fmt.Sprintf("Unknown#%d", msg.ID)
	}
}

func (msg *Message) String() string {
	if msg == nil {
		return msg.name()
	}
	return fmt.Sprintf("%s [%d]", msg.name(), len(msg.Payload))
}
